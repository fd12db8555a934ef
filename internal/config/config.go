// Package config 负责加载和验证 YAML 配置文件。
// 提供应用程序所需的所有配置项，包括输入文件发现、
// T-Digest 参数、输出路径和实时广播设置。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// validExtraValues 可配置的附加统计列名
var validExtraValues = map[string]bool{
	"mean": true, "p90": true, "p95": true, "p99": true,
}

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Input 输入文件配置
	Input InputConfig `yaml:"input"`
	// Digest T-Digest 参数配置
	Digest DigestConfig `yaml:"digest"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
	// Watch 实时广播配置
	Watch WatchConfig `yaml:"watch"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// InputConfig 输入文件配置
// Files 显式列出输入文件；Dir + FilenameMasks 按掩码在目录中发现文件。
// 两种方式的结果合并、排序、去重。
type InputConfig struct {
	// Files 显式输入文件路径列表
	Files []string `yaml:"files"`
	// Dir 输入目录（与 filename_masks 配合使用）
	Dir string `yaml:"dir"`
	// FilenameMasks 文件名掩码列表；匹配 .*<mask>.*\.csv$（忽略大小写）
	FilenameMasks []string `yaml:"filename_masks"`
	// Streaming 是否以 streaming 模式尾随文件增长
	Streaming bool `yaml:"streaming"`
	// PollIntervalMs 文件未增长时的轮询间隔（毫秒）
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// DigestConfig T-Digest 参数配置
type DigestConfig struct {
	// Compression 压缩参数，正整数
	Compression int `yaml:"compression"`
	// ExtraValues 附加统计列名列表，取值 mean/p90/p95/p99
	ExtraValues []string `yaml:"extra_values"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// File 输出 CSV 文件路径；为空时结果行写入日志
	File string `yaml:"file"`
}

// WatchConfig 实时广播配置
type WatchConfig struct {
	// Enabled 是否开启 WebSocket 广播
	Enabled bool `yaml:"enabled"`
	// Addr 监听地址，如 127.0.0.1:8099
	Addr string `yaml:"addr"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	// 读取配置文件
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析 YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 设置默认值
	cfg.setDefaults()

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	// 应用默认值
	if c.App.Name == "" {
		c.App.Name = "streaming-median-tracker"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	// 输入默认值
	if c.Input.PollIntervalMs == 0 {
		c.Input.PollIntervalMs = 100 // 100 毫秒
	}

	// T-Digest 默认值
	if c.Digest.Compression == 0 {
		c.Digest.Compression = 25
	}

	// 广播默认值
	if c.Watch.Enabled && c.Watch.Addr == "" {
		c.Watch.Addr = "127.0.0.1:8099"
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	// 验证输入配置: 显式文件或目录掩码至少有一种
	if len(c.Input.Files) == 0 && c.Input.Dir == "" {
		errs = append(errs, "input: 需要配置 files 或 dir + filename_masks")
	}
	if c.Input.Dir != "" && len(c.Input.FilenameMasks) == 0 {
		errs = append(errs, "input.filename_masks: 配置了 dir 时至少需要一个掩码")
	}
	for i, f := range c.Input.Files {
		if f == "" {
			errs = append(errs, fmt.Sprintf("input.files[%d]: 路径不能为空", i))
		}
	}
	if c.Input.PollIntervalMs < 0 {
		errs = append(errs, "input.poll_interval_ms: 轮询间隔不能为负数")
	}

	// 验证 T-Digest 参数
	if c.Digest.Compression <= 0 {
		errs = append(errs, fmt.Sprintf("digest.compression: 压缩参数必须为正整数，当前值: %d", c.Digest.Compression))
	}
	for i, name := range c.Digest.ExtraValues {
		if !validExtraValues[name] {
			errs = append(errs, fmt.Sprintf("digest.extra_values[%d]: 无效的统计名 '%s'，有效值: mean, p90, p95, p99", i, name))
		}
	}

	// 验证广播配置
	if c.Watch.Enabled && c.Watch.Addr == "" {
		errs = append(errs, "watch.addr: 开启广播时监听地址不能为空")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ResolveInputFiles 解析最终的输入文件列表
// 先取显式配置的 files，再按掩码在 dir 中发现匹配的普通文件；
// 结果排序并去重。发现阶段不校验文件可读性（由读取器负责）。
// 返回: 输入文件路径列表或目录扫描/掩码错误
func (c *Config) ResolveInputFiles() ([]string, error) {
	result := append([]string(nil), c.Input.Files...)

	if c.Input.Dir != "" {
		found, err := findCSVFiles(c.Input.Dir, c.Input.FilenameMasks)
		if err != nil {
			return nil, err
		}
		result = append(result, found...)
	}

	sort.Strings(result)
	result = dedupe(result)

	if len(result) == 0 {
		return nil, fmt.Errorf("没有发现任何输入文件")
	}
	return result, nil
}

// findCSVFiles 按掩码在目录中发现 CSV 文件
// 掩码匹配规则: .*<mask>.*\.csv$，忽略大小写，只匹配普通文件。
// 参数 dir: 输入目录
// 参数 masks: 文件名掩码列表
// 返回: 匹配的文件路径列表
func findCSVFiles(dir string, masks []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取输入目录失败: %w", err)
	}

	var result []string
	for _, mask := range masks {
		re, err := regexp.Compile("(?i).*" + mask + ".*\\.csv$")
		if err != nil {
			return nil, fmt.Errorf("无效的文件名掩码 '%s': %w", mask, err)
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			if re.MatchString(entry.Name()) {
				result = append(result, filepath.Join(dir, entry.Name()))
			}
		}
	}

	return result, nil
}

// dedupe 去除已排序切片中的重复项
func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
