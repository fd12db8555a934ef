// Package calc 实现中位数计算器。
// 在单一 goroutine 中消费全局队列，维护 T-Digest，
// 并在中位数估计变化超过阈值时向输出端发射一行结果。
package calc

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"streaming-median-tracker/internal/queue"
	"streaming-median-tracker/internal/stats/tdigest"
)

// Epsilon 中位数变化阈值：变化不超过该值时不发射输出行
const Epsilon = 1e-10

// Sink 结果输出端
// 计算器通过该接口发射结果行；实现须自行保证并发安全。
type Sink interface {
	// WriteMedian 写入一行结果
	WriteMedian(receiveTs int64, median float64, extras []tdigest.NamedValue) error
	// Flush 强制刷新缓冲
	Flush() error
}

// Broadcaster 结果行的旁路广播端（可选，尽力而为）
// 广播失败不影响主流水线。
type Broadcaster interface {
	// Broadcast 广播一行已发射的结果
	Broadcast(receiveTs int64, median float64, extras []tdigest.NamedValue)
}

// Calculator 中位数计算器
// T-Digest 归计算器独占，仅在 Run 所在 goroutine 中访问。
type Calculator struct {
	// tasks 输入队列（全局归并队列）
	tasks *queue.Queue
	// sink 结果输出端
	sink Sink
	// broadcaster 旁路广播端，可为 nil
	broadcaster Broadcaster
	// digest 流式分位数摘要
	digest *tdigest.TDigest
	// extraNames 附加统计列名
	extraNames []string
	// lastMedian 上次发射的中位数（NaN 表示尚未发射过）
	lastMedian float64
	// logger 日志记录器
	logger *zap.Logger
}

// New 创建中位数计算器
// 参数 tasks: 输入队列
// 参数 sink: 结果输出端
// 参数 extraNames: 附加统计列名（mean/p90/p95/p99，其余忽略）
// 参数 compression: T-Digest 压缩参数
// 参数 logger: 日志记录器
func New(tasks *queue.Queue, sink Sink, extraNames []string, compression uint64, logger *zap.Logger) *Calculator {
	return &Calculator{
		tasks:      tasks,
		sink:       sink,
		digest:     tdigest.New(compression),
		extraNames: extraNames,
		lastMedian: math.NaN(),
		logger:     logger.Named("calc"),
	}
}

// SetBroadcaster 设置旁路广播端
// 须在 Run 之前调用。
func (c *Calculator) SetBroadcaster(b Broadcaster) {
	c.broadcaster = b
}

// Run 处理输入队列直到其停止并排空
// 每条记录: 更新摘要、计算中位数，变化超过 Epsilon 时发射结果行。
// 首条记录必然发射（lastMedian 以 NaN 播种）。
// 参数 ctx: 函数内未使用；退出以队列流结束信号为准
// 返回: 输出端写入失败时的致命错误
func (c *Calculator) Run(ctx context.Context) error {
	_ = ctx

	for {
		rec, ok := c.tasks.WaitAndPop()
		if !ok {
			// 流结束: 刷新输出并退出
			if err := c.sink.Flush(); err != nil {
				return fmt.Errorf("刷新输出失败: %w", err)
			}
			c.logger.Info("计算器退出",
				zap.Uint64("records", c.digest.Count()),
				zap.Int("centroids", c.digest.CentroidCount()))
			return nil
		}

		c.digest.Add(rec.Price)

		nowMedian, err := c.digest.Median()
		if err != nil {
			// 刚插入过记录，摘要不可能为空
			return fmt.Errorf("中位数查询失败: %w", err)
		}

		if !(math.IsNaN(c.lastMedian) || math.Abs(nowMedian-c.lastMedian) > Epsilon) {
			continue
		}

		extras, err := c.digest.ExtraValues(c.extraNames)
		if err != nil {
			return fmt.Errorf("附加统计查询失败: %w", err)
		}

		if err := c.sink.WriteMedian(rec.ReceiveTs, nowMedian, extras); err != nil {
			c.logger.Error("写入结果失败，停止计算", zap.Error(err))
			return fmt.Errorf("写入结果失败: %w", err)
		}
		c.lastMedian = nowMedian

		if c.broadcaster != nil {
			c.broadcaster.Broadcast(rec.ReceiveTs, nowMedian, extras)
		}
	}
}

// LogSink 日志输出端
// 未配置输出文件时的控制台回退：按相同格式把结果行写入日志。
type LogSink struct {
	// logger 日志记录器
	logger *zap.Logger
}

// NewLogSink 创建日志输出端
// 参数 logger: 日志记录器
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("output")}
}

// WriteMedian 把一行结果写入日志
func (s *LogSink) WriteMedian(receiveTs int64, median float64, extras []tdigest.NamedValue) error {
	fields := make([]zap.Field, 0, 2+len(extras))
	fields = append(fields, zap.Int64("receive_ts", receiveTs), zap.Float64("median", median))
	for _, ev := range extras {
		fields = append(fields, zap.Float64(ev.Name, ev.Value))
	}
	s.logger.Info("median", fields...)
	return nil
}

// Flush 日志输出端无缓冲，Flush 为空操作
func (s *LogSink) Flush() error {
	return nil
}
