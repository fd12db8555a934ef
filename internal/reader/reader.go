// Package reader 实现 CSV 文件的尾随读取与多路归并。
// 每个输入文件由一个 Reader 通过只读 memory-map 解析为记录流；
// Manager 管理全部 Reader 与归并器，把各路记录按时间戳归并进全局队列。
package reader

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"streaming-median-tracker/internal/core/model"
	"streaming-median-tracker/internal/queue"
	"streaming-median-tracker/internal/util/backoff"
	"streaming-median-tracker/internal/util/fastparse"
)

// DefaultPollInterval streaming 模式下文件未增长时的轮询间隔
const DefaultPollInterval = 100 * time.Millisecond

// parseErrLogInterval 解析错误的采样日志间隔（条数）
const parseErrLogInterval = 1000

// Reader CSV 尾随读取器
// 将文件只读映射进内存，按文件字节顺序解析完整行并推入本地队列。
// streaming 模式下文件到达 EOF 后重映射以观察追加的字节。
// 映射与游标均为 Run 所在 goroutine 独占。
type Reader struct {
	// path 输入文件路径
	path string
	// tasks 本地输出队列
	tasks *queue.Queue
	// streaming 是否尾随文件增长
	streaming bool
	// pollInterval 文件未增长时的轮询间隔
	pollInterval time.Duration
	// logger 日志记录器
	logger *zap.Logger

	// fd 文件描述符
	fd int
	// data 当前映射区域（文件为空时为 nil）
	data []byte
	// size 上次映射时的文件长度；只允许读取 < size 的字节
	size int64
	// pos 映射内的读取游标
	pos int64
	// line 当前累积的行（可能跨多次 refresh）
	line []byte
	// headerSkipped 表头行是否已跳过
	headerSkipped bool

	// parseErrCount 解析失败的行数（用于采样日志，可被外部并发读取）
	parseErrCount atomic.Uint64
}

// Open 打开文件并建立初始映射
// 初始映射失败对该文件是致命的，错误上报给调用方（Manager）。
// 参数 path: 输入文件路径
// 参数 tasks: 本地输出队列
// 参数 streaming: 是否尾随文件增长
// 参数 pollInterval: 轮询间隔，<=0 时使用 DefaultPollInterval
// 参数 logger: 日志记录器
// 返回: 读取器或打开/映射失败的错误
func Open(path string, tasks *queue.Queue, streaming bool, pollInterval time.Duration, logger *zap.Logger) (*Reader, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("打开输入文件 %s 失败: %w", path, err)
	}

	r := &Reader{
		path:         path,
		tasks:        tasks,
		streaming:    streaming,
		pollInterval: pollInterval,
		logger:       logger.Named("reader").With(zap.String("file", path)),
		fd:           fd,
	}

	if err := r.remap(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("映射输入文件 %s 失败: %w", path, err)
	}

	return r, nil
}

// remap 依据当前文件长度重建只读映射
// 游标 pos 保持不变；文件为空时不建立映射。
func (r *Reader) remap() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("munmap 失败: %w", err)
		}
		r.data = nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(r.fd, &st); err != nil {
		return fmt.Errorf("fstat 失败: %w", err)
	}
	r.size = st.Size

	if r.size == 0 {
		return nil
	}

	data, err := unix.Mmap(r.fd, 0, int(r.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap 失败: %w", err)
	}
	r.data = data
	return nil
}

// Run 读取循环
// 解析完整行并推入本地队列；batch 模式在 EOF 退出，
// streaming 模式在 EOF 处重映射并轮询，直到 stop 被请求。
// 瞬时的重映射失败按指数退避重试，不上抛。
// 参数 ctx: 取消上下文（读取器组共用）
// 返回: 始终为 nil（保留错误返回以备扩展）
func (r *Reader) Run(ctx context.Context) error {
	bo := backoff.NewDefault()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("读取器收到停止信号", zap.Int64("position", r.pos))
			return nil
		default:
		}

		// 累积字节直到行尾或 EOF
		for r.pos < r.size && r.data[r.pos] != '\n' {
			r.line = append(r.line, r.data[r.pos])
			r.pos++
		}

		if r.pos < r.size {
			// 命中行尾
			r.pos++
			r.consumeLine()
			continue
		}

		// EOF
		if !r.streaming {
			// batch 模式: 文件已耗尽；残缺的尾行被丢弃
			if len(r.line) > 0 {
				r.logger.Debug("丢弃无行尾的残缺尾行", zap.Int("bytes", len(r.line)))
			}
			return nil
		}

		previousSize := r.size
		if err := r.remap(); err != nil {
			delay := bo.Next()
			r.logger.Warn("重映射失败，退避重试", zap.Error(err), zap.Duration("delay", delay))
			if !sleepInterruptible(ctx, delay) {
				return nil
			}
			continue
		}
		bo.Reset()

		if r.size == previousSize {
			// 文件未增长: 轮询等待，避免空转
			if !sleepInterruptible(ctx, r.pollInterval) {
				return nil
			}
		}
	}
}

// consumeLine 处理一个累积完成的行
// 首个完整行是表头，原样跳过；其余行解析后推入本地队列。
func (r *Reader) consumeLine() {
	defer func() { r.line = r.line[:0] }()

	if !r.headerSkipped {
		r.headerSkipped = true
		return
	}
	if len(r.line) == 0 {
		return
	}

	rec, ok := r.parseLine(r.line)
	if !ok {
		return
	}
	r.tasks.Push(rec)
}

// parseLine 解析一行 CSV
// 行格式: >=3 个以 ';' 分隔的字段；字段 0 为整数时间戳，
// 字段 2 为浮点价格，其余字段忽略。解析失败丢弃该行并采样记录日志。
// 参数 line: 不含行尾符的行内容
// 返回: 记录和是否解析成功
func (r *Reader) parseLine(line []byte) (model.Record, bool) {
	// 容忍 CRLF 行尾
	line = bytes.TrimSuffix(line, []byte{'\r'})

	first := bytes.IndexByte(line, ';')
	if first < 0 {
		return r.parseFailure(line, "字段不足")
	}
	second := bytes.IndexByte(line[first+1:], ';')
	if second < 0 {
		return r.parseFailure(line, "字段不足")
	}
	priceField := line[first+1+second+1:]
	if end := bytes.IndexByte(priceField, ';'); end >= 0 {
		priceField = priceField[:end]
	}

	ts, err := fastparse.ParseInt(string(line[:first]))
	if err != nil {
		return r.parseFailure(line, "时间戳非法")
	}

	price, err := fastparse.ParseFloat(string(priceField))
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return r.parseFailure(line, "价格非法")
	}

	return model.Record{ReceiveTs: ts, Price: price}, true
}

// parseFailure 记录一次解析失败（采样日志，避免刷屏）
func (r *Reader) parseFailure(line []byte, reason string) (model.Record, bool) {
	n := r.parseErrCount.Add(1)
	if n == 1 || n%parseErrLogInterval == 0 {
		r.logger.Warn("丢弃无法解析的行",
			zap.String("reason", reason),
			zap.ByteString("line", line),
			zap.Uint64("total_parse_errors", n))
	}
	return model.Record{}, false
}

// ParseErrors 解析失败的行数
func (r *Reader) ParseErrors() uint64 {
	return r.parseErrCount.Load()
}

// Path 输入文件路径
func (r *Reader) Path() string {
	return r.path
}

// Close 释放映射与文件描述符
// 仅应在 Run 退出后调用。
func (r *Reader) Close() error {
	var mmapErr error
	if r.data != nil {
		mmapErr = unix.Munmap(r.data)
		r.data = nil
	}
	closeErr := unix.Close(r.fd)
	if mmapErr != nil {
		return mmapErr
	}
	return closeErr
}

// sleepInterruptible 可中断的睡眠
// 返回: true 表示睡满；false 表示被取消打断
func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
