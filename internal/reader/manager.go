// manager.go 读取器管理与 k 路时间戳归并。
package reader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"streaming-median-tracker/internal/queue"
)

// mergerIdleSleep 所有本地队列同时为空时归并器的短暂休眠
const mergerIdleSleep = time.Millisecond

// drainPollInterval 停机排空阶段检查本地队列的间隔
const drainPollInterval = 10 * time.Millisecond

// readerSlot 一路输入: 读取器及其本地队列
type readerSlot struct {
	// reader 尾随读取器
	reader *Reader
	// tasks 该路的本地队列
	tasks *queue.Queue
}

// Manager 读取器管理器
// 持有 N 个读取器、N 个读取 goroutine 和一个归并 goroutine；
// 归并器把各本地队列的队头按 receive_ts 最小优先归并进全局队列。
// 读取器组与归并器使用两个独立的取消范围，
// 保证归并器可以在读取器退出后多活一个排空阶段。
type Manager struct {
	// streaming 是否尾随文件增长
	streaming bool
	// pollInterval 读取器轮询间隔
	pollInterval time.Duration
	// logger 日志记录器
	logger *zap.Logger

	// tasks 全局归并队列
	tasks *queue.Queue
	// readers 全部输入路
	readers []readerSlot

	// readersCancel 读取器组的取消函数
	readersCancel context.CancelFunc
	// mergerCancel 归并器的取消函数
	mergerCancel context.CancelFunc
	// readersWg 读取 goroutine 的等待组
	readersWg sync.WaitGroup
	// mergerWg 归并 goroutine 的等待组
	mergerWg sync.WaitGroup

	// started 是否已启动
	started bool
	// stopOnce 保证 Stop 只执行一次
	stopOnce sync.Once
}

// NewManager 创建读取器管理器
// 参数 streaming: 是否尾随文件增长
// 参数 pollInterval: 读取器轮询间隔，<=0 时使用 DefaultPollInterval
// 参数 logger: 日志记录器
func NewManager(streaming bool, pollInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		streaming:    streaming,
		pollInterval: pollInterval,
		logger:       logger.Named("manager"),
		tasks:        queue.New(),
	}
}

// Add 注册一个输入文件
// 文件不存在或不是普通文件、初始映射失败均返回错误（对本次运行致命）。
// 须在 Start 之前调用。
// 参数 path: 输入文件路径
func (m *Manager) Add(path string) error {
	if m.started {
		return fmt.Errorf("管理器已启动，无法再添加文件")
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("输入文件不存在: %s: %w", path, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("输入路径不是普通文件: %s", path)
	}

	local := queue.New()
	r, err := Open(path, local, m.streaming, m.pollInterval, m.logger)
	if err != nil {
		return err
	}

	m.readers = append(m.readers, readerSlot{reader: r, tasks: local})
	m.logger.Info("注册输入文件", zap.String("file", path), zap.Int64("size", st.Size()))
	return nil
}

// Start 启动全部读取 goroutine 与归并 goroutine
// 参数 ctx: 父上下文；其取消会传导给两个阶段
func (m *Manager) Start(ctx context.Context) {
	if m.started || len(m.readers) == 0 {
		m.started = true
		return
	}
	m.started = true

	readersCtx, readersCancel := context.WithCancel(ctx)
	mergerCtx, mergerCancel := context.WithCancel(ctx)
	m.readersCancel = readersCancel
	m.mergerCancel = mergerCancel

	for _, slot := range m.readers {
		m.readersWg.Add(1)
		go func(r *Reader) {
			defer m.readersWg.Done()
			if err := r.Run(readersCtx); err != nil {
				m.logger.Error("读取器异常退出", zap.String("file", r.Path()), zap.Error(err))
			}
		}(slot.reader)
	}

	m.mergerWg.Add(1)
	go func() {
		defer m.mergerWg.Done()
		m.merge(mergerCtx)
	}()

	m.logger.Info("读取器管理器启动",
		zap.Int("readers", len(m.readers)),
		zap.Bool("streaming", m.streaming))
}

// merge k 路时间戳归并循环
// 每一步在当前各队头中选取 receive_ts 最小者（同值取较低的路编号），
// 弹出并推入全局队列。归并是逐步贪心的：不等待落后的读取器。
// 退出条件: 所有本地队列为空且停止已被请求。
func (m *Manager) merge(ctx context.Context) {
	for {
		best := -1
		var bestTs int64

		for i := range m.readers {
			rec, ok := m.readers[i].tasks.TryPeek()
			if !ok {
				continue
			}
			if best < 0 || rec.ReceiveTs < bestTs {
				best = i
				bestTs = rec.ReceiveTs
			}
		}

		if best >= 0 {
			rec, ok := m.readers[best].tasks.TryPop()
			if ok {
				m.tasks.Push(rec)
			}
			continue
		}

		// 所有本地队列同时为空
		if ctx.Err() != nil {
			return
		}
		time.Sleep(mergerIdleSleep)
	}
}

// WaitReaders 阻塞等待全部读取器退出
// batch 模式下用于等待各文件自然耗尽。
func (m *Manager) WaitReaders() {
	m.readersWg.Wait()
}

// Stop 两阶段有序停机
//  1. streaming 模式下取消读取器组（batch 模式读取器在 EOF 自然退出）
//  2. 等待全部读取 goroutine 退出（此后不再有本地队列推入）
//  3. 等待归并器把所有本地队列排空，然后取消并等待归并器
//  4. 停止全局队列，让下游消费者排空后退出
//  5. 释放读取器的映射与文件描述符
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if !m.started {
			m.tasks.Stop()
			return
		}

		if m.streaming && m.readersCancel != nil {
			m.readersCancel()
		}
		m.readersWg.Wait()

		for !m.allLocalEmpty() {
			time.Sleep(drainPollInterval)
		}
		if m.mergerCancel != nil {
			m.mergerCancel()
		}
		m.mergerWg.Wait()

		m.tasks.Stop()

		for _, slot := range m.readers {
			if err := slot.reader.Close(); err != nil {
				m.logger.Warn("关闭读取器失败", zap.String("file", slot.reader.Path()), zap.Error(err))
			}
		}

		m.logger.Info("读取器管理器停止", zap.Uint64("total_tasks", m.tasks.TotalCount()))
	})
}

// allLocalEmpty 所有本地队列是否均为空
func (m *Manager) allLocalEmpty() bool {
	for i := range m.readers {
		if !m.readers[i].tasks.Empty() {
			return false
		}
	}
	return true
}

// Tasks 全局归并队列（供下游消费者接线）
func (m *Manager) Tasks() *queue.Queue {
	return m.tasks
}

// TotalTasks 抵达全局队列的记录总数
func (m *Manager) TotalTasks() uint64 {
	return m.tasks.TotalCount()
}

// ParseErrors 各路解析失败行数之和
func (m *Manager) ParseErrors() uint64 {
	var sum uint64
	for i := range m.readers {
		sum += m.readers[i].reader.ParseErrors()
	}
	return sum
}
