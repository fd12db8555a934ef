// Package queue 实现线程安全的记录 FIFO 队列。
// 队列携带一次性的停止标志：停止后消费者可以继续排空剩余记录，
// 排空完毕后 WaitAndPop 返回流结束信号，不会死锁。
// 每个读取器持有一个本地队列，归并器持有一个全局队列。
package queue

import (
	"sync"

	"streaming-median-tracker/internal/core/model"
)

// Queue 记录 FIFO 队列
// 单生产者的推入顺序对消费者严格保序；
// 跨生产者只保证各自内部的顺序。
type Queue struct {
	// mu 保护以下全部字段
	mu sync.Mutex
	// notEmpty 队列非空或已停止时唤醒等待者
	notEmpty *sync.Cond
	// items 队列内容（头部在 items[0]）
	items []model.Record
	// totalCount 生命周期内成功推入的记录总数（单调不减）
	totalCount uint64
	// stopped 一次性停止标志
	stopped bool
}

// New 创建空队列
func New() *Queue {
	q := &Queue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push 在队尾追加一条记录并唤醒一个等待者
// 队列已停止时丢弃记录并返回 false；否则返回 true。
// 参数 rec: 待追加的记录
// 返回: 是否成功入队
func (q *Queue) Push(rec model.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	q.items = append(q.items, rec)
	q.totalCount++
	q.notEmpty.Signal()
	return true
}

// WaitAndPop 阻塞等待并弹出队头记录
// 队列为空时阻塞，直到出现记录或队列被停止。
// 返回: 记录和 ok 标志；ok=false 表示队列已停止且完全排空（流结束）
func (q *Queue) WaitAndPop() (model.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		// stopped 且已排空
		return model.Record{}, false
	}

	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

// TryPop 非阻塞弹出队头记录
// 返回: 记录和 ok 标志；ok=false 表示队列当前为空
func (q *Queue) TryPop() (model.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return model.Record{}, false
	}

	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

// TryPeek 非阻塞查看队头记录（不出队）
// 归并器依赖此方法比较各本地队列的队头时间戳。
// 返回: 记录和 ok 标志；ok=false 表示队列当前为空
func (q *Queue) TryPeek() (model.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return model.Record{}, false
	}
	return q.items[0], true
}

// Empty 队列当前是否为空
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Stopped 停止标志是否已设置
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Stop 设置停止标志并唤醒所有等待者
// 之后的 Push 为空操作；已入队的记录仍可被消费。
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.notEmpty.Broadcast()
}

// TotalCount 生命周期内成功推入的记录总数
func (q *Queue) TotalCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalCount
}

// Len 队列当前长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
