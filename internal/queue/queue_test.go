// Package queue 队列测试
package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"streaming-median-tracker/internal/core/model"
)

// **Feature: streaming-median-tracker, Property 4: Queue FIFO Order**
// **Validates: Requirements 2.1**

func TestQueue_FIFO_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("单生产者推入顺序与消费顺序一致", prop.ForAll(
		func(prices []float64) bool {
			q := New()
			for i, p := range prices {
				if !q.Push(model.Record{ReceiveTs: int64(i), Price: p}) {
					return false
				}
			}
			q.Stop()

			for i, p := range prices {
				rec, ok := q.WaitAndPop()
				if !ok {
					return false
				}
				if rec.ReceiveTs != int64(i) || rec.Price != p {
					return false
				}
			}

			// 排空后应返回流结束
			_, ok := q.WaitAndPop()
			return !ok
		},
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
	))

	properties.TestingRun(t)
}

// **Feature: streaming-median-tracker, Property 5: Queue Counter Monotonicity**
// **Validates: Requirements 2.3**

func TestQueue_TotalCount_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("TotalCount 等于成功推入次数且不受弹出影响", prop.ForAll(
		func(n int, popped int) bool {
			q := New()
			for i := 0; i < n; i++ {
				q.Push(model.Record{ReceiveTs: int64(i), Price: 1})
			}
			if q.TotalCount() != uint64(n) {
				return false
			}

			if popped > n {
				popped = n
			}
			for i := 0; i < popped; i++ {
				if _, ok := q.TryPop(); !ok {
					return false
				}
			}
			return q.TotalCount() == uint64(n)
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

// TestQueue_StopUnblocksWaiters 停止空队列后所有等待者应有界返回
func TestQueue_StopUnblocksWaiters(t *testing.T) {
	q := New()

	const waiters = 4
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, ok := q.WaitAndPop()
			results <- ok
		}()
	}

	// 等待者进入阻塞后停止队列
	time.Sleep(50 * time.Millisecond)
	q.Stop()

	for i := 0; i < waiters; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Fatalf("空队列停止后 WaitAndPop 返回 ok=true")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("WaitAndPop 在停止后未能及时返回（疑似死锁）")
		}
	}
}

// TestQueue_PushAfterStop 停止后的 Push 应被拒绝且不阻塞消费者
func TestQueue_PushAfterStop(t *testing.T) {
	q := New()
	q.Push(model.Record{ReceiveTs: 1, Price: 10})
	q.Stop()

	if q.Push(model.Record{ReceiveTs: 2, Price: 20}) {
		t.Fatalf("停止后 Push 返回 true")
	}
	if q.TotalCount() != 1 {
		t.Fatalf("停止后 TotalCount = %d, want 1", q.TotalCount())
	}

	// 已入队的记录仍可消费
	rec, ok := q.WaitAndPop()
	if !ok || rec.ReceiveTs != 1 {
		t.Fatalf("停止后未能排空已入队记录: rec=%+v ok=%v", rec, ok)
	}
	if _, ok := q.WaitAndPop(); ok {
		t.Fatalf("排空后 WaitAndPop 返回 ok=true")
	}
}

// TestQueue_TryPeek 查看队头不应出队
func TestQueue_TryPeek(t *testing.T) {
	q := New()

	if _, ok := q.TryPeek(); ok {
		t.Fatalf("空队列 TryPeek 返回 ok=true")
	}

	q.Push(model.Record{ReceiveTs: 7, Price: 70})
	for i := 0; i < 3; i++ {
		rec, ok := q.TryPeek()
		if !ok || rec.ReceiveTs != 7 {
			t.Fatalf("TryPeek 第 %d 次: rec=%+v ok=%v", i, rec, ok)
		}
	}
	if q.Len() != 1 {
		t.Fatalf("TryPeek 后 Len = %d, want 1", q.Len())
	}
}

// TestQueue_ConcurrentProducers 多生产者并发推入不丢失记录
func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(model.Record{ReceiveTs: int64(p*perProducer + i), Price: 1})
			}
		}(p)
	}

	done := make(chan int, 1)
	go func() {
		n := 0
		for {
			_, ok := q.WaitAndPop()
			if !ok {
				done <- n
				return
			}
			n++
		}
	}()

	wg.Wait()
	q.Stop()

	select {
	case n := <-done:
		if n != producers*perProducer {
			t.Fatalf("消费到 %d 条, want %d", n, producers*perProducer)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("消费者未能在限定时间内结束")
	}

	if q.TotalCount() != uint64(producers*perProducer) {
		t.Fatalf("TotalCount = %d, want %d", q.TotalCount(), producers*perProducer)
	}
}
