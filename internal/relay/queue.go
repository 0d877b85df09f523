package relay

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Queue 是无界 FIFO 队列，支持多个生产者与单个消费者。
//
// 消费者通过 Wait 等待队列可读，再用 TryPop 取出消息。
// Wait 只观察不出队，因此一次被取消的 Wait 不会丢失任何消息。
type Queue[T any] struct {
	name string

	mu     sync.Mutex
	items  *queue.Queue
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// NewQueue 创建一个空队列，name 仅用于日志与错误信息。
func NewQueue[T any](name string) *Queue[T] {
	return &Queue[T]{
		name:   name,
		items:  queue.New(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push 将 v 追加到队尾。队列关闭后返回 merr.ErrQueueClosed。
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return merr.WrapErrQueueClosed(q.name)
	}
	q.items.Add(v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryPop 非阻塞地取出队首元素。
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.items.Length() == 0 {
		return zero, false
	}
	return q.items.Remove().(T), true
}

// Wait 阻塞直到队列非空、队列关闭或 ctx 结束。
// 队列非空时返回 nil；队列已关闭且为空时返回 merr.ErrQueueClosed。
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed := q.items.Length(), q.closed
		q.mu.Unlock()

		if n > 0 {
			return nil
		}
		if closed {
			return merr.WrapErrQueueClosed(q.name)
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop 阻塞直到取出一个元素。
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if err := q.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
	}
}

// Len 返回当前队列长度。
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close 关闭队列并唤醒所有等待者，重复调用无副作用。
// 关闭后队列中剩余的消息仍可被取出。
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed 返回队列是否已关闭。
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
