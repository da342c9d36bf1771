package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed        = errors.New("CHANNEL_CLOSED")
	ErrObserverPanic = errors.New("OBSERVER_PANIC")
)

// Observer 观察者回调。返回错误或 panic 都只影响它自己。
type Observer[T any] func(ctx context.Context, evt T) error

type member[T any] struct {
	sub *Subscription
	obs Observer[T]
}

// Channel 单进程内的有序、同步扇出
// - Dispatch 返回前所有当前观察者都已被调用
// - 不缓冲、不重试、不回放：订阅之前的事件永远看不到
// - 同一个 Channel 上的 Dispatch 串行执行，保证每个观察者按提交顺序收到事件
type Channel[T any] struct {
	name string

	mu      sync.RWMutex
	members []member[T]
	closed  bool

	// 串行化扇出，FIFO 的来源
	dispatchMu sync.Mutex
	nextID     atomic.Uint64
}

func New[T any](name string) *Channel[T] {
	return &Channel[T]{name: name}
}

func (c *Channel[T]) Name() string { return c.name }

// Subscribe 注册观察者。owner 是观察者所属参与者，与事件发起者相同时跳过（自回声抑制）；
// owner 为空表示房间级观察者，接收所有事件。
// 返回的句柄必须由调用方 Close，否则 Channel 会一直持有并调用它。
func (c *Channel[T]) Subscribe(owner string, obs Observer[T]) (*Subscription, error) {
	if obs == nil {
		return nil, errors.New("nil observer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(c.nextID.Add(1), owner)
	sub.release = func() { c.remove(sub) }
	c.members = append(c.members, member[T]{sub: sub, obs: obs})
	return sub, nil
}

func (c *Channel[T]) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.members {
		if m.sub == sub {
			c.members = append(c.members[:i:i], c.members[i+1:]...)
			return
		}
	}
}

// Dispatch 把事件同步交给除 origin 自己以外的所有观察者
func (c *Channel[T]) Dispatch(ctx context.Context, origin string, evt T) error {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]member[T], 0, len(c.members))
	for _, m := range c.members {
		if m.sub.owner != "" && m.sub.owner == origin {
			continue
		}
		targets = append(targets, m)
	}
	c.mu.RUnlock()

	var failures []Failure
	for _, m := range targets {
		// 扇出过程中被退订的观察者不再调用
		if !m.sub.Active() {
			continue
		}
		if err := invoke(ctx, m.obs, evt); err != nil {
			failures = append(failures, Failure{SubscriptionID: m.sub.id, Owner: m.sub.owner, Err: err})
		}
	}
	if len(failures) > 0 {
		return &DeliveryError{Channel: c.name, Failures: failures}
	}
	return nil
}

func invoke[T any](ctx context.Context, obs Observer[T], evt T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrObserverPanic, r)
		}
	}()
	return obs(ctx, evt)
}

// Len 当前有效订阅数
func (c *Channel[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Close 取消全部订阅，之后 Subscribe / Dispatch 都返回 ErrClosed
func (c *Channel[T]) Close() {
	c.mu.Lock()
	members := c.members
	c.members = nil
	c.closed = true
	c.mu.Unlock()

	for _, m := range members {
		m.sub.cancel()
	}
}
