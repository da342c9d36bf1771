package channel

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Subscription 显式的订阅句柄，持有者负责 Close
type Subscription struct {
	id     uint64
	owner  string
	active atomic.Bool

	once    sync.Once
	release func()
}

func newSubscription(id uint64, owner string) *Subscription {
	s := &Subscription{id: id, owner: owner}
	s.active.Store(true)
	return s
}

func (s *Subscription) ID() uint64    { return s.id }
func (s *Subscription) Owner() string { return s.owner }
func (s *Subscription) Active() bool  { return s.active.Load() }

// Close 退订，可重复调用
func (s *Subscription) Close() {
	s.cancel()
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// cancel 只改状态，Channel.Close 时使用（成员表已经整体清空）
func (s *Subscription) cancel() {
	s.active.Store(false)
}

// Failure 单个观察者的失败
type Failure struct {
	SubscriptionID uint64
	Owner          string
	Err            error
}

// DeliveryError 汇总一次扇出中失败的观察者。状态已经提交，调用方不应当作提交失败。
type DeliveryError struct {
	Channel  string
	Failures []Failure
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("sub=%d owner=%q: %v", f.SubscriptionID, f.Owner, f.Err))
	}
	return fmt.Sprintf("%s: %d observer(s) failed: %s", e.Channel, len(e.Failures), strings.Join(parts, "; "))
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
