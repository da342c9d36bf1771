package collab

import (
	"context"
	"errors"
)

const DefaultMaxSemaphore = 100

type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl n <= 0 时取 DefaultMaxSemaphore
func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("Acquire Reach time limit")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("Release Failed, semaphore is not acquired")
	}
}

// InUse 当前已占用的数量
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
