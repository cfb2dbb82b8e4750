package collab

import (
	"context"
	"errors"
)

var (
	ErrSemaphoreTimeout = errors.New("SEMAPHORE_TIMEOUT")
	ErrSemaphoreRelease = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

const DefaultSemaphoreSize = 100

// SemaphoreControl 限制并发数：kafka 发送、冷启动加载对象
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreRelease
	}
}

func (s *SemaphoreControl) InUse() int {
	return len(s.ch)
}
