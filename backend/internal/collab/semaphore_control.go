package collab

import (
	"context"
	"errors"
)

var (
	ErrAcquireTimeout = errors.New("semaphore: acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore: release without acquire")
)

// SemaphoreControl 基于带缓冲 channel 的计数信号量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
