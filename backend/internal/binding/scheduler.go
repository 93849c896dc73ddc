package binding

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type schedState int

const (
	schedIdle schedState = iota
	schedComposing
)

func (s schedState) String() string {
	if s == schedComposing {
		return "composing"
	}
	return "idle"
}

// scheduler 对发送做防抖。Idle 下每次 Schedule 重置计时器；
// Composing（输入法组字）期间不发送，组字结束时立即发出最新值。
type scheduler struct {
	clock clockwork.Clock
	delay time.Duration
	send  func(value string)

	mu      sync.Mutex
	state   schedState
	timer   clockwork.Timer
	gen     uint64
	pending bool
}

func newScheduler(clock clockwork.Clock, delay time.Duration, send func(string)) *scheduler {
	return &scheduler{clock: clock, delay: delay, send: send}
}

func (s *scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *scheduler) Schedule(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = true
	if s.state == schedComposing {
		return
	}
	s.stopLocked()
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.delay, func() { s.fire(gen, value) })
}

// markPending 在真正排期之前先占位
func (s *scheduler) markPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = true
}

func (s *scheduler) fire(gen uint64, value string) {
	s.mu.Lock()
	// 已被新的 Schedule / Cancel 取代
	if gen != s.gen || s.state != schedIdle {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.pending = false
	s.mu.Unlock()
	s.send(value)
}

func (s *scheduler) CompositionStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = schedComposing
	s.stopLocked()
}

// CompositionEnd 回到 Idle 并立即发送
func (s *scheduler) CompositionEnd(value string) {
	s.mu.Lock()
	s.state = schedIdle
	s.stopLocked()
	s.pending = false
	s.mu.Unlock()
	s.send(value)
}

// Cancel 丢弃尚未发出的值
func (s *scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.pending = false
}

// Pending 是否有本地修改还没发出
func (s *scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *scheduler) State() schedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
