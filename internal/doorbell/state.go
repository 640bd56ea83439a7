package doorbell

import (
	"context"
	"time"
)

// State tracks the last observed value of one doorbell for the task that
// owns it. A State is not safe for concurrent use; it belongs to a single
// queue task, which calls Close when the queue is deleted.
type State struct {
	mem      *Memory
	index    int
	current  uint32
	awaiting bool
	closed   bool
	waker    *ChanWaker
}

func newState(m *Memory, index int) *State {
	return &State{
		mem:   m,
		index: index,
		waker: NewChanWaker(),
	}
}

// Index returns the doorbell index this state is bound to
func (s *State) Index() int {
	return s.index
}

// Current returns the last observed value without touching the register
func (s *State) Current() uint32 {
	return s.current
}

// Awaiting reports whether the last Poll returned not-ready and armed a waker
func (s *State) Awaiting() bool {
	return s.awaiting
}

// Waker returns the channel waker used by Wait. Tasks that wait on more
// than one doorbell pass their own shared waker to Poll instead.
func (s *State) Waker() *ChanWaker {
	return s.waker
}

// Poll returns the doorbell value and true if it differs from the last
// observed value. Otherwise it registers w and probes again, so a write
// racing with the registration is either seen here or wakes w. When Poll
// reports not ready, w is woken by the next write to the doorbell.
//
// A Poll that turns ready after registering leaves w in the slot; the next
// write will wake it spuriously and the following Poll returns not ready.
//
// Once the State or its Memory is closed Poll always reports not ready.
func (s *State) Poll(w Waker) (uint32, bool) {
	if s.closed {
		return s.current, false
	}

	v, open := s.mem.load(s.index)
	if !open {
		return s.current, false
	}
	if v != s.current {
		return s.ready(v, PollReady)
	}

	s.mem.RegisterWaker(s.index, w)

	v, open = s.mem.load(s.index)
	if !open {
		return s.current, false
	}
	if v != s.current {
		return s.ready(v, PollRecheckReady)
	}

	s.awaiting = true
	s.observe(PollPending)
	return s.current, false
}

func (s *State) ready(v uint32, outcome PollOutcome) (uint32, bool) {
	s.current = v
	s.awaiting = false
	s.observe(outcome)
	return v, true
}

func (s *State) observe(outcome PollOutcome) {
	if s.mem.observer != nil {
		s.mem.observer.ObservePoll(s.index, outcome)
	}
}

// Wait blocks until the doorbell value changes and returns the new value.
// It returns ctx.Err() on cancellation and ErrClosed once the State or its
// Memory is closed. Closing the Memory does not wake a parked Wait.
func (s *State) Wait(ctx context.Context) (uint32, error) {
	var parked time.Time
	for {
		if s.closed || s.mem.isClosed() {
			return s.current, ErrClosed
		}
		if v, ok := s.Poll(s.waker); ok {
			if !parked.IsZero() && s.mem.observer != nil {
				s.mem.observer.ObservePark(s.index, uint64(time.Since(parked).Nanoseconds()))
			}
			return v, nil
		}
		if parked.IsZero() {
			parked = time.Now()
		}

		select {
		case <-s.waker.C():
		case <-ctx.Done():
			return s.current, ctx.Err()
		}
	}
}

// Close deregisters any pending waker and releases the binding so the
// index can be bound again. Close is idempotent.
func (s *State) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.awaiting = false
	s.mem.unbind(s.index)
}
