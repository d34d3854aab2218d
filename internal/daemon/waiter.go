package daemon

import (
	"sync/atomic"
	"time"

	"walkie/internal/proto"
)

// waiter is a pending blocking read. It is resolved exactly once: by a
// delivered message, by its timer, or by cancellation. Removal from the
// subscriber queue always happens under Daemon.mu before complete is
// called, so a waiter still queued is never resolved.
type waiter struct {
	sub    *subscriber
	timer  *time.Timer
	done   atomic.Bool
	result chan []proto.Message
}

func newWaiter(sub *subscriber) *waiter {
	return &waiter{sub: sub, result: make(chan []proto.Message, 1)}
}

func (w *waiter) complete(msgs []proto.Message) bool {
	if !w.done.CompareAndSwap(false, true) {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	if msgs == nil {
		msgs = []proto.Message{}
	}
	w.result <- msgs
	return true
}

type subscriber struct {
	id       string
	messages []proto.Message
	waiters  []*waiter
}

func (s *subscriber) removeWaiter(w *waiter) bool {
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// popWaiter returns the oldest waiter, or nil.
func (s *subscriber) popWaiter() *waiter {
	if len(s.waiters) == 0 {
		return nil
	}
	w := s.waiters[0]
	s.waiters[0] = nil
	s.waiters = s.waiters[1:]
	return w
}
