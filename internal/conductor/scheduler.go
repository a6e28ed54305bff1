package conductor

import (
	"sync"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/trigger"
)

// expiryScheduler wakes the expiry consumer when the earliest known lock
// expires. Only the earliest deadline is armed; the expiry workflow
// schedules the next one after each run.
type expiryScheduler struct {
	clock  clock.Clock
	wake   trigger.Sender
	mu     sync.Mutex
	timer  *clock.Timer
	at     ir.Timestamp
	closed bool
}

func newExpiryScheduler(clk clock.Clock, wake trigger.Sender) *expiryScheduler {
	return &expiryScheduler{clock: clk, wake: wake}
}

// ScheduleAt implements countersign.ExpiryScheduler and
// workflow.Scheduler.
func (s *expiryScheduler) ScheduleAt(at ir.Timestamp) {
	d := at.Time().Sub(s.clock.Now())
	if d <= 0 {
		s.wake.Trigger()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		if s.at <= at {
			return
		}
		s.timer.Stop()
	}
	s.at = at
	s.timer = s.clock.AfterFunc(d, s.fire)
}

func (s *expiryScheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.wake.Trigger()
}

func (s *expiryScheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
