package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. Every timestamped record in the system
// obtains time through this interface so that backtests can substitute
// simulated time for wall time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Real returns a Clock backed by the wall clock.
func Real() Clock { return realClock{} }

// Simulated is a manually advanced clock. It never moves backwards: an
// Advance to an earlier instant is ignored.
type Simulated struct {
	mu  sync.Mutex
	now time.Time
}

func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start.UTC()}
}

func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) Advance(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = t.UTC()
	if t.After(s.now) {
		s.now = t
	}
}
