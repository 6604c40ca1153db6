package coordinator

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// QuestionTimer tracks the answering deadline for the active question.
//
// It stores the absolute end time and recomputes the remaining seconds from
// the clock on every read, so a process that was suspended for any length of
// time lands on the same value as one that ticked the whole way through.
type QuestionTimer struct {
	clock clockwork.Clock

	mu      sync.Mutex
	endTime time.Time
	running bool
}

func NewQuestionTimer(clock clockwork.Clock) *QuestionTimer {
	return &QuestionTimer{clock: clock}
}

// Start arms the timer for a fresh question: deadline = now + limit.
func (t *QuestionTimer) Start(limit time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endTime = t.clock.Now().Add(limit)
	t.running = true
}

// Stop disarms the timer; Remaining reports 0 afterwards.
func (t *QuestionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

// Running reports whether the timer is armed.
func (t *QuestionTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Deadline returns the absolute end time while the timer is armed.
func (t *QuestionTimer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime, t.running
}

// Remaining returns the whole seconds left, never negative. The ceiling
// keeps the displayed value in step across clients that armed the timer
// within network-latency bounds of each other.
func (t *QuestionTimer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	left := t.endTime.Sub(t.clock.Now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Expired reports whether an armed timer's deadline has passed. A stopped
// timer is not expired; expiry is only meaningful during answering.
func (t *QuestionTimer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && !t.clock.Now().Before(t.endTime)
}
