package coordinator

import "quiz-sync-service/internal/domain"

// Snapshot is the read-only projection pushed to the presentation layer on
// every relevant event. Question content is redacted; correctness for the
// local player arrives through LastResult once they have submitted.
type Snapshot struct {
	SessionID       string                    `json:"sessionId"`
	SessionStatus   domain.SessionStatus      `json:"sessionStatus"`
	Phase           domain.Phase              `json:"phase"`
	QuestionIndex   int                       `json:"questionIndex"`
	TotalQuestions  int                       `json:"totalQuestions"`
	Question        *domain.Question          `json:"question,omitempty"`
	RemainingSec    int                       `json:"remainingSec"`
	Answered        bool                      `json:"answered"`
	LastResult      *domain.Answer            `json:"lastResult,omitempty"`
	ActivePlayers   int                       `json:"activePlayers"`
	AnsweredPlayers int                       `json:"answeredPlayers"`
	Leaderboard     []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
	FinalResults    []domain.LeaderboardEntry `json:"finalResults,omitempty"`
	Notice          string                    `json:"notice,omitempty"`
}

// Subscribe returns a channel of snapshots, primed with the current state.
// Slow consumers never block the coordinator: a stale pending snapshot is
// dropped in favor of the newest one. The caller must invoke cancel.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	initial := c.snapshotLocked()
	c.mu.Unlock()

	ch <- initial

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current projection.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) broadcast() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	// The notice is one-shot: it is consumed by delivery to subscribers, not
	// by plain Snapshot reads.
	c.notice = ""
	for ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:      c.sessionID,
		SessionStatus:  c.session.Status,
		Phase:          c.phase,
		QuestionIndex:  c.localIndex,
		TotalQuestions: c.session.TotalQuestions,
		RemainingSec:   c.timer.Remaining(),
		Answered:       c.submitted,
		LastResult:     c.lastResult,
		Leaderboard:    c.leaderboard,
		FinalResults:   c.finalResults,
		Notice:         c.notice,
	}

	if q, ok := c.session.CurrentQuestion(); ok && c.phase != domain.PhaseLobby {
		redacted := q.Redacted()
		snap.Question = &redacted
	}

	active, answered := c.tallyLocked()
	snap.ActivePlayers = active
	snap.AnsweredPlayers = answered
	return snap
}

// tallyLocked counts connected players and how many of them have an answer
// recorded for the local question index.
func (c *Coordinator) tallyLocked() (active, answered int) {
	for _, p := range c.players {
		if p.Status == domain.PlayerDisconnected {
			continue
		}
		active++
		if _, ok := p.AnswerFor(c.localIndex); ok {
			answered++
		}
	}
	return active, answered
}
