package coordinator

import (
	"context"
	"fmt"

	"quiz-sync-service/internal/domain"
)

// Resume is the background-to-foreground path. It flips the player back to
// connected, then reconciles the question timer against its absolute
// deadline: when the deadline passed while the process was suspended, the
// expiry path runs now instead of the question being silently skipped.
func (c *Coordinator) Resume(ctx context.Context) error {
	if err := c.store.ReconnectPlayer(ctx, c.sessionID, c.uid); err != nil {
		return fmt.Errorf("reconnect player: %w", err)
	}

	c.mu.Lock()
	expiredUnanswered := c.phase == domain.PhaseAnswering && c.timer.Expired() && !c.submitted
	c.lastShownRemain = -1
	c.mu.Unlock()

	c.log.Info().Bool("expired_while_suspended", expiredUnanswered).Msg("resumed from suspension")
	if expiredUnanswered {
		c.submitTimeout(ctx)
	} else {
		c.broadcast()
		c.evaluateAdvance(ctx)
	}
	return nil
}

// Leave marks the player disconnected immediately (no sweep wait) and stops
// this coordinator instance for good. A rejoin starts a fresh instance.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.store.LeaveSession(ctx, c.sessionID, c.uid)

	c.mu.Lock()
	c.timer.Stop()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}

	c.log.Info().Msg("left session")
	if err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	return nil
}
