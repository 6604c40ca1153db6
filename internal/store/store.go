// Package store defines the shared session store contract the coordinator
// depends on. Every client process talks to the same store instance (Redis in
// production, in-memory for tests); the store is the only shared resource
// between clients, and its change feed is what drives each client's loop.
package store

import (
	"context"
	"time"

	"quiz-sync-service/internal/domain"
)

// Store is implemented by internal/infra/memory and internal/infra/redis.
//
// Concurrency contract:
//   - SubmitAnswer is idempotent per (player, question index): the first write
//     wins and later calls return the stored answer unchanged.
//   - AdvanceQuestion is a compare-and-set on the session's question index.
//     Any number of clients may call it concurrently for the same index; the
//     store applies exactly one increment and tells each caller whether it
//     was the one that won.
//   - Subscriptions deliver at least once, in order per record, pushing the
//     full record on every change.
type Store interface {
	// CreateSession registers a new waiting session. Fails with
	// domain.ErrSessionExists if the ID is taken.
	CreateSession(ctx context.Context, session domain.Session) error
	// GetSession reads the current session record.
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	// StartSession moves a waiting session to in_progress at question 0.
	StartSession(ctx context.Context, sessionID string) error

	// JoinSession registers or refreshes a player in the session.
	JoinSession(ctx context.Context, sessionID, uid, displayName string) error
	// GetPlayers reads all player records in join order.
	GetPlayers(ctx context.Context, sessionID string) ([]domain.Player, error)

	// SubscribeSession pushes the full session record on every change,
	// starting with the current state. The cancel func must be called to
	// release the subscription.
	SubscribeSession(ctx context.Context, sessionID string) (<-chan domain.Session, func(), error)
	// SubscribePlayers pushes the full player set on every change.
	SubscribePlayers(ctx context.Context, sessionID string) (<-chan []domain.Player, func(), error)

	// SubmitAnswer appends a scored answer exactly once per question index and
	// updates the player's streak. Returns the stored answer, which is the
	// caller's answer on first write and the pre-existing one on duplicates.
	// Rejects answers for indices the session has moved past.
	SubmitAnswer(ctx context.Context, sessionID, uid string, answer domain.Answer) (domain.Answer, error)

	// AdvanceQuestion increments the question index iff it still equals
	// fromIndex, marking the session completed when the last question is
	// passed. Reports whether this caller performed the mutation.
	AdvanceQuestion(ctx context.Context, sessionID string, fromIndex int) (bool, error)

	// ReconnectPlayer flips a player back to connected and refreshes activity.
	ReconnectPlayer(ctx context.Context, sessionID, uid string) error
	// UpdateActivity records a presence heartbeat.
	UpdateActivity(ctx context.Context, sessionID, uid string) error
	// SweepInactive marks players idle for longer than olderThan as
	// disconnected, returning how many were flipped.
	SweepInactive(ctx context.Context, sessionID string, olderThan time.Duration) (int, error)
	// LeaveSession marks a player disconnected immediately.
	LeaveSession(ctx context.Context, sessionID, uid string) error

	// Leaderboard computes current ranked standings.
	Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error)
}

// QuestionSetRepository loads quiz content (from cache/backing store).
type QuestionSetRepository interface {
	GetQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error)
}
