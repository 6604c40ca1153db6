// Package memory provides the in-process implementation of the shared
// session store. It backs tests and the no-redis dev path, and doubles as
// the reference semantics for the redis implementation: idempotent answer
// append, compare-and-set advancement, full-record change notifications.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-sync-service/internal/domain"
)

// Store implements store.Store over process memory. Safe for concurrent use
// by many coordinators, which is exactly how the tests exercise it.
type Store struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	session     domain.Session
	players     map[string]*domain.Player
	order       []string // join order, for deterministic reads
	sessionSubs map[chan domain.Session]struct{}
	playerSubs  map[chan []domain.Player]struct{}
}

func NewStore() *Store {
	return NewStoreWithClock(clockwork.NewRealClock())
}

// NewStoreWithClock allows deterministic timestamps in tests.
func NewStoreWithClock(clock clockwork.Clock) *Store {
	return &Store{
		clock:    clock,
		sessions: make(map[string]*sessionRecord),
	}
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return domain.ErrSessionExists
	}
	s.sessions[session.ID] = &sessionRecord{
		session:     session,
		players:     make(map[string]*domain.Player),
		sessionSubs: make(map[chan domain.Session]struct{}),
		playerSubs:  make(map[chan []domain.Player]struct{}),
	}
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return rec.session, nil
}

func (s *Store) StartSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if rec.session.Status != domain.SessionWaiting {
		return nil // already started; idempotent
	}
	rec.session.Status = domain.SessionInProgress
	rec.session.CurrentQuestionIndex = 0
	rec.notifySessionLocked()
	return nil
}

func (s *Store) JoinSession(_ context.Context, sessionID, uid, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	now := s.clock.Now()
	if p, ok := rec.players[uid]; ok {
		p.DisplayName = displayName
		p.Status = domain.PlayerConnected
		p.LastActiveAt = now
	} else {
		rec.players[uid] = &domain.Player{
			UID:          uid,
			DisplayName:  displayName,
			Status:       domain.PlayerConnected,
			LastActiveAt: now,
		}
		rec.order = append(rec.order, uid)
	}
	rec.notifyPlayersLocked()
	return nil
}

func (s *Store) GetPlayers(_ context.Context, sessionID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return rec.playersLocked(), nil
}

func (s *Store) SubscribeSession(_ context.Context, sessionID string) (<-chan domain.Session, func(), error) {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, domain.ErrSessionNotFound
	}
	ch := make(chan domain.Session, 8)
	rec.sessionSubs[ch] = struct{}{}
	// Enqueue the current record before releasing the lock; a concurrent
	// mutation must not slip its event in ahead of the initial state. The
	// fresh buffered channel cannot block here.
	ch <- rec.session
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := rec.sessionSubs[ch]; ok {
			delete(rec.sessionSubs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *Store) SubscribePlayers(_ context.Context, sessionID string) (<-chan []domain.Player, func(), error) {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, domain.ErrSessionNotFound
	}
	ch := make(chan []domain.Player, 8)
	rec.playerSubs[ch] = struct{}{}
	// Same ordering guarantee as SubscribeSession: initial state first.
	ch <- rec.playersLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := rec.playerSubs[ch]; ok {
			delete(rec.playerSubs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *Store) SubmitAnswer(_ context.Context, sessionID, uid string, answer domain.Answer) (domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.Answer{}, domain.ErrSessionNotFound
	}
	p, ok := rec.players[uid]
	if !ok {
		return domain.Answer{}, domain.ErrPlayerNotFound
	}
	if rec.session.Status != domain.SessionInProgress {
		return domain.Answer{}, domain.ErrSessionNotStarted
	}
	if answer.QuestionIndex != rec.session.CurrentQuestionIndex {
		return domain.Answer{}, domain.ErrStaleQuestionIndex
	}

	// First write wins; duplicates return the stored record untouched.
	if existing, ok := p.AnswerFor(answer.QuestionIndex); ok {
		return existing, nil
	}

	p.Answers = append(p.Answers, answer)
	if answer.IsCorrect {
		p.Streak++
	} else {
		p.Streak = 0
	}
	if answer.PointsEarned > 0 {
		p.LastScoreAt = s.clock.Now()
	}
	rec.notifyPlayersLocked()
	return answer, nil
}

func (s *Store) AdvanceQuestion(_ context.Context, sessionID string, fromIndex int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return false, domain.ErrSessionNotFound
	}
	if rec.session.Status != domain.SessionInProgress {
		return false, nil
	}
	// Compare-and-set: only the caller whose observed index still matches
	// performs the increment; everyone else lost the race harmlessly.
	if rec.session.CurrentQuestionIndex != fromIndex {
		return false, nil
	}
	rec.session.CurrentQuestionIndex++
	if rec.session.CurrentQuestionIndex >= rec.session.TotalQuestions {
		rec.session.Status = domain.SessionCompleted
	}
	rec.notifySessionLocked()
	return true, nil
}

func (s *Store) ReconnectPlayer(_ context.Context, sessionID, uid string) error {
	return s.touchPlayer(sessionID, uid, domain.PlayerConnected)
}

func (s *Store) UpdateActivity(_ context.Context, sessionID, uid string) error {
	return s.touchPlayer(sessionID, uid, "")
}

func (s *Store) touchPlayer(sessionID, uid string, status domain.PlayerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	p, ok := rec.players[uid]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	p.LastActiveAt = s.clock.Now()
	if status != "" && p.Status != status {
		p.Status = status
		rec.notifyPlayersLocked()
		return nil
	}
	rec.notifyPlayersLocked()
	return nil
}

func (s *Store) SweepInactive(_ context.Context, sessionID string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	cutoff := s.clock.Now().Add(-olderThan)
	swept := 0
	for _, p := range rec.players {
		if p.Status == domain.PlayerConnected && p.LastActiveAt.Before(cutoff) {
			p.Status = domain.PlayerDisconnected
			swept++
		}
	}
	if swept > 0 {
		rec.notifyPlayersLocked()
	}
	return swept, nil
}

func (s *Store) LeaveSession(_ context.Context, sessionID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	p, ok := rec.players[uid]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	if p.Status != domain.PlayerDisconnected {
		p.Status = domain.PlayerDisconnected
		rec.notifyPlayersLocked()
	}
	return nil
}

func (s *Store) Leaderboard(_ context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return domain.Rank(rec.playersLocked()), nil
}

// playersLocked deep-copies player records in join order so callers never
// alias store-owned memory.
func (r *sessionRecord) playersLocked() []domain.Player {
	out := make([]domain.Player, 0, len(r.order))
	for _, uid := range r.order {
		p := *r.players[uid]
		p.Answers = append([]domain.Answer(nil), p.Answers...)
		out = append(out, p)
	}
	return out
}

func (r *sessionRecord) notifySessionLocked() {
	snapshot := r.session
	for ch := range r.sessionSubs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

func (r *sessionRecord) notifyPlayersLocked() {
	snapshot := r.playersLocked()
	for ch := range r.playerSubs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}
