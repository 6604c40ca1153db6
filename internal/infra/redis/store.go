// Package redis implements the shared session store on go-redis. Session and
// player records live in hashes, the change feed is a pub/sub channel per
// session, and the two mutations whose atomicity the coordinator depends on
// (answer append, index advancement) run as Lua scripts server-side.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-sync-service/internal/domain"
)

// Store implements store.Store against a Redis backend shared by every
// client process.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, clock: time.Now}
}

const (
	eventSession = "session"
	eventPlayers = "players"
)

// submitScript appends an answer exactly once per question index and folds
// the streak update into the same atomic step. Replies:
//
//	{1, json}  stored this answer
//	{0, json}  duplicate; json is the pre-existing answer
//	{-1, ''}   stale question index
//	{-2, ''}   session not in progress
var submitScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in_progress' then return {-2, ''} end
local idx = tonumber(redis.call('HGET', KEYS[1], 'current_index'))
if tonumber(ARGV[1]) ~= idx then return {-1, ''} end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return {0, redis.call('HGET', KEYS[2], ARGV[1])}
end
if ARGV[3] == '1' then
  redis.call('HINCRBY', KEYS[3], 'streak', 1)
else
  redis.call('HSET', KEYS[3], 'streak', 0)
end
if tonumber(ARGV[4]) > 0 then
  redis.call('HSET', KEYS[3], 'last_score_ms', ARGV[5])
end
return {1, ARGV[2]}
`)

// advanceScript is the compare-and-set the whole design leans on: of all the
// clients that observed allAnswered for the same index, exactly one finds
// current_index still equal to its observation and performs the increment.
var advanceScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in_progress' then return 0 end
local idx = tonumber(redis.call('HGET', KEYS[1], 'current_index'))
if idx ~= tonumber(ARGV[1]) then return 0 end
idx = idx + 1
redis.call('HSET', KEYS[1], 'current_index', idx)
local total = tonumber(redis.call('HGET', KEYS[1], 'total_questions'))
if idx >= total then redis.call('HSET', KEYS[1], 'status', 'completed') end
return 1
`)

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(session.ID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
		return domain.ErrSessionExists
	}

	questions, err := json.Marshal(session.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.sessionKey(session.ID), map[string]interface{}{
		"id":              session.ID,
		"status":          string(session.Status),
		"current_index":   session.CurrentQuestionIndex,
		"total_questions": session.TotalQuestions,
		"questions":       questions,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.sessionKey(session.ID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return s.publish(ctx, session.ID, eventSession)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.readSession(ctx, sessionID)
}

func (s *Store) StartSession(ctx context.Context, sessionID string) error {
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return err
	}
	// Idempotent: only flips waiting sessions.
	const start = `
if redis.call('HGET', KEYS[1], 'status') == 'waiting' then
  redis.call('HSET', KEYS[1], 'status', 'in_progress', 'current_index', 0)
  return 1
end
return 0
`
	if err := redis.NewScript(start).Run(ctx, s.client, []string{s.sessionKey(sessionID)}).Err(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return s.publish(ctx, sessionID, eventSession)
}

func (s *Store) JoinSession(ctx context.Context, sessionID, uid, displayName string) error {
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return err
	}
	now := s.clock().UnixMilli()
	known, err := s.client.SIsMember(ctx, s.uidSetKey(sessionID), uid).Result()
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}

	pipe := s.client.TxPipeline()
	if !known {
		pipe.SAdd(ctx, s.uidSetKey(sessionID), uid)
		pipe.RPush(ctx, s.uidListKey(sessionID), uid)
	}
	pipe.HSet(ctx, s.playerKey(sessionID, uid), map[string]interface{}{
		"uid":            uid,
		"display_name":   displayName,
		"status":         string(domain.PlayerConnected),
		"last_active_ms": now,
	})
	pipe.HSetNX(ctx, s.playerKey(sessionID, uid), "streak", 0)
	pipe.HSetNX(ctx, s.playerKey(sessionID, uid), "last_score_ms", 0)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.uidSetKey(sessionID), s.ttl)
		pipe.Expire(ctx, s.uidListKey(sessionID), s.ttl)
		pipe.Expire(ctx, s.playerKey(sessionID, uid), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	return s.publish(ctx, sessionID, eventPlayers)
}

func (s *Store) GetPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	return s.readPlayers(ctx, sessionID)
}

func (s *Store) SubscribeSession(ctx context.Context, sessionID string) (<-chan domain.Session, func(), error) {
	// Subscribe before the initial read; an advance published in the gap
	// between a read-first and a subscribe would be missed for good.
	pubsub := s.client.Subscribe(ctx, s.eventsKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe session: %w", err)
	}

	initial, err := s.readSession(ctx, sessionID)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan domain.Session, 8)
	out <- initial

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			if msg.Payload != eventSession {
				continue
			}
			session, err := s.readSession(ctx, sessionID)
			if err != nil {
				continue // transient read failure; next event retries
			}
			sendLatestSession(out, session)
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { _ = pubsub.Close() }) }
	return out, cancel, nil
}

func (s *Store) SubscribePlayers(ctx context.Context, sessionID string) (<-chan []domain.Player, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.eventsKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe players: %w", err)
	}

	initial, err := s.readPlayers(ctx, sessionID)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []domain.Player, 8)
	out <- initial

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			if msg.Payload != eventPlayers {
				continue
			}
			players, err := s.readPlayers(ctx, sessionID)
			if err != nil {
				continue
			}
			sendLatestPlayers(out, players)
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { _ = pubsub.Close() }) }
	return out, cancel, nil
}

func (s *Store) SubmitAnswer(ctx context.Context, sessionID, uid string, answer domain.Answer) (domain.Answer, error) {
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return domain.Answer{}, err
	}
	known, err := s.client.SIsMember(ctx, s.uidSetKey(sessionID), uid).Result()
	if err != nil {
		return domain.Answer{}, fmt.Errorf("submit answer: %w", err)
	}
	if !known {
		return domain.Answer{}, domain.ErrPlayerNotFound
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("marshal answer: %w", err)
	}
	correct := "0"
	if answer.IsCorrect {
		correct = "1"
	}

	raw, err := submitScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID), s.answersKey(sessionID, uid), s.playerKey(sessionID, uid)},
		answer.QuestionIndex, payload, correct, answer.PointsEarned, s.clock().UnixMilli(),
	).Result()
	if err != nil {
		return domain.Answer{}, fmt.Errorf("submit answer: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return domain.Answer{}, fmt.Errorf("submit answer: unexpected reply %v", raw)
	}
	code, _ := reply[0].(int64)
	switch code {
	case -2:
		return domain.Answer{}, domain.ErrSessionNotStarted
	case -1:
		return domain.Answer{}, domain.ErrStaleQuestionIndex
	case 0:
		stored := domain.Answer{}
		body, _ := reply[1].(string)
		if err := json.Unmarshal([]byte(body), &stored); err != nil {
			return domain.Answer{}, fmt.Errorf("decode stored answer: %w", err)
		}
		return stored, nil
	}

	if err := s.publish(ctx, sessionID, eventPlayers); err != nil {
		return answer, err
	}
	return answer, nil
}

func (s *Store) AdvanceQuestion(ctx context.Context, sessionID string, fromIndex int) (bool, error) {
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return false, err
	}
	won, err := advanceScript.Run(ctx, s.client, []string{s.sessionKey(sessionID)}, fromIndex).Int()
	if err != nil {
		return false, fmt.Errorf("advance question: %w", err)
	}
	if won == 1 {
		if err := s.publish(ctx, sessionID, eventSession); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) ReconnectPlayer(ctx context.Context, sessionID, uid string) error {
	return s.touchPlayer(ctx, sessionID, uid, string(domain.PlayerConnected))
}

func (s *Store) UpdateActivity(ctx context.Context, sessionID, uid string) error {
	return s.touchPlayer(ctx, sessionID, uid, "")
}

func (s *Store) touchPlayer(ctx context.Context, sessionID, uid, status string) error {
	known, err := s.client.SIsMember(ctx, s.uidSetKey(sessionID), uid).Result()
	if err != nil {
		return fmt.Errorf("touch player: %w", err)
	}
	if !known {
		return domain.ErrPlayerNotFound
	}
	fields := map[string]interface{}{"last_active_ms": s.clock().UnixMilli()}
	if status != "" {
		fields["status"] = status
	}
	if err := s.client.HSet(ctx, s.playerKey(sessionID, uid), fields).Err(); err != nil {
		return fmt.Errorf("touch player: %w", err)
	}
	return s.publish(ctx, sessionID, eventPlayers)
}

func (s *Store) SweepInactive(ctx context.Context, sessionID string, olderThan time.Duration) (int, error) {
	uids, err := s.client.LRange(ctx, s.uidListKey(sessionID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep inactive: %w", err)
	}
	cutoff := s.clock().Add(-olderThan).UnixMilli()
	swept := 0
	for _, uid := range uids {
		fields, err := s.client.HMGet(ctx, s.playerKey(sessionID, uid), "status", "last_active_ms").Result()
		if err != nil {
			return swept, fmt.Errorf("sweep inactive: %w", err)
		}
		status, _ := fields[0].(string)
		lastActive := parseInt(fields[1])
		if status == string(domain.PlayerConnected) && lastActive < cutoff {
			if err := s.client.HSet(ctx, s.playerKey(sessionID, uid), "status", string(domain.PlayerDisconnected)).Err(); err != nil {
				return swept, fmt.Errorf("sweep inactive: %w", err)
			}
			swept++
		}
	}
	if swept > 0 {
		if err := s.publish(ctx, sessionID, eventPlayers); err != nil {
			return swept, err
		}
	}
	return swept, nil
}

func (s *Store) LeaveSession(ctx context.Context, sessionID, uid string) error {
	return s.touchPlayer(ctx, sessionID, uid, string(domain.PlayerDisconnected))
}

func (s *Store) Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	players, err := s.readPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return domain.Rank(players), nil
}

func (s *Store) readSession(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("read session: %w", err)
	}
	if len(fields) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	session := domain.Session{
		ID:     fields["id"],
		Status: domain.SessionStatus(fields["status"]),
	}
	session.CurrentQuestionIndex, _ = strconv.Atoi(fields["current_index"])
	session.TotalQuestions, _ = strconv.Atoi(fields["total_questions"])
	if raw := fields["questions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &session.Questions); err != nil {
			return domain.Session{}, fmt.Errorf("decode questions: %w", err)
		}
	}
	return session, nil
}

func (s *Store) readPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return nil, err
	}
	uids, err := s.client.LRange(ctx, s.uidListKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read players: %w", err)
	}
	players := make([]domain.Player, 0, len(uids))
	for _, uid := range uids {
		p, err := s.readPlayer(ctx, sessionID, uid)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, nil
}

func (s *Store) readPlayer(ctx context.Context, sessionID, uid string) (domain.Player, error) {
	fields, err := s.client.HGetAll(ctx, s.playerKey(sessionID, uid)).Result()
	if err != nil {
		return domain.Player{}, fmt.Errorf("read player: %w", err)
	}
	if len(fields) == 0 {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	p := domain.Player{
		UID:         fields["uid"],
		DisplayName: fields["display_name"],
		Status:      domain.PlayerStatus(fields["status"]),
	}
	p.Streak, _ = strconv.Atoi(fields["streak"])
	if ms, err := strconv.ParseInt(fields["last_active_ms"], 10, 64); err == nil {
		p.LastActiveAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["last_score_ms"], 10, 64); err == nil && ms > 0 {
		p.LastScoreAt = time.UnixMilli(ms)
	}

	raw, err := s.client.HGetAll(ctx, s.answersKey(sessionID, uid)).Result()
	if err != nil {
		return domain.Player{}, fmt.Errorf("read answers: %w", err)
	}
	for _, body := range raw {
		var a domain.Answer
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return domain.Player{}, fmt.Errorf("decode answer: %w", err)
		}
		p.Answers = append(p.Answers, a)
	}
	sortAnswers(p.Answers)
	return p, nil
}

func (s *Store) publish(ctx context.Context, sessionID, event string) error {
	if err := s.client.Publish(ctx, s.eventsKey(sessionID), event).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	return nil
}

func (s *Store) sessionKey(id string) string      { return "qs:session:" + id }
func (s *Store) uidSetKey(id string) string       { return "qs:session:" + id + ":uidset" }
func (s *Store) uidListKey(id string) string      { return "qs:session:" + id + ":uids" }
func (s *Store) playerKey(id, uid string) string  { return "qs:session:" + id + ":player:" + uid }
func (s *Store) answersKey(id, uid string) string { return "qs:session:" + id + ":answers:" + uid }
func (s *Store) eventsKey(id string) string       { return "qs:session:" + id + ":events" }

func parseInt(v interface{}) int64 {
	str, _ := v.(string)
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}

// sortAnswers restores append order; hash fields come back unordered.
func sortAnswers(answers []domain.Answer) {
	sort.Slice(answers, func(i, j int) bool {
		return answers[i].QuestionIndex < answers[j].QuestionIndex
	})
}

func sendLatestSession(out chan domain.Session, session domain.Session) {
	select {
	case out <- session:
	default:
		select {
		case <-out:
		default:
		}
		out <- session
	}
}

func sendLatestPlayers(out chan []domain.Player, players []domain.Player) {
	select {
	case out <- players:
	default:
		select {
		case <-out:
		default:
		}
		out <- players
	}
}
