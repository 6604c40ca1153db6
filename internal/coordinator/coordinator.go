// Package coordinator implements the client side of multiplayer quiz session
// progression. Every participating client runs its own Coordinator against
// the shared session store; there is no elected leader. Each instance reacts
// to store change notifications and local timer expiry, and the store's
// compare-and-set advancement absorbs the resulting duplicate drivers into a
// single net transition per question.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/store"
)

// Config carries the coordination timings. Zero values fall back to defaults.
type Config struct {
	PreviewDwell        time.Duration `yaml:"preview_dwell"`
	RevealDwell         time.Duration `yaml:"reveal_dwell"`
	LeaderboardDwell    time.Duration `yaml:"leaderboard_dwell"`
	Tick                time.Duration `yaml:"tick"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
}

func (c Config) withDefaults() Config {
	if c.PreviewDwell <= 0 {
		c.PreviewDwell = 3 * time.Second
	}
	if c.RevealDwell <= 0 {
		c.RevealDwell = 3 * time.Second
	}
	if c.LeaderboardDwell <= 0 {
		c.LeaderboardDwell = 5 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = 30 * time.Second
	}
	return c
}

// Coordinator drives one player's view of one session.
type Coordinator struct {
	store      store.Store
	clock      clockwork.Clock
	cfg        Config
	log        zerolog.Logger
	sessionID  string
	uid        string
	instanceID string
	timer      *QuestionTimer

	mu         sync.Mutex
	phase      domain.Phase
	session    domain.Session
	players    []domain.Player
	localIndex int
	submitted  bool
	lastResult *domain.Answer
	// Local debounce only; exactly-once advancement lives in the store's
	// compare-and-set, not here.
	isAdvancing      bool
	hasCalledAdvance bool
	leaderboard      []domain.LeaderboardEntry
	finalResults     []domain.LeaderboardEntry
	notice           string
	lastShownRemain  int
	stop             context.CancelFunc
	subscribers      map[chan Snapshot]struct{}
}

// New builds a coordinator for one player in one session.
func New(st store.Store, sessionID, uid string, cfg Config, logger zerolog.Logger) *Coordinator {
	return NewWithClock(st, sessionID, uid, cfg, logger, clockwork.NewRealClock())
}

// NewWithClock allows deterministic time in tests.
func NewWithClock(st store.Store, sessionID, uid string, cfg Config, logger zerolog.Logger, clock clockwork.Clock) *Coordinator {
	instanceID := uuid.New().String()[:8]
	return &Coordinator{
		store:      st,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		log:        logger.With().Str("session_id", sessionID).Str("uid", uid).Str("instance", instanceID).Logger(),
		sessionID:  sessionID,
		uid:        uid,
		instanceID: instanceID,
		timer:      NewQuestionTimer(clock),
		phase:      domain.PhaseLobby,
		localIndex: -1,
		subscribers: map[chan Snapshot]struct{}{},
	}
}

// Run subscribes to the store and processes events until the context is
// cancelled or the player leaves. A session that cannot be subscribed to is
// terminal for this client.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	sessionCh, cancelSession, err := c.store.SubscribeSession(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("subscribe session: %w", err)
	}
	defer cancelSession()

	playersCh, cancelPlayers, err := c.store.SubscribePlayers(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("subscribe players: %w", err)
	}
	defer cancelPlayers()

	if err := c.store.ReconnectPlayer(ctx, c.sessionID, c.uid); err != nil {
		c.log.Warn().Err(err).Msg("initial reconnect failed")
	}

	tick := c.clock.NewTicker(c.cfg.Tick)
	defer tick.Stop()
	heartbeat := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := c.clock.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	c.log.Debug().Msg("coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("coordinator stopped")
			return nil
		case s, ok := <-sessionCh:
			if !ok {
				return nil
			}
			c.onSession(ctx, s)
		case ps, ok := <-playersCh:
			if !ok {
				return nil
			}
			c.onPlayers(ctx, ps)
		case <-tick.Chan():
			c.onTick(ctx)
		case <-heartbeat.Chan():
			if err := c.store.UpdateActivity(ctx, c.sessionID, c.uid); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed; retrying next interval")
			}
		case <-sweep.Chan():
			c.onSweep(ctx)
		}
	}
}

// onSession reconciles the pushed session record with local state. The store
// record always wins over any locally-cached index.
func (c *Coordinator) onSession(ctx context.Context, s domain.Session) {
	c.mu.Lock()
	// An in-progress record behind the local index is a stale feed entry;
	// applying it would rewind to a question this client already finished.
	if s.Status == domain.SessionInProgress && s.CurrentQuestionIndex < c.localIndex {
		c.mu.Unlock()
		return
	}
	c.session = s

	switch s.Status {
	case domain.SessionCompleted:
		if c.phase != domain.PhaseCompleted {
			c.timer.Stop()
			c.localIndex = s.CurrentQuestionIndex
			c.phase = domain.PhaseCompleted
			c.mu.Unlock()
			c.log.Info().Msg("session completed")
			c.loadFinalResults(ctx)
			c.broadcast()
			return
		}
	case domain.SessionInProgress:
		if s.CurrentQuestionIndex != c.localIndex {
			c.mu.Unlock()
			c.enterQuestion(ctx, s.CurrentQuestionIndex)
			return
		}
	}
	c.mu.Unlock()
	c.broadcast()
}

// enterQuestion resets the per-question local state and walks the
// preview -> answering edge. All guard flags are scoped to one index and die
// with it here.
func (c *Coordinator) enterQuestion(ctx context.Context, index int) {
	c.mu.Lock()
	c.localIndex = index
	c.submitted = false
	c.lastResult = nil
	c.isAdvancing = false
	c.hasCalledAdvance = false
	c.leaderboard = nil
	c.phase = domain.PhasePreviewing
	c.timer.Stop()
	q, ok := c.session.CurrentQuestion()
	c.mu.Unlock()

	if !ok {
		c.log.Error().Int("index", index).Msg("session index out of question range")
		return
	}
	c.log.Info().Int("index", index).Str("question_id", q.ID).Msg("entering question")
	c.broadcast()

	go func() {
		if !c.dwell(ctx, c.cfg.PreviewDwell) {
			return
		}
		c.beginAnswering(ctx, index, q)
	}()
}

func (c *Coordinator) beginAnswering(ctx context.Context, index int, q domain.Question) {
	c.mu.Lock()
	if c.localIndex != index || c.phase != domain.PhasePreviewing {
		c.mu.Unlock()
		return
	}
	c.phase = domain.PhaseAnswering
	c.timer.Start(q.TimeLimit())
	c.lastShownRemain = -1
	c.mu.Unlock()

	c.log.Debug().Int("index", index).Int("time_limit_sec", q.TimeLimitSec).Msg("answering open")
	c.broadcast()
	// Players who answered this index before we got here (reconnect path)
	// may already satisfy allAnswered.
	c.evaluateAdvance(ctx)
}

// onPlayers ingests the pushed player set. A reconnecting player who already
// has an answer for the current question is treated as answered and is never
// re-prompted.
func (c *Coordinator) onPlayers(ctx context.Context, ps []domain.Player) {
	c.mu.Lock()
	c.players = ps
	for _, p := range ps {
		if p.UID != c.uid {
			continue
		}
		if a, ok := p.AnswerFor(c.localIndex); ok {
			c.submitted = true
			if c.lastResult == nil {
				ans := a
				c.lastResult = &ans
			}
		}
	}
	c.mu.Unlock()

	c.broadcast()
	c.evaluateAdvance(ctx)
}

// onTick recomputes the remaining time from the absolute deadline and forces
// an empty submission when the clock has run out. Snapshots are only pushed
// when the displayed second changes.
func (c *Coordinator) onTick(ctx context.Context) {
	c.mu.Lock()
	if c.phase != domain.PhaseAnswering {
		c.mu.Unlock()
		return
	}
	remaining := c.timer.Remaining()
	changed := remaining != c.lastShownRemain
	c.lastShownRemain = remaining
	expired := c.timer.Expired()
	needSubmit := expired && !c.submitted
	c.mu.Unlock()

	if needSubmit {
		c.submitTimeout(ctx)
		return
	}
	if changed {
		c.broadcast()
	}
	if expired {
		c.evaluateAdvance(ctx)
	}
}

func (c *Coordinator) onSweep(ctx context.Context) {
	c.mu.Lock()
	inProgress := c.session.Status == domain.SessionInProgress
	c.mu.Unlock()
	if !inProgress {
		return
	}
	swept, err := c.store.SweepInactive(ctx, c.sessionID, c.cfg.InactivityThreshold)
	if err != nil {
		c.log.Warn().Err(err).Msg("inactivity sweep failed; retrying next interval")
		return
	}
	if swept > 0 {
		c.log.Info().Int("swept", swept).Msg("marked inactive players disconnected")
		// Shrinking the active set can complete the current question.
		c.evaluateAdvance(ctx)
	}
}

// Submit records the local player's answer for the active question. It is a
// no-op once an answer exists (idempotent at the client boundary; the store
// enforces append-once authoritatively). A store failure is surfaced to the
// caller and leaves the question open so the player can retry while the
// timer keeps running.
func (c *Coordinator) Submit(ctx context.Context, resp domain.Response) (domain.Answer, error) {
	c.mu.Lock()
	if c.phase != domain.PhaseAnswering {
		c.mu.Unlock()
		return domain.Answer{}, domain.ErrQuestionNotActive
	}
	if c.submitted {
		var prev domain.Answer
		if c.lastResult != nil {
			prev = *c.lastResult
		}
		c.mu.Unlock()
		return prev, nil
	}
	q, ok := c.session.CurrentQuestion()
	if !ok {
		c.mu.Unlock()
		return domain.Answer{}, domain.ErrQuestionNotActive
	}
	index := c.localIndex
	streak := 0
	for _, p := range c.players {
		if p.UID == c.uid {
			streak = p.Streak
		}
	}
	timeSpent := q.TimeLimitSec - c.timer.Remaining()
	c.submitted = true
	c.mu.Unlock()

	answer := ScoreResponse(q, index, resp, timeSpent, streak)
	stored, err := c.store.SubmitAnswer(ctx, c.sessionID, c.uid, answer)
	if err != nil {
		c.mu.Lock()
		c.submitted = false
		c.notice = "answer could not be submitted, please retry"
		c.mu.Unlock()
		c.broadcast()
		return domain.Answer{}, fmt.Errorf("submit answer: %w", err)
	}

	c.mu.Lock()
	c.lastResult = &stored
	c.mu.Unlock()
	c.log.Info().Int("index", index).Bool("correct", stored.IsCorrect).Int("points", stored.PointsEarned).Msg("answer recorded")
	c.broadcast()
	c.evaluateAdvance(ctx)
	return stored, nil
}

// submitTimeout is the forced-submission path when the clock expires,
// including expiry discovered late after a suspension. Failures retry on the
// next tick since submitted stays false.
func (c *Coordinator) submitTimeout(ctx context.Context) {
	c.mu.Lock()
	if c.submitted || c.phase != domain.PhaseAnswering {
		c.mu.Unlock()
		return
	}
	q, ok := c.session.CurrentQuestion()
	if !ok {
		c.mu.Unlock()
		return
	}
	index := c.localIndex
	c.submitted = true
	c.mu.Unlock()

	stored, err := c.store.SubmitAnswer(ctx, c.sessionID, c.uid, TimeoutAnswer(q, index))
	if err != nil {
		c.mu.Lock()
		c.submitted = false
		c.mu.Unlock()
		c.log.Warn().Err(err).Int("index", index).Msg("timeout submission failed; will retry")
		return
	}

	c.mu.Lock()
	c.lastResult = &stored
	c.mu.Unlock()
	c.log.Info().Int("index", index).Msg("question timed out; empty answer recorded")
	c.broadcast()
	c.evaluateAdvance(ctx)
}

// evaluateAdvance is the advancement trigger: when every
// connected player has answered the current question, this client becomes a
// best-effort driver of the reveal/leaderboard sequence and the index
// mutation. The two flags only bound duplicate local drives; concurrent
// drivers on other clients are expected and are resolved by the store's
// compare-and-set.
func (c *Coordinator) evaluateAdvance(ctx context.Context) {
	c.mu.Lock()
	if c.phase != domain.PhaseAnswering || c.isAdvancing || c.hasCalledAdvance {
		c.mu.Unlock()
		return
	}
	active, answered := c.tallyLocked()
	if active == 0 || answered != active {
		// Nobody connected means the session stalls here until presence
		// recovers; advancement with an empty active set is never attempted.
		c.mu.Unlock()
		return
	}
	c.isAdvancing = true
	index := c.localIndex
	last := c.session.OnLastQuestion()
	c.timer.Stop()
	c.phase = domain.PhaseRevealing
	c.mu.Unlock()

	c.log.Info().Int("index", index).Int("active", active).Bool("last", last).Msg("all active players answered; driving reveal")
	c.broadcast()
	go c.driveAdvance(ctx, index, last)
}

// driveAdvance walks reveal -> leaderboard (or finalizing) and then issues
// the single shared-store mutation. Every client that saw allAnswered runs
// this; the store lets exactly one increment through.
func (c *Coordinator) driveAdvance(ctx context.Context, index int, last bool) {
	if !c.dwell(ctx, c.cfg.RevealDwell) {
		return
	}

	next := domain.PhaseLeaderboard
	if last {
		next = domain.PhaseFinalizing
	}
	standings, err := c.store.Leaderboard(ctx, c.sessionID)
	if err != nil {
		c.log.Warn().Err(err).Msg("leaderboard projection failed; dwelling without standings")
	}

	c.mu.Lock()
	if c.localIndex != index {
		// The store advanced under us while we dwelled; follow it.
		c.isAdvancing = false
		c.mu.Unlock()
		return
	}
	if c.phase.CanTransition(next) {
		c.phase = next
	}
	if last {
		c.finalResults = standings
	} else {
		c.leaderboard = standings
	}
	c.mu.Unlock()
	c.broadcast()

	if !c.dwell(ctx, c.cfg.LeaderboardDwell) {
		return
	}

	won, err := c.store.AdvanceQuestion(ctx, c.sessionID, index)
	c.mu.Lock()
	// The store publishes the change inside AdvanceQuestion, so the event
	// loop may have already entered the next question and reset the guards.
	// Touch them only while they still belong to the question we drove.
	if c.localIndex == index {
		c.hasCalledAdvance = true
		c.isAdvancing = false
		if err != nil {
			c.notice = "could not advance the session"
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Int("index", index).Msg("advance mutation failed")
		c.broadcast()
		return
	}
	c.log.Info().Int("index", index).Bool("won", won).Msg("advance issued")
}

func (c *Coordinator) loadFinalResults(ctx context.Context) {
	standings, err := c.store.Leaderboard(ctx, c.sessionID)
	if err != nil {
		c.log.Warn().Err(err).Msg("final results projection failed")
		return
	}
	c.mu.Lock()
	c.finalResults = standings
	c.mu.Unlock()
}

// dwell sleeps for d on the injected clock, reporting false when the context
// ended first.
func (c *Coordinator) dwell(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
