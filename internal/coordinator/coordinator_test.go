package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"quiz-sync-service/internal/coordinator"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"
)

// scenarioConfig puts all coordination timing on the virtual clock at
// sub-second scale; wall-clock load cannot expire anything early.
func scenarioConfig() coordinator.Config {
	return coordinator.Config{
		PreviewDwell:        500 * time.Millisecond,
		RevealDwell:         500 * time.Millisecond,
		LeaderboardDwell:    500 * time.Millisecond,
		Tick:                100 * time.Millisecond,
		HeartbeatInterval:   500 * time.Millisecond,
		SweepInterval:       500 * time.Millisecond,
		InactivityThreshold: 10 * time.Second,
	}
}

func freeTextQuestion(id, accepted string, limitSec int) domain.Question {
	return domain.Question{
		ID:           id,
		Kind:         domain.KindFreeText,
		Prompt:       "prompt " + id,
		AcceptedText: accepted,
		Points:       100,
		TimeLimitSec: limitSec,
	}
}

func setupSession(t *testing.T, st *memory.Store, sessionID string, questions []domain.Question, players map[string]string) {
	t.Helper()
	ctx := context.Background()
	set := domain.QuestionSet{ID: sessionID, Questions: questions}
	if err := st.CreateSession(ctx, domain.NewSession(sessionID, set)); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for uid, name := range players {
		if err := st.JoinSession(ctx, sessionID, uid, name); err != nil {
			t.Fatalf("join %s: %v", uid, err)
		}
	}
}

func startCoordinator(t *testing.T, st *memory.Store, clock clockwork.Clock, sessionID, uid string, cfg coordinator.Config) (*coordinator.Coordinator, context.CancelFunc) {
	t.Helper()
	coord := coordinator.NewWithClock(st, sessionID, uid, cfg, zerolog.Nop(), clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coord.Run(ctx); err != nil {
			t.Errorf("coordinator run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return coord, cancel
}

// advanceUntil steps virtual time in small increments until the condition
// holds, yielding briefly between steps so the event loops can drain what
// each step fired. The wall-clock deadline is only a watchdog.
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		clock.Advance(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func answeringAt(coord *coordinator.Coordinator, index int) func() bool {
	return func() bool {
		snap := coord.Snapshot()
		return snap.Phase == domain.PhaseAnswering && snap.QuestionIndex == index
	}
}

// The reference scenario: player A answers all three questions correctly,
// player B answers only the first and lets the rest time out. The session
// must complete with the index at 3, A's score including streak bonuses, and
// A ranked above B.
func TestTwoPlayerFullSessionProgression(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	questions := []domain.Question{
		freeTextQuestion("q1", "alpha", 30),
		freeTextQuestion("q2", "beta", 5),
		freeTextQuestion("q3", "gamma", 5),
	}
	setupSession(t, st, "s1", questions, map[string]string{"ua": "Alice", "ub": "Bob"})

	coordA, _ := startCoordinator(t, st, clock, "s1", "ua", scenarioConfig())
	coordB, _ := startCoordinator(t, st, clock, "s1", "ub", scenarioConfig())

	if err := st.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	// Question 1: both answer.
	advanceUntil(t, clock, "A answering q1", answeringAt(coordA, 0))
	if _, err := coordA.Submit(ctx, domain.Response{Text: "alpha"}); err != nil {
		t.Fatalf("A submit q1: %v", err)
	}
	advanceUntil(t, clock, "B answering q1", answeringAt(coordB, 0))
	if _, err := coordB.Submit(ctx, domain.Response{Text: "alpha"}); err != nil {
		t.Fatalf("B submit q1: %v", err)
	}

	// Questions 2 and 3: only A answers; B's clients time out.
	for i, text := range []string{"beta", "gamma"} {
		index := i + 1
		advanceUntil(t, clock, "A answering next question", answeringAt(coordA, index))
		if _, err := coordA.Submit(ctx, domain.Response{Text: text}); err != nil {
			t.Fatalf("A submit q%d: %v", index+1, err)
		}
	}

	advanceUntil(t, clock, "session completed", func() bool {
		s, err := st.GetSession(ctx, "s1")
		return err == nil && s.Status == domain.SessionCompleted
	})

	s, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.CurrentQuestionIndex != 3 {
		t.Fatalf("expected index 3 at completion, got %d", s.CurrentQuestionIndex)
	}

	entries, err := st.Leaderboard(ctx, "s1")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// A: 100 + 110 (streak 1) + 120 (streak 2) = 330. B: question 1 only.
	if entries[0].UID != "ua" || entries[0].Score != 330 {
		t.Fatalf("expected Alice leading with 330, got %+v", entries[0])
	}
	if entries[1].UID != "ub" || entries[1].Score != 100 {
		t.Fatalf("expected Bob with 100, got %+v", entries[1])
	}

	players, err := st.GetPlayers(ctx, "s1")
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	for _, p := range players {
		if len(p.Answers) != 3 {
			t.Fatalf("expected one answer per question for %s, got %d", p.UID, len(p.Answers))
		}
	}
}

// Both clients observe allAnswered for the same index at the same time and
// both drive the advancement; the store's compare-and-set must let exactly
// one increment through.
func TestAdvancementExactlyOnceWithConcurrentDrivers(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	setupSession(t, st, "s2", []domain.Question{freeTextQuestion("q1", "x", 30)}, map[string]string{"ua": "Alice", "ub": "Bob"})

	coordA, _ := startCoordinator(t, st, clock, "s2", "ua", scenarioConfig())
	coordB, _ := startCoordinator(t, st, clock, "s2", "ub", scenarioConfig())
	if err := st.StartSession(ctx, "s2"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	advanceUntil(t, clock, "A answering", answeringAt(coordA, 0))
	advanceUntil(t, clock, "B answering", answeringAt(coordB, 0))

	errs := make(chan error, 2)
	go func() {
		_, err := coordA.Submit(ctx, domain.Response{Text: "x"})
		errs <- err
	}()
	go func() {
		_, err := coordB.Submit(ctx, domain.Response{Text: "x"})
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	advanceUntil(t, clock, "session completed", func() bool {
		s, err := st.GetSession(ctx, "s2")
		return err == nil && s.Status == domain.SessionCompleted
	})

	s, _ := st.GetSession(ctx, "s2")
	if s.CurrentQuestionIndex != 1 {
		t.Fatalf("expected exactly one advancement, index=%d", s.CurrentQuestionIndex)
	}
}

// A player whose process vanishes mid-game is swept to disconnected and must
// not block the remaining players.
func TestDisconnectedPlayerDoesNotBlockAdvancement(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	questions := []domain.Question{
		freeTextQuestion("q1", "one", 60),
		freeTextQuestion("q2", "two", 60),
	}
	setupSession(t, st, "s3", questions, map[string]string{"ua": "Alice", "ub": "Bob"})

	coordA, _ := startCoordinator(t, st, clock, "s3", "ua", scenarioConfig())
	coordB, cancelB := startCoordinator(t, st, clock, "s3", "ub", scenarioConfig())
	if err := st.StartSession(ctx, "s3"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	advanceUntil(t, clock, "A answering q1", answeringAt(coordA, 0))
	if _, err := coordA.Submit(ctx, domain.Response{Text: "one"}); err != nil {
		t.Fatalf("A submit q1: %v", err)
	}
	advanceUntil(t, clock, "B answering q1", answeringAt(coordB, 0))
	if _, err := coordB.Submit(ctx, domain.Response{Text: "one"}); err != nil {
		t.Fatalf("B submit q1: %v", err)
	}

	// Bob's process dies between questions; his heartbeats stop.
	cancelB()

	advanceUntil(t, clock, "A answering q2", answeringAt(coordA, 1))
	if _, err := coordA.Submit(ctx, domain.Response{Text: "two"}); err != nil {
		t.Fatalf("A submit q2: %v", err)
	}

	advanceUntil(t, clock, "session completed without Bob", func() bool {
		s, err := st.GetSession(ctx, "s3")
		return err == nil && s.Status == domain.SessionCompleted
	})

	players, err := st.GetPlayers(ctx, "s3")
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	for _, p := range players {
		if p.UID == "ub" && p.Status != domain.PlayerDisconnected {
			t.Fatalf("expected Bob swept to disconnected, got %s", p.Status)
		}
	}
}

// A second submission for the same question is a no-op returning the stored
// answer; the shared record keeps exactly one answer for the index.
func TestSubmitIsIdempotentPerQuestion(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	cfg := scenarioConfig()
	cfg.InactivityThreshold = time.Hour // second player is intentionally idle
	setupSession(t, st, "s4", []domain.Question{freeTextQuestion("q1", "yes", 120)}, map[string]string{"ua": "Alice", "ub": "Bob"})

	coordA, _ := startCoordinator(t, st, clock, "s4", "ua", cfg)
	if err := st.StartSession(ctx, "s4"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	advanceUntil(t, clock, "A answering", answeringAt(coordA, 0))
	first, err := coordA.Submit(ctx, domain.Response{Text: "yes"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if !first.IsCorrect {
		t.Fatalf("expected correct first answer, got %+v", first)
	}

	second, err := coordA.Submit(ctx, domain.Response{Text: "something else"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.IsCorrect || second.Response.Text != "yes" {
		t.Fatalf("expected stored answer back, got %+v", second)
	}

	players, _ := st.GetPlayers(ctx, "s4")
	for _, p := range players {
		if p.UID == "ua" && len(p.Answers) != 1 {
			t.Fatalf("expected exactly one recorded answer, got %d", len(p.Answers))
		}
	}
}

// A reconnecting player who already has an answer for the active question is
// treated as answered and never re-prompted.
func TestReconnectedPlayerWithAnswerIsTreatedAsAnswered(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	cfg := scenarioConfig()
	cfg.InactivityThreshold = time.Hour
	setupSession(t, st, "s5", []domain.Question{freeTextQuestion("q1", "ok", 120)}, map[string]string{"ua": "Alice", "ub": "Bob"})

	coordA, _ := startCoordinator(t, st, clock, "s5", "ua", cfg)
	if err := st.StartSession(ctx, "s5"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	advanceUntil(t, clock, "A answering", answeringAt(coordA, 0))

	// Bob answered from a previous client instance, then rejoins with a
	// fresh coordinator.
	if _, err := st.SubmitAnswer(ctx, "s5", "ub", domain.Answer{
		QuestionIndex: 0, QuestionID: "q1", IsCorrect: true, PointsEarned: 100,
		Response: domain.Response{Text: "ok"},
	}); err != nil {
		t.Fatalf("seed answer: %v", err)
	}

	coordB, _ := startCoordinator(t, st, clock, "s5", "ub", cfg)
	advanceUntil(t, clock, "B marked answered", func() bool {
		snap := coordB.Snapshot()
		return snap.Answered && snap.LastResult != nil && snap.LastResult.IsCorrect
	})
}

// A client that was suspended past the deadline must run the expiry path on
// resume instead of silently skipping the question.
func TestResumeAfterExpiryForcesTimeoutSubmission(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	cfg := scenarioConfig()
	cfg.Tick = time.Hour // suppress the tick loop to simulate suspension
	cfg.SweepInterval = time.Hour
	setupSession(t, st, "s6", []domain.Question{freeTextQuestion("q1", "zzz", 1)}, map[string]string{"ua": "Alice"})

	coord, _ := startCoordinator(t, st, clock, "s6", "ua", cfg)
	if err := st.StartSession(ctx, "s6"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	advanceUntil(t, clock, "answering", answeringAt(coord, 0))

	// The deadline passes while no ticks are delivered.
	clock.Advance(2 * time.Second)

	if err := coord.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	advanceUntil(t, clock, "forced submission and completion", func() bool {
		s, err := st.GetSession(ctx, "s6")
		return err == nil && s.Status == domain.SessionCompleted
	})

	players, _ := st.GetPlayers(ctx, "s6")
	if len(players) != 1 || len(players[0].Answers) != 1 {
		t.Fatalf("expected one forced answer, got %+v", players)
	}
	forced := players[0].Answers[0]
	if forced.IsCorrect || forced.PointsEarned != 0 || forced.TimeSpentSec != 1 {
		t.Fatalf("expected empty timeout answer, got %+v", forced)
	}
}

// Leaving cancels the coordinator and flips the player to disconnected
// immediately, without waiting for the sweep.
func TestLeaveDisconnectsImmediately(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memory.NewStoreWithClock(clock)
	cfg := scenarioConfig()
	cfg.InactivityThreshold = time.Hour
	setupSession(t, st, "s7", []domain.Question{freeTextQuestion("q1", "x", 120)}, map[string]string{"ua": "Alice", "ub": "Bob"})

	coordB, _ := startCoordinator(t, st, clock, "s7", "ub", cfg)
	if err := st.StartSession(ctx, "s7"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	advanceUntil(t, clock, "B answering", answeringAt(coordB, 0))

	if err := coordB.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	players, _ := st.GetPlayers(ctx, "s7")
	for _, p := range players {
		if p.UID == "ub" && p.Status != domain.PlayerDisconnected {
			t.Fatalf("expected Bob disconnected after leave, got %s", p.Status)
		}
	}
}
