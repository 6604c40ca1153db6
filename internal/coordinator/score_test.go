package coordinator

import (
	"testing"

	"quiz-sync-service/internal/domain"
)

func multiSelectQuestion() domain.Question {
	return domain.Question{
		ID:   "q1",
		Kind: domain.KindMultipleSelect,
		Options: []domain.Option{
			{ID: "o1"}, {ID: "o2"}, {ID: "o3"},
		},
		CorrectOptions: []string{"o1", "o3"},
		Points:         100,
		TimeLimitSec:   30,
	}
}

func TestScoreMultipleSelectExactSetMatch(t *testing.T) {
	q := multiSelectQuestion()

	a := ScoreResponse(q, 0, domain.Response{Selected: []string{"o3", "o1"}}, 5, 0)
	if !a.IsCorrect || a.PointsEarned != 100 {
		t.Fatalf("order-insensitive match expected, got %+v", a)
	}

	subset := ScoreResponse(q, 0, domain.Response{Selected: []string{"o1"}}, 5, 0)
	if subset.IsCorrect || subset.PointsEarned != 0 {
		t.Fatalf("subset must not score, got %+v", subset)
	}

	superset := ScoreResponse(q, 0, domain.Response{Selected: []string{"o1", "o2", "o3"}}, 5, 0)
	if superset.IsCorrect {
		t.Fatalf("superset must not score, got %+v", superset)
	}
}

func TestScoreFreeTextTrimsAndIgnoresCase(t *testing.T) {
	q := domain.Question{ID: "q2", Kind: domain.KindFreeText, AcceptedText: "Paris", Points: 100}

	a := ScoreResponse(q, 1, domain.Response{Text: "  pArIs \n"}, 3, 0)
	if !a.IsCorrect || a.PointsEarned != 100 {
		t.Fatalf("expected trimmed case-insensitive match, got %+v", a)
	}

	wrong := ScoreResponse(q, 1, domain.Response{Text: "Lyon"}, 3, 0)
	if wrong.IsCorrect || wrong.PointsEarned != 0 {
		t.Fatalf("expected miss, got %+v", wrong)
	}
}

func TestScoreMatchingAwardsPartialCreditPerPair(t *testing.T) {
	q := domain.Question{
		ID:   "q3",
		Kind: domain.KindMatching,
		Pairs: []domain.Pair{
			{Left: "Go", Right: "Gopher"},
			{Left: "Linux", Right: "Tux"},
		},
		Points: 100,
	}

	half := ScoreResponse(q, 2, domain.Response{Pairs: map[string]string{"Go": "Gopher", "Linux": "Gopher"}}, 10, 0)
	if half.IsCorrect {
		t.Fatalf("partial match must not count as correct")
	}
	if half.PointsEarned != 50 {
		t.Fatalf("expected 50 points for one of two pairs, got %d", half.PointsEarned)
	}

	full := ScoreResponse(q, 2, domain.Response{Pairs: map[string]string{"Go": "Gopher", "Linux": "Tux"}}, 10, 0)
	if !full.IsCorrect || full.PointsEarned != 100 {
		t.Fatalf("expected full credit, got %+v", full)
	}
}

func TestScoreStreakBonusAppliesAndCaps(t *testing.T) {
	q := domain.Question{ID: "q4", Kind: domain.KindFreeText, AcceptedText: "42", Points: 100}

	two := ScoreResponse(q, 3, domain.Response{Text: "42"}, 1, 2)
	if two.PointsEarned != 120 {
		t.Fatalf("expected +20%% for streak 2, got %d", two.PointsEarned)
	}

	capped := ScoreResponse(q, 3, domain.Response{Text: "42"}, 1, 9)
	if capped.PointsEarned != 150 {
		t.Fatalf("expected bonus capped at +50%%, got %d", capped.PointsEarned)
	}

	// No bonus on an incorrect answer regardless of streak.
	miss := ScoreResponse(q, 3, domain.Response{Text: "41"}, 1, 9)
	if miss.PointsEarned != 0 {
		t.Fatalf("expected no points on miss, got %d", miss.PointsEarned)
	}
}

func TestTimeoutAnswerIsEmptyAndWorthless(t *testing.T) {
	q := multiSelectQuestion()
	a := TimeoutAnswer(q, 5)
	if a.IsCorrect || a.PointsEarned != 0 {
		t.Fatalf("timeout answer must not score, got %+v", a)
	}
	if a.TimeSpentSec != q.TimeLimitSec {
		t.Fatalf("expected full time spent, got %d", a.TimeSpentSec)
	}
	if a.QuestionIndex != 5 || a.QuestionID != "q1" {
		t.Fatalf("unexpected identity fields: %+v", a)
	}
}

func TestScoreEmptyResponseNeverMatches(t *testing.T) {
	q := multiSelectQuestion()
	a := ScoreResponse(q, 0, domain.Response{}, 30, 3)
	if a.IsCorrect || a.PointsEarned != 0 {
		t.Fatalf("empty response must not score, got %+v", a)
	}
}
