package coordinator

import (
	"sort"
	"strings"

	"quiz-sync-service/internal/domain"
)

// Streak bonus: +10% of base points per consecutive correct answer already
// banked, capped at +50%.
const (
	streakBonusStep = 10
	streakBonusCap  = 50
)

// ScoreResponse evaluates a raw response against the question's rule set and
// returns the immutable answer record to submit.
//
// Rules per kind:
//   - multiple_select: exact set match against the correct option IDs.
//   - free_text: case-insensitive comparison after trimming whitespace.
//   - matching: each correctly paired item earns 1/pairCount of the base
//     points; the answer counts as correct only when every pair matches.
//
// The streak argument is the player's consecutive-correct count before this
// answer; the bonus applies only to fully correct answers. A partial-credit
// matching answer keeps its earned points but still breaks the streak.
func ScoreResponse(q domain.Question, index int, resp domain.Response, timeSpentSec, streak int) domain.Answer {
	base := q.BasePoints()
	correct := false
	earned := 0

	switch q.Kind {
	case domain.KindMultipleSelect:
		correct = sameSet(resp.Selected, q.CorrectOptions)
		if correct {
			earned = base
		}
	case domain.KindFreeText:
		correct = strings.EqualFold(strings.TrimSpace(resp.Text), strings.TrimSpace(q.AcceptedText))
		if correct {
			earned = base
		}
	case domain.KindMatching:
		matched := 0
		for _, p := range q.Pairs {
			if resp.Pairs[p.Left] == p.Right {
				matched++
			}
		}
		if n := len(q.Pairs); n > 0 {
			earned = base * matched / n
			correct = matched == n
		}
	}

	if correct {
		earned += base * bonusPercent(streak) / 100
	}

	return domain.Answer{
		QuestionIndex: index,
		QuestionID:    q.ID,
		TimeSpentSec:  timeSpentSec,
		Response:      resp,
		IsCorrect:     correct,
		PointsEarned:  earned,
	}
}

// TimeoutAnswer is the forced submission recorded when the question clock
// runs out without player input: empty response, zero points, full time spent.
func TimeoutAnswer(q domain.Question, index int) domain.Answer {
	return domain.Answer{
		QuestionIndex: index,
		QuestionID:    q.ID,
		TimeSpentSec:  q.TimeLimitSec,
		Response:      domain.Response{},
	}
}

func bonusPercent(streak int) int {
	bonus := streak * streakBonusStep
	if bonus > streakBonusCap {
		bonus = streakBonusCap
	}
	return bonus
}

// sameSet compares selections as sets. A question without correct options is
// malformed and never matches.
func sameSet(a, b []string) bool {
	if len(b) == 0 || len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
