package domain

import "time"

// SessionStatus is the lifecycle state of a quiz session.
type SessionStatus string

const (
	SessionWaiting    SessionStatus = "waiting"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// PlayerStatus is the presence state of a participant. It is owned by the
// presence manager; the advancement logic only reads it.
type PlayerStatus string

const (
	PlayerConnected    PlayerStatus = "connected"
	PlayerDisconnected PlayerStatus = "disconnected"
)

// QuestionKind selects the scoring rule for a question.
type QuestionKind string

const (
	KindMultipleSelect QuestionKind = "multiple_select"
	KindFreeText       QuestionKind = "free_text"
	KindMatching       QuestionKind = "matching"
)

// Option represents a selectable choice for a multiple-select question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Pair is one left/right correspondence in a matching question.
type Pair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Question models a single timed question. The correctness fields
// (CorrectOptions, AcceptedText, Pairs rights) are stripped by Redacted
// before a question is shown to clients.
type Question struct {
	ID             string       `json:"id"`
	Kind           QuestionKind `json:"kind"`
	Prompt         string       `json:"prompt"`
	Options        []Option     `json:"options,omitempty"`
	CorrectOptions []string     `json:"correctOptions,omitempty"`
	AcceptedText   string       `json:"acceptedText,omitempty"`
	Pairs          []Pair       `json:"pairs,omitempty"`
	Points         int          `json:"points"` // defaults to 100 if zero
	TimeLimitSec   int          `json:"timeLimitSec"`
}

// BasePoints returns the question's point value with the default applied.
func (q Question) BasePoints() int {
	if q.Points <= 0 {
		return 100
	}
	return q.Points
}

// TimeLimit returns the answering window as a duration.
func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSec) * time.Second
}

// Redacted returns a copy safe to push to clients: answer keys removed,
// matching rights kept only as an unpaired choice list.
func (q Question) Redacted() Question {
	out := q
	out.CorrectOptions = nil
	out.AcceptedText = ""
	if len(q.Pairs) > 0 {
		out.Pairs = make([]Pair, len(q.Pairs))
		for i, p := range q.Pairs {
			out.Pairs[i] = Pair{Left: p.Left}
		}
	}
	return out
}

// RightChoices lists the right-hand side of a matching question for display.
func (q Question) RightChoices() []string {
	rights := make([]string, 0, len(q.Pairs))
	for _, p := range q.Pairs {
		rights = append(rights, p.Right)
	}
	return rights
}

// QuestionSet is the ordered content a session is created from.
type QuestionSet struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Response is the raw player input; which field is used depends on the
// question kind. The zero value is a valid empty response (timeout path).
type Response struct {
	Selected []string          `json:"selected,omitempty"`
	Text     string            `json:"text,omitempty"`
	Pairs    map[string]string `json:"pairs,omitempty"` // left -> chosen right
}

// Answer is the scored, immutable record of one response. At most one
// exists per (player, question index).
type Answer struct {
	QuestionIndex int      `json:"questionIndex"`
	QuestionID    string   `json:"questionId"`
	TimeSpentSec  int      `json:"timeSpentSec"`
	Response      Response `json:"response"`
	IsCorrect     bool     `json:"isCorrect"`
	PointsEarned  int      `json:"pointsEarned"`
}

// Player is one participant's record within a session.
type Player struct {
	UID          string       `json:"uid"`
	DisplayName  string       `json:"displayName"`
	Status       PlayerStatus `json:"status"`
	Streak       int          `json:"streak"`
	Answers      []Answer     `json:"answers"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
	LastScoreAt  time.Time    `json:"lastScoreAt"`
}

// AnswerFor returns the player's answer for a question index, if any.
func (p Player) AnswerFor(index int) (Answer, bool) {
	for _, a := range p.Answers {
		if a.QuestionIndex == index {
			return a, true
		}
	}
	return Answer{}, false
}

// Score is the player's cumulative score across all recorded answers.
func (p Player) Score() int {
	total := 0
	for _, a := range p.Answers {
		total += a.PointsEarned
	}
	return total
}

// CorrectCount is the number of fully correct answers.
func (p Player) CorrectCount() int {
	n := 0
	for _, a := range p.Answers {
		if a.IsCorrect {
			n++
		}
	}
	return n
}

// Session is the shared record every client coordinates against.
type Session struct {
	ID                   string        `json:"id"`
	Status               SessionStatus `json:"status"`
	Questions            []Question    `json:"questions"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	TotalQuestions       int           `json:"totalQuestions"`
}

// NewSession builds a waiting session from a question set.
func NewSession(id string, set QuestionSet) Session {
	return Session{
		ID:             id,
		Status:         SessionWaiting,
		Questions:      set.Questions,
		TotalQuestions: len(set.Questions),
	}
}

// CurrentQuestion returns the active question, or false when the index is
// out of range (completed session).
func (s Session) CurrentQuestion() (Question, bool) {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

// OnLastQuestion reports whether the active question is the final one.
func (s Session) OnLastQuestion() bool {
	return s.CurrentQuestionIndex == s.TotalQuestions-1
}
