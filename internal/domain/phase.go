package domain

// Phase is the per-question client phase. It replaces the boolean soup the
// original flow tracked ("is revealing", "is showing leaderboard", ...) with
// a single tagged state.
type Phase string

const (
	// PhaseLobby is the pre-game state while the session is still waiting.
	PhaseLobby Phase = "lobby"
	// PhasePreviewing shows the upcoming question before answering opens.
	PhasePreviewing Phase = "previewing"
	// PhaseAnswering is the timed answering window.
	PhaseAnswering Phase = "answering"
	// PhaseRevealing shows correctness after all active players answered.
	PhaseRevealing Phase = "revealing"
	// PhaseLeaderboard shows standings between questions.
	PhaseLeaderboard Phase = "leaderboard"
	// PhaseFinalizing shows final results after the last question's reveal.
	PhaseFinalizing Phase = "finalizing"
	// PhaseCompleted is terminal; the session record is marked completed.
	PhaseCompleted Phase = "completed"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseLobby:       {PhasePreviewing},
	PhasePreviewing:  {PhaseAnswering},
	PhaseAnswering:   {PhaseRevealing},
	PhaseRevealing:   {PhaseLeaderboard, PhaseFinalizing},
	PhaseLeaderboard: {PhasePreviewing, PhaseCompleted},
	PhaseFinalizing:  {PhaseCompleted},
}

// CanTransition reports whether next is a legal successor of p. Entering
// PhasePreviewing is additionally always legal when the question index
// changes, since the store is authoritative over the local phase.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase admits no successor.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted
}
