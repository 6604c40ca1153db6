package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no session record exists for an ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session that already exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrPlayerNotFound is returned when a player acts before joining a session.
	ErrPlayerNotFound = errors.New("player not found in session")
	// ErrQuestionSetNotFound indicates the question content could not be loaded.
	ErrQuestionSetNotFound = errors.New("question set not found")
	// ErrSessionNotStarted is returned for gameplay operations on a waiting session.
	ErrSessionNotStarted = errors.New("session not started")
	// ErrStaleQuestionIndex is returned when a submission targets an index the
	// session has already advanced past.
	ErrStaleQuestionIndex = errors.New("submission for stale question index")
	// ErrQuestionNotActive is returned when the local phase no longer accepts answers.
	ErrQuestionNotActive = errors.New("question is not accepting answers")
)
