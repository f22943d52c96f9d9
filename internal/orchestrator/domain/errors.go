package domain

import "errors"

var (
	// ErrDuplicateRobot is returned when a robot registers under an ID that
	// already has a live session
	ErrDuplicateRobot = errors.New("robot id already registered")

	// ErrSessionClosed is returned when sending on a session whose underlying
	// channel is no longer open
	ErrSessionClosed = errors.New("session closed")

	// ErrResponseTimeout is returned when a correlated reply does not arrive
	// within the deadline
	ErrResponseTimeout = errors.New("timed out waiting for response")

	// ErrJobNotFound is returned when a job ID is unknown to the dispatcher
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable is returned when cancelling a job already in a
	// terminal state
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrSessionNotFound is returned when a robot ID has no live session
	ErrSessionNotFound = errors.New("robot session not found")

	// ErrAtCapacity is returned when assigning a job to a session with no
	// remaining slots
	ErrAtCapacity = errors.New("session at capacity")
)
