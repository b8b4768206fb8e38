package store

import "errors"

var (
	// ErrNotFound is returned when no record exists for the requested id.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned by Create when the id is already taken.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrTerminal is returned when mutating a record that reached a terminal status.
	ErrTerminal = errors.New("job already in terminal state")

	// ErrInvalidStatus is returned when MarkFinished is given a non-terminal status.
	ErrInvalidStatus = errors.New("status is not terminal")

	// ErrNotCancelable is returned when canceling a job that runs on another worker.
	ErrNotCancelable = errors.New("job is running on another worker")

	// ErrInvalidSpec wraps every JobSpec validation failure.
	ErrInvalidSpec = errors.New("invalid job spec")
)
