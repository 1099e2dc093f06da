package jobs

import "errors"

var (
	ErrEmptyJobID     = errors.New("job id is required")
	ErrDuplicateJobID = errors.New("duplicate job id")
	ErrEmptyBatch     = errors.New("batch has no jobs")
	ErrBatchTooLarge  = errors.New("batch exceeds maximum size")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotFound       = errors.New("job not found")
)
