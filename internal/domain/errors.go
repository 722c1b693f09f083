package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrConnectivity      = errors.New("queue store unreachable")
	ErrDecode            = errors.New("malformed job record")
	ErrProcessing        = errors.New("processing failed")
	ErrPersistence       = errors.New("terminal record not persisted")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrAlreadySettled    = errors.New("job already has a terminal record")
)

// DecodeError describes why a raw queue item could not be turned into a Job.
// JobID is the producer id when it could be read, otherwise a fallback id
// derived from the raw bytes.
type DecodeError struct {
	JobID string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode job %s: field %q: %v", e.JobID, e.Field, e.Err)
	}
	return fmt.Sprintf("decode job %s: %v", e.JobID, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
