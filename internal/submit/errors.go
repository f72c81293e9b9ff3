package submit

import (
	"errors"
	"fmt"
)

// ErrDuplicateSubmission reports that the backend already holds the chunk.
// The pipeline treats it as success.
var ErrDuplicateSubmission = errors.New("results already submitted")

// TransientError is a failure worth retrying: network, timeout, 5xx
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient submission error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure the backend will repeat: validation, 4xx
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent submission error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err should not be retried
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
