package retry

import (
	"fmt"

	"blogflow/internal/domain"
	"blogflow/internal/validation"
)

// ValidationError reports malformed operator input.
type ValidationError = validation.Error

type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %s not found", e.JobID) }

// InvalidStateError is returned when a retry targets a job that is not failed or cancelled.
type InvalidStateError struct {
	JobID  string
	Status domain.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot retry job %s, current status %s", e.JobID, e.Status)
}
