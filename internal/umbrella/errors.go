package umbrella

import (
	"errors"
	"fmt"
)

// Local errors are raised before any optimistic effect or request.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrForbidden            = errors.New("forbidden")
	ErrThreadNotFound       = errors.New("thread not found")
	ErrCommentNotFound      = errors.New("comment not found")
	ErrNotificationNotFound = errors.New("inbox notification not found")
)

// MutationError reports a mutation rejected by the backend after its
// optimistic effect was rolled back.
type MutationError struct {
	Op            string
	CorrelationID string
	Err           error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.CorrelationID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
