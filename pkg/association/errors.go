package association

import (
	"errors"
	"fmt"

	"github.com/chambrid/storylink/pkg/client"
)

// AssociationError represents a failed association operation
type AssociationError struct {
	Type     string
	Message  string
	Err      error
	TicketID string
	StoryID  client.StoryID
}

func (e *AssociationError) Error() string {
	msg := fmt.Sprintf("association error (%s): %s", e.Type, e.Message)
	if e.TicketID != "" || e.StoryID != 0 {
		msg += fmt.Sprintf(" [ticket=%s story=%d]", e.TicketID, e.StoryID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssociationError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if err is an association validation error
func IsValidationError(err error) bool {
	var assocErr *AssociationError
	return errors.As(err, &assocErr) && assocErr.Type == "validation_error"
}

func validationError(msg string) error {
	return &AssociationError{Type: "validation_error", Message: msg}
}
