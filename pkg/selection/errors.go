package selection

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chambrid/storylink/pkg/client"
)

// SelectionError represents a failure reading or writing selection state
type SelectionError struct {
	Type    string
	Message string
	Err     error
	Key     string
}

func (e *SelectionError) Error() string {
	msg := fmt.Sprintf("selection error (%s): %s", e.Type, e.Message)
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}

// ReplyError reports the stories a reply could not be posted to
type ReplyError struct {
	Channel Channel
	Failed  map[client.StoryID]error
}

func (e *ReplyError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	return fmt.Sprintf("failed to comment %s on %d stories: %s", e.Channel, len(ids), strings.Join(ids, ", "))
}

func (e *ReplyError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// IsReplyError checks if err reports failed reply comments
func IsReplyError(err error) bool {
	var replyErr *ReplyError
	return errors.As(err, &replyErr)
}
