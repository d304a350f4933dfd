package selection

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/host"
)

// Target action types understood by the host
const (
	ActionTypeNoteSelection  = "reply_box_note_item_selection"
	ActionTypeEmailSelection = "reply_box_email_item_selection"
	ActionTypeOnNote         = "on_reply_box_note"
	ActionTypeOnEmail        = "on_reply_box_email"

	// ActionTitle is the label of the reply box selection
	ActionTitle = "Add to Shortcut"
)

// maxConcurrentComments bounds the comments posted at once for one reply
const maxConcurrentComments = 5

// Action is a target action event fired by the host
type Action struct {
	Name    string          `json:"name"`
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AdditionsAction returns the name of the selection action for ch
func (s *Synchronizer) AdditionsAction(ch Channel) string {
	if ch == ChannelEmail {
		return s.prefix + "ReplyBoxEmailAdditions"
	}
	return s.prefix + "ReplyBoxNoteAdditions"
}

// SubmitAction returns the name of the reply submission action for ch
func (s *Synchronizer) SubmitAction(ch Channel) string {
	if ch == ChannelEmail {
		return s.prefix + "OnReplyBoxEmail"
	}
	return s.prefix + "OnReplyBoxNote"
}

// Register publishes the target actions of every enabled channel for the
// ticket's linked stories
func (s *Synchronizer) Register(ctx context.Context, ticketID string, linked []client.StoryID) error {
	for _, ch := range Channels {
		if !s.features.Enabled(ch) {
			continue
		}
		if err := s.RegisterAdditions(ctx, ticketID, ch, linked); err != nil {
			return err
		}
		submitType := ActionTypeOnNote
		if ch == ChannelEmail {
			submitType = ActionTypeOnEmail
		}
		if err := s.ui.RegisterTargetAction(ctx, host.TargetAction{Name: s.SubmitAction(ch), Type: submitType}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAdditions re-reads the ticket's selections for ch and registers
// the reply box action listing every linked story with its current flag.
// Nothing is registered without a ticket or linked stories.
func (s *Synchronizer) RegisterAdditions(ctx context.Context, ticketID string, ch Channel, linked []client.StoryID) error {
	if ticketID == "" || len(linked) == 0 {
		return nil
	}

	values, err := s.List(ctx, ticketID, ch)
	if err != nil {
		return err
	}
	selected := make(map[string]bool, len(values))
	for _, v := range values {
		selected[strings.ToLower(v.ID)] = v.Selected
	}

	items := make([]host.TargetActionItem, 0, len(linked))
	for _, id := range linked {
		items = append(items, host.TargetActionItem{
			ID:       id.String(),
			Title:    id.String(),
			Selected: selected[id.String()],
		})
	}

	actionType := ActionTypeNoteSelection
	if ch == ChannelEmail {
		actionType = ActionTypeEmailSelection
	}
	return s.ui.RegisterTargetAction(ctx, host.TargetAction{
		Name:    s.AdditionsAction(ch),
		Type:    actionType,
		Title:   ActionTitle,
		Payload: items,
	})
}

// ReplyResult reports what a reply submission did
type ReplyResult struct {
	Channel   Channel                   `json:"channel"`
	Commented []client.StoryID          `json:"commented"`
	Failed    map[client.StoryID]string `json:"failed,omitempty"`
	Comments  []client.Comment          `json:"-"`
	errs      map[client.StoryID]error
}

// Err returns a ReplyError when any comment failed
func (r *ReplyResult) Err() error {
	if r == nil || len(r.errs) == 0 {
		return nil
	}
	return &ReplyError{Channel: r.Channel, Failed: r.errs}
}

// HandleAction applies a host target action event for the ticket currently
// shown. linked are the ticket's linked stories, used to re-register the
// selection actions. Selection events return a nil result; reply events
// return what was commented and an error when any comment failed.
func (s *Synchronizer) HandleAction(ctx context.Context, ticketID string, linked []client.StoryID, a Action) (*ReplyResult, error) {
	for _, ch := range Channels {
		switch a.Name {
		case s.AdditionsAction(ch):
			return nil, s.applySelections(ctx, ticketID, ch, linked, a)
		case s.SubmitAction(ch):
			return s.submitReply(ctx, ticketID, ch, a)
		}
	}
	s.log.V(1).Info("Ignoring unknown target action", "name", a.Name)
	return nil, nil
}

func (s *Synchronizer) applySelections(ctx context.Context, ticketID string, ch Channel, linked []client.StoryID, a Action) error {
	if ticketID == "" {
		return nil
	}

	var items []host.TargetActionItem
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &items); err != nil {
			return &SelectionError{Type: "decode_error", Message: "invalid selection payload", Err: err}
		}
	}

	subject := a.Subject
	if subject == "" {
		subject = ticketID
	}

	for _, item := range items {
		written, err := s.Set(ctx, subject, item.ID, ch, item.Selected)
		if err != nil {
			return err
		}
		if written {
			if err := s.RegisterAdditions(ctx, subject, ch, linked); err != nil {
				return err
			}
		}
	}
	return nil
}

type replyPayload struct {
	Note  string `json:"note"`
	Email string `json:"email"`
}

func (s *Synchronizer) submitReply(ctx context.Context, ticketID string, ch Channel, a Action) (*ReplyResult, error) {
	var payload replyPayload
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			return nil, &SelectionError{Type: "decode_error", Message: "invalid reply payload", Err: err}
		}
	}
	text := payload.Note
	if ch == ChannelEmail {
		text = payload.Email
	}

	result := &ReplyResult{Channel: ch, Commented: []client.StoryID{}, errs: map[client.StoryID]error{}}
	if ticketID == "" || text == "" || a.Subject != ticketID {
		s.log.V(1).Info("Ignoring reply for another ticket or without text", "ticket", ticketID, "subject", a.Subject)
		return result, nil
	}

	if err := s.ui.SetBlocking(ctx, true); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.ui.SetBlocking(context.WithoutCancel(ctx), false); err != nil {
			s.log.Error(err, "Failed to unblock host UI")
		}
	}()

	values, err := s.List(ctx, a.Subject, ch)
	if err != nil {
		return nil, err
	}

	var ids []client.StoryID
	for _, v := range values {
		if !v.Selected {
			continue
		}
		id, err := client.ParseStoryID(v.ID)
		if err != nil {
			s.log.Info("Skipping selection with invalid story id", "id", v.ID)
			continue
		}
		ids = append(ids, id)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentComments)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			comment, err := s.client.CreateComment(gctx, id, text)
			s.recorder.ReplyComment(string(ch), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Error(err, "Failed to comment reply on story", "story", id, "channel", ch)
				result.errs[id] = err
				return nil
			}
			result.Commented = append(result.Commented, id)
			result.Comments = append(result.Comments, *comment)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Commented, func(i, j int) bool { return result.Commented[i] < result.Commented[j] })
	if len(result.errs) > 0 {
		result.Failed = make(map[client.StoryID]string, len(result.errs))
		for id, err := range result.errs {
			result.Failed[id] = client.UserMessage(err)
		}
	}
	return result, result.Err()
}
