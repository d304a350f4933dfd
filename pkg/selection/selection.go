// Package selection keeps the per ticket "include this story when I reply"
// flags and the target actions that expose them in the host reply box.
package selection

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/metrics"
)

// Channel is the reply box a selection applies to
type Channel string

const (
	ChannelNote  Channel = "note"
	ChannelEmail Channel = "email"
)

// Channels lists every channel
var Channels = []Channel{ChannelNote, ChannelEmail}

// ParseChannel accepts the singular and plural channel names
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "note", "notes":
		return ChannelNote, nil
	case "email", "emails":
		return ChannelEmail, nil
	}
	return "", &SelectionError{Type: "validation_error", Message: fmt.Sprintf("unknown channel %q", s)}
}

func (c Channel) segment() string {
	return string(c) + "s"
}

// Value is the stored selection flag
type Value struct {
	ID       string `json:"id"`
	Selected bool   `json:"selected"`
}

// Features are the ticket settings that enable commenting per channel
type Features struct {
	CommentOnNote  bool
	CommentOnEmail bool
}

// Enabled reports whether selections for ch are kept
func (f Features) Enabled(ch Channel) bool {
	switch ch {
	case ChannelNote:
		return f.CommentOnNote
	case ChannelEmail:
		return f.CommentOnEmail
	}
	return false
}

// Options configures a Synchronizer
type Options struct {
	Prefix   string
	Features Features
}

// Synchronizer reads and writes selection state and keeps the host target
// actions in step with it
type Synchronizer struct {
	state    host.StateStore
	ui       host.UI
	client   client.Client
	prefix   string
	features Features
	log      logr.Logger
	recorder *metrics.Recorder
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(st host.StateStore, ui host.UI, c client.Client, opts Options, log logr.Logger, rec *metrics.Recorder) *Synchronizer {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "shortcut"
	}
	return &Synchronizer{
		state:    st,
		ui:       ui,
		client:   c,
		prefix:   prefix,
		features: opts.Features,
		log:      log.WithName("selection"),
		recorder: rec,
	}
}

// Features returns the channel settings in effect
func (s *Synchronizer) Features() Features {
	return s.features
}

// Key builds the state key for a story's selection. storyID may be
// host.Wildcard to address every selection of the ticket and channel.
func Key(prefix, ticketID string, ch Channel, storyID string) string {
	return strings.ToLower(fmt.Sprintf("tickets/%s/%s/%s/selection/%s", ticketID, prefix, ch.segment(), storyID))
}

// Key builds a state key with the synchronizer's prefix
func (s *Synchronizer) Key(ticketID string, ch Channel, storyID string) string {
	return Key(s.prefix, ticketID, ch, storyID)
}

// Set stores the selection flag. It does nothing and reports false when the
// channel is disabled or an id is missing. Setting the same value twice
// leaves the same stored value.
func (s *Synchronizer) Set(ctx context.Context, ticketID, storyID string, ch Channel, selected bool) (bool, error) {
	if ticketID == "" || storyID == "" || !s.features.Enabled(ch) {
		return false, nil
	}

	key := s.Key(ticketID, ch, storyID)
	if err := s.state.SetState(ctx, key, Value{ID: storyID, Selected: selected}); err != nil {
		return false, &SelectionError{Type: "state_error", Message: "failed to store selection", Err: err, Key: key}
	}
	s.recorder.SelectionWrite(string(ch), "set")
	s.log.V(1).Info("Stored selection", "key", key, "selected", selected)
	return true, nil
}

// Get returns the stored selection, or nil when none is stored
func (s *Synchronizer) Get(ctx context.Context, ticketID, storyID string, ch Channel) (*Value, error) {
	if ticketID == "" || storyID == "" {
		return nil, nil
	}
	key := s.Key(ticketID, ch, storyID)
	entries, err := s.state.GetState(ctx, key)
	if err != nil {
		return nil, &SelectionError{Type: "state_error", Message: "failed to read selection", Err: err, Key: key}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	var v Value
	if err := entries[0].Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns every selection stored for the ticket and channel
func (s *Synchronizer) List(ctx context.Context, ticketID string, ch Channel) ([]Value, error) {
	if ticketID == "" {
		return []Value{}, nil
	}
	key := s.Key(ticketID, ch, host.Wildcard)
	entries, err := s.state.GetState(ctx, key)
	if err != nil {
		return nil, &SelectionError{Type: "state_error", Message: "failed to read selections", Err: err, Key: key}
	}

	out := make([]Value, 0, len(entries))
	for _, e := range entries {
		var v Value
		if err := e.Decode(&v); err != nil {
			s.log.Info("Skipping unreadable selection", "key", e.Name, "error", err.Error())
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Delete removes the stored selection. It reports whether one existed.
func (s *Synchronizer) Delete(ctx context.Context, ticketID, storyID string, ch Channel) (bool, error) {
	if ticketID == "" || storyID == "" {
		return false, nil
	}
	key := s.Key(ticketID, ch, storyID)
	deleted, err := s.state.DeleteState(ctx, key)
	if err != nil {
		return false, &SelectionError{Type: "state_error", Message: "failed to delete selection", Err: err, Key: key}
	}
	s.recorder.SelectionWrite(string(ch), "delete")
	return deleted, nil
}

// Clear removes the story's selections on every channel. Both deletes are
// attempted; the first error is returned.
func (s *Synchronizer) Clear(ctx context.Context, ticketID, storyID string) error {
	var first error
	for _, ch := range Channels {
		if _, err := s.Delete(ctx, ticketID, storyID, ch); err != nil && first == nil {
			first = err
		}
	}
	return first
}
