// Package association keeps the links between helpdesk tickets and tracker
// stories: the association entries with their metadata snapshot, the external
// link back to the ticket, the helpdesk label and the selection flags.
package association

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/saga"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/state"
	"github.com/chambrid/storylink/pkg/story"
)

// DefaultNamespace is the entity association holding a ticket's linked stories
const DefaultNamespace = "linkedShortcutStories"

// maxConcurrentFetches bounds the story fetches of a resync
const maxConcurrentFetches = 5

// Ticket identifies the helpdesk ticket being worked on
type Ticket struct {
	ID           string `json:"id"`
	PermalinkURL string `json:"permalinkUrl,omitempty"`
}

// Options configures a Manager
type Options struct {
	Namespace     string
	HelpdeskLabel story.HelpdeskLabel
	SelectOnLink  bool
	CommentOnLink bool

	// Admin is used for backfill and settings verification; defaults to
	// the regular client
	Admin client.Client
}

// Manager creates, refreshes and removes ticket to story associations
type Manager struct {
	client     client.Client
	admin      client.Client
	assoc      host.AssociationStore
	selections *selection.Synchronizer
	resolver   *deps.Resolver
	runner     *saga.Runner
	opts       Options
	log        logr.Logger
	recorder   *metrics.Recorder
}

// NewManager creates an association manager
func NewManager(c client.Client, assoc host.AssociationStore, sel *selection.Synchronizer, resolver *deps.Resolver, runner *saga.Runner, opts Options, log logr.Logger, rec *metrics.Recorder) *Manager {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	admin := opts.Admin
	if admin == nil {
		admin = c
	}
	return &Manager{
		client:     c,
		admin:      admin,
		assoc:      assoc,
		selections: sel,
		resolver:   resolver,
		runner:     runner,
		opts:       opts,
		log:        log.WithName("association"),
		recorder:   rec,
	}
}

// Namespace returns the association namespace in use
func (m *Manager) Namespace() string {
	return m.opts.Namespace
}

func sagaKey(kind state.SagaKind, ticketID string, id client.StoryID) string {
	return fmt.Sprintf("%s/%s/%d", kind, ticketID, id)
}

// Link associates a story with the ticket. The dependency set and the story
// are read first; then the association, selection flags, external link,
// helpdesk label and link comment are written in that order. A failed write
// stops the link and a later call resumes after the last completed write.
func (m *Manager) Link(ctx context.Context, ticket Ticket, id client.StoryID) (*story.Metadata, error) {
	if ticket.ID == "" {
		return nil, validationError("ticket id is required")
	}

	set, err := m.resolver.Get(ctx)
	if err != nil {
		return nil, err
	}
	s, err := m.client.GetStory(ctx, id)
	if err != nil {
		return nil, &AssociationError{Type: "fetch_error", Message: "failed to fetch story", Err: err, TicketID: ticket.ID, StoryID: id}
	}
	md := story.BuildMetadata(s, set)

	if err := m.runner.Forget(sagaKey(state.SagaKindUnlink, ticket.ID, id)); err != nil {
		m.log.Error(err, "Failed to drop unlink journal", "ticket", ticket.ID, "story", id)
	}

	steps := []saga.Step{{
		Name: "associate",
		Run: func(ctx context.Context, _ saga.Data) error {
			return m.assoc.SetAssociation(ctx, m.opts.Namespace, ticket.ID, id.String(), md)
		},
	}}
	if m.opts.SelectOnLink {
		steps = append(steps, saga.Step{
			Name: "select",
			Run: func(ctx context.Context, _ saga.Data) error {
				for _, ch := range selection.Channels {
					if _, err := m.selections.Set(ctx, ticket.ID, id.String(), ch, true); err != nil {
						return err
					}
				}
				return nil
			},
		})
	}
	if ticket.PermalinkURL != "" {
		steps = append(steps, saga.Step{
			Name: "external_link",
			Run: func(ctx context.Context, _ saga.Data) error {
				_, err := client.AddExternalLink(ctx, m.client, id, ticket.PermalinkURL)
				return permanentIfNotFound(err)
			},
		})
	}
	if m.opts.HelpdeskLabel.Enabled {
		steps = append(steps, saga.Step{
			Name: "tag",
			Run: func(ctx context.Context, _ saga.Data) error {
				return m.setHelpdeskLabel(ctx, id, true, set)
			},
		})
	}
	if m.opts.CommentOnLink {
		steps = append(steps, saga.Step{
			Name: "comment",
			Run: func(ctx context.Context, _ saga.Data) error {
				_, err := m.client.CreateComment(ctx, id, story.LinkComment(ticket.ID, ticket.PermalinkURL))
				return permanentIfNotFound(err)
			},
		})
	}

	if _, err := m.runner.Run(ctx, saga.Saga{Kind: state.SagaKindLink, Key: sagaKey(state.SagaKindLink, ticket.ID, id), Steps: steps}); err != nil {
		return nil, err
	}
	m.log.Info("Linked story", "ticket", ticket.ID, "story", id)
	return &md, nil
}

// LinkAll links several stories concurrently. Every story is attempted; the
// metadata of the linked ones is returned with the joined errors of the rest.
func (m *Manager) LinkAll(ctx context.Context, ticket Ticket, ids []client.StoryID) ([]story.Metadata, error) {
	results := make([]*story.Metadata, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i], errs[i] = m.Link(ctx, ticket, id)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]story.Metadata, 0, len(ids))
	for _, md := range results {
		if md != nil {
			out = append(out, *md)
		}
	}
	return out, errors.Join(errs...)
}

// Unlink removes the story from the ticket. Removing the association must
// succeed; dropping the external link, the helpdesk label, the selection
// flags and posting the unlink comment are best effort.
func (m *Manager) Unlink(ctx context.Context, ticket Ticket, id client.StoryID) error {
	if ticket.ID == "" {
		return validationError("ticket id is required")
	}

	if err := m.runner.Forget(sagaKey(state.SagaKindLink, ticket.ID, id)); err != nil {
		m.log.Error(err, "Failed to drop link journal", "ticket", ticket.ID, "story", id)
	}

	steps := []saga.Step{{
		Name: "dissociate",
		Run: func(ctx context.Context, _ saga.Data) error {
			return m.assoc.DeleteAssociation(ctx, m.opts.Namespace, ticket.ID, id.String())
		},
	}}
	if ticket.PermalinkURL != "" {
		steps = append(steps, saga.Step{
			Name:     "external_link",
			Optional: true,
			Run: func(ctx context.Context, _ saga.Data) error {
				_, err := client.RemoveExternalLink(ctx, m.client, id, ticket.PermalinkURL)
				if client.IsNotFoundError(err) {
					return nil
				}
				return err
			},
		})
	}
	if m.opts.HelpdeskLabel.Enabled {
		steps = append(steps, saga.Step{
			Name:     "untag",
			Optional: true,
			Run: func(ctx context.Context, _ saga.Data) error {
				n, err := m.assoc.CountEntities(ctx, m.opts.Namespace, id.String())
				if err != nil {
					return err
				}
				if n > 0 {
					m.log.V(1).Info("Story still linked elsewhere, keeping helpdesk label", "story", id, "tickets", n)
					return nil
				}
				err = m.setHelpdeskLabel(ctx, id, false, nil)
				if client.IsNotFoundError(err) {
					return nil
				}
				return err
			},
		})
	}
	steps = append(steps, saga.Step{
		Name:     "deselect",
		Optional: true,
		Run: func(ctx context.Context, _ saga.Data) error {
			return m.selections.Clear(ctx, ticket.ID, id.String())
		},
	})
	if m.opts.CommentOnLink {
		steps = append(steps, saga.Step{
			Name:     "comment",
			Optional: true,
			Run: func(ctx context.Context, _ saga.Data) error {
				_, err := m.client.CreateComment(ctx, id, story.UnlinkComment(ticket.ID, ticket.PermalinkURL))
				return permanentIfNotFound(err)
			},
		})
	}

	if _, err := m.runner.Run(ctx, saga.Saga{Kind: state.SagaKindUnlink, Key: sagaKey(state.SagaKindUnlink, ticket.ID, id), Steps: steps}); err != nil {
		return err
	}
	m.log.Info("Unlinked story", "ticket", ticket.ID, "story", id)
	return nil
}

// LinkedStoryIDs lists the ids of the stories linked to the ticket in
// ascending order. Keys that are not story ids are skipped.
func (m *Manager) LinkedStoryIDs(ctx context.Context, ticketID string) ([]client.StoryID, error) {
	if ticketID == "" {
		return []client.StoryID{}, nil
	}
	keys, err := m.assoc.ListAssociations(ctx, m.opts.Namespace, ticketID)
	if err != nil {
		return nil, &AssociationError{Type: "store_error", Message: "failed to list associations", Err: err, TicketID: ticketID}
	}

	ids := make([]client.StoryID, 0, len(keys))
	for _, key := range keys {
		id, err := client.ParseStoryID(key)
		if err != nil {
			m.log.Info("Skipping association with invalid story id", "ticket", ticketID, "key", key)
			continue
		}
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

// Metadata returns the snapshot stored for the story, if linked
func (m *Manager) Metadata(ctx context.Context, ticketID string, id client.StoryID) (*story.Metadata, bool, error) {
	var md story.Metadata
	ok, err := m.assoc.GetAssociation(ctx, m.opts.Namespace, ticketID, id.String(), &md)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &md, true, nil
}

// Resync re-reads the ticket's linked stories. Stories that cannot be fetched
// are dropped with a warning. The stored snapshots of the remaining stories
// are refreshed.
func (m *Manager) Resync(ctx context.Context, ticketID string) ([]*story.Resolved, error) {
	ids, err := m.LinkedStoryIDs(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		m.recorder.LinkedStories(0)
		return []*story.Resolved{}, nil
	}

	set, err := m.resolver.Get(ctx)
	if err != nil {
		return nil, err
	}

	stories := make([]*client.Story, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			s, err := m.client.GetStory(gctx, id)
			if err != nil {
				if client.IsNotFoundError(err) {
					m.log.Info("Linked story no longer exists, dropping it", "ticket", ticketID, "story", id)
				} else {
					m.log.Info("Failed to fetch linked story, dropping it", "ticket", ticketID, "story", id, "error", err.Error())
				}
				return nil
			}
			stories[i] = s
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]*story.Resolved, 0, len(ids))
	for _, s := range stories {
		if s == nil {
			continue
		}
		if err := m.assoc.SetAssociation(ctx, m.opts.Namespace, ticketID, s.ID.String(), story.BuildMetadata(s, set)); err != nil {
			m.log.Error(err, "Failed to refresh association snapshot", "ticket", ticketID, "story", s.ID)
		}
		out = append(out, story.Resolve(s, set))
	}
	m.recorder.LinkedStories(len(out))
	m.log.V(1).Info("Resynced linked stories", "ticket", ticketID, "linked", len(ids), "resolved", len(out))
	return out, nil
}

// setHelpdeskLabel adds or removes the helpdesk label on the story. Adding a
// label the dependency set does not know yet bumps the cache epoch.
func (m *Manager) setHelpdeskLabel(ctx context.Context, id client.StoryID, present bool, set *deps.DependencySet) error {
	s, err := m.client.GetStory(ctx, id)
	if err != nil {
		return err
	}
	name := m.opts.HelpdeskLabel.Name
	if client.HasLabel(s, name) == present {
		return nil
	}
	if _, err := client.SetStoryLabel(ctx, m.client, s, name, present); err != nil {
		return err
	}
	if present && set != nil && !knownLabel(set, name) {
		m.invalidate(ctx)
	}
	return nil
}

func (m *Manager) invalidate(ctx context.Context) {
	if err := m.resolver.Invalidate(ctx); err != nil {
		m.log.Error(err, "Failed to invalidate dependency cache")
	}
}

func knownLabel(set *deps.DependencySet, name string) bool {
	for _, l := range set.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// permanentIfNotFound stops retries against a story that does not exist
func permanentIfNotFound(err error) error {
	if client.IsNotFoundError(err) {
		return saga.Permanent(err)
	}
	return err
}

func sortIDs(ids []client.StoryID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
