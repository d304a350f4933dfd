package association

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/saga"
	"github.com/chambrid/storylink/pkg/state"
	"github.com/chambrid/storylink/pkg/story"
)

const dataStoryID = "story_id"

// requestKey names a write by its request body, so resubmitting the same
// form after a failure resumes the same saga
func requestKey(kind state.SagaKind, ticketID string, req any) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s", kind, ticketID, uuid.NewSHA1(uuid.NameSpaceOID, raw)), nil
}

// remoteWriteError keeps writes the tracker rejected from being retried
func remoteWriteError(err error) error {
	if client.IsValidationError(err) {
		return saga.Permanent(err)
	}
	if apiErr, ok := client.AsAPIError(err); ok && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return saga.Permanent(err)
	}
	return err
}

// CreateAndLink creates a story from the form and links it to the ticket.
// Nothing is associated unless the story was created. The created story id
// is journaled so a resumed run does not create it twice.
func (m *Manager) CreateAndLink(ctx context.Context, ticket Ticket, form story.Form) (*story.Resolved, error) {
	if ticket.ID == "" {
		return nil, validationError("ticket id is required")
	}
	if err := form.Validate(); err != nil {
		return nil, err
	}

	set, err := m.resolver.Get(ctx)
	if err != nil {
		return nil, err
	}
	req := form.CreateRequest(set, m.opts.HelpdeskLabel)
	key, err := requestKey(state.SagaKindCreate, ticket.ID, req)
	if err != nil {
		return nil, err
	}

	var created *client.Story
	steps := []saga.Step{
		{
			Name: "create",
			Run: func(ctx context.Context, data saga.Data) error {
				s, err := m.client.CreateStory(ctx, req)
				if err != nil {
					return remoteWriteError(err)
				}
				created = s
				data[dataStoryID] = s.ID.String()
				m.log.Info("Created story", "ticket", ticket.ID, "story", s.ID)
				return nil
			},
		},
		{
			Name: "invalidate",
			Run: func(ctx context.Context, _ saga.Data) error {
				return m.resolver.Invalidate(ctx)
			},
		},
		{
			Name: "associate",
			Run: func(ctx context.Context, data saga.Data) error {
				return m.storeSnapshot(ctx, ticket.ID, data, created)
			},
		},
	}
	if ticket.PermalinkURL != "" {
		steps = append(steps, saga.Step{
			Name: "external_link",
			Run: func(ctx context.Context, data saga.Data) error {
				id, err := storyIDFrom(data)
				if err != nil {
					return err
				}
				_, err = client.AddExternalLink(ctx, m.client, id, ticket.PermalinkURL)
				return remoteWriteError(err)
			},
		})
	}

	data, err := m.runner.Run(ctx, saga.Saga{Kind: state.SagaKindCreate, Key: key, Steps: steps})
	if err != nil {
		return nil, err
	}
	id, err := storyIDFrom(data)
	if err != nil {
		return nil, err
	}
	return m.fetchResolved(ctx, id)
}

// UpdateAndResync applies the form to the story and refreshes the ticket's
// snapshot of it
func (m *Manager) UpdateAndResync(ctx context.Context, ticket Ticket, id client.StoryID, form story.Form) (*story.Resolved, error) {
	if err := form.Validate(); err != nil {
		return nil, err
	}

	set, err := m.resolver.Get(ctx)
	if err != nil {
		return nil, err
	}
	req := form.UpdateRequest(set)
	key, err := requestKey(state.SagaKindUpdate, ticket.ID+"/"+id.String(), req)
	if err != nil {
		return nil, err
	}

	var updated *client.Story
	steps := []saga.Step{
		{
			Name: "update",
			Run: func(ctx context.Context, data saga.Data) error {
				s, err := m.client.UpdateStory(ctx, id, req)
				if err != nil {
					return remoteWriteError(err)
				}
				updated = s
				data[dataStoryID] = id.String()
				return nil
			},
		},
		{
			Name: "invalidate",
			Run: func(ctx context.Context, _ saga.Data) error {
				return m.resolver.Invalidate(ctx)
			},
		},
	}
	if ticket.PermalinkURL != "" {
		steps = append(steps, saga.Step{
			Name: "external_link",
			Run: func(ctx context.Context, _ saga.Data) error {
				s, err := client.AddExternalLink(ctx, m.client, id, ticket.PermalinkURL)
				if err != nil {
					return remoteWriteError(err)
				}
				updated = s
				return nil
			},
		})
	}
	if ticket.ID != "" {
		steps = append(steps, saga.Step{
			Name: "associate",
			Run: func(ctx context.Context, data saga.Data) error {
				return m.storeSnapshot(ctx, ticket.ID, data, updated)
			},
		})
	}

	if _, err := m.runner.Run(ctx, saga.Saga{Kind: state.SagaKindUpdate, Key: key, Steps: steps}); err != nil {
		return nil, err
	}
	m.log.Info("Updated story", "ticket", ticket.ID, "story", id)
	return m.fetchResolved(ctx, id)
}

// storeSnapshot writes the association metadata of the journaled story. s is
// used when this run wrote it; a resumed run fetches it again.
func (m *Manager) storeSnapshot(ctx context.Context, ticketID string, data saga.Data, s *client.Story) error {
	id, err := storyIDFrom(data)
	if err != nil {
		return err
	}
	if s == nil {
		if s, err = m.client.GetStory(ctx, id); err != nil {
			return remoteWriteError(err)
		}
	}
	set, err := m.resolver.Get(ctx)
	if err != nil {
		return err
	}
	return m.assoc.SetAssociation(ctx, m.opts.Namespace, ticketID, id.String(), story.BuildMetadata(s, set))
}

func (m *Manager) fetchResolved(ctx context.Context, id client.StoryID) (*story.Resolved, error) {
	s, err := m.client.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}
	set, err := m.resolver.Get(ctx)
	if err != nil {
		return nil, err
	}
	return story.Resolve(s, set), nil
}

func storyIDFrom(data saga.Data) (client.StoryID, error) {
	id, err := client.ParseStoryID(data[dataStoryID])
	if err != nil {
		return 0, saga.Permanent(&AssociationError{Type: "journal_error", Message: "saga data has no story id", Err: err})
	}
	return id, nil
}

// AddComment posts a comment on the story and returns it rendered
func (m *Manager) AddComment(ctx context.Context, id client.StoryID, text string) (*story.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationError("comment text is required")
	}
	c, err := m.client.CreateComment(ctx, id, text)
	if err != nil {
		return nil, err
	}
	rendered := story.RenderComment(*c)
	return &rendered, nil
}

// AddRelations relates the story to each of others. Every relation is
// attempted; the created links are returned with the joined errors.
func (m *Manager) AddRelations(ctx context.Context, id client.StoryID, kind story.RelationKind, others []client.StoryID) ([]client.StoryLink, error) {
	if len(others) == 0 {
		return nil, validationError("at least one story to relate is required")
	}

	links := make([]client.StoryLink, 0, len(others))
	var errs []error
	for _, other := range others {
		if other == id {
			errs = append(errs, validationError(fmt.Sprintf("story %d cannot be related to itself", id)))
			continue
		}
		req, err := story.LinkRequest(kind, id, other)
		if err != nil {
			return nil, &AssociationError{Type: "validation_error", Message: "invalid relation", Err: err}
		}
		link, err := m.client.CreateStoryLink(ctx, req)
		if err != nil {
			m.log.Error(err, "Failed to relate stories", "story", id, "other", other, "kind", kind)
			errs = append(errs, err)
			continue
		}
		links = append(links, *link)
	}
	return links, errors.Join(errs...)
}
