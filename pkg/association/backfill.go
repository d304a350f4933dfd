package association

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chambrid/storylink/pkg/client"
)

// BackfillResult reports what a helpdesk label backfill did
type BackfillResult struct {
	Label        client.Label     `json:"label"`
	LabelCreated bool             `json:"labelCreated"`
	Candidates   int              `json:"candidates"`
	Updated      int              `json:"updated"`
	Failed       int              `json:"failed"`
	StoryIDs     []client.StoryID `json:"storyIds"`
}

// Message summarizes the result for the agent
func (r *BackfillResult) Message() string {
	if r.Candidates == 0 {
		return "No story to update."
	}
	msg := fmt.Sprintf("%d of %d stories updated.", r.Updated, r.Candidates)
	if r.Failed > 0 {
		msg += fmt.Sprintf(" %d failed.", r.Failed)
	}
	return msg
}

// BackfillHelpdeskLabels adds the helpdesk label to every open story whose
// external links point at helpdeskHost and that does not carry it yet. The
// label is created when missing. Runs with the admin client.
func (m *Manager) BackfillHelpdeskLabels(ctx context.Context, helpdeskHost string) (*BackfillResult, error) {
	helpdeskHost = strings.TrimSpace(helpdeskHost)
	if helpdeskHost == "" {
		return nil, validationError("helpdesk host is required")
	}
	name, color := m.opts.HelpdeskLabel.Name, m.opts.HelpdeskLabel.Color
	if name == "" {
		return nil, validationError("helpdesk label name is required")
	}

	label, created, err := client.FindOrCreateLabel(ctx, m.admin, name, color)
	if err != nil {
		return nil, adminError(err)
	}
	if created {
		m.log.Info("Created helpdesk label", "label", label.Name, "id", label.ID)
		m.invalidate(ctx)
	}

	stories, err := m.admin.QueryStories(ctx, client.StorySearchRequest{Archived: client.Ptr(false)})
	if err != nil {
		return nil, adminError(err)
	}

	var candidates []client.Story
	for _, s := range stories {
		if linksTo(s.ExternalLinks, helpdeskHost) && !hasLabelID(s.LabelIDs, label.ID) {
			candidates = append(candidates, s)
		}
	}

	result := &BackfillResult{Label: *label, LabelCreated: created, Candidates: len(candidates), StoryIDs: []client.StoryID{}}
	if len(candidates) == 0 {
		return result, nil
	}

	updated := make([]bool, len(candidates))
	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i := range candidates {
		i := i
		g.Go(func() error {
			s := candidates[i]
			labels := make([]client.LabelParams, 0, len(s.Labels)+1)
			for _, l := range s.Labels {
				labels = append(labels, client.LabelParams{Name: l.Name})
			}
			labels = append(labels, client.LabelParams{Name: label.Name})
			if _, err := m.admin.UpdateStory(ctx, s.ID, &client.UpdateStoryRequest{Labels: labels}); err != nil {
				m.log.Info("Failed to add helpdesk label", "story", s.ID, "error", err.Error())
				failed.Add(1)
				return nil
			}
			updated[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range updated {
		if ok {
			result.Updated++
			result.StoryIDs = append(result.StoryIDs, candidates[i].ID)
		}
	}
	result.Failed = int(failed.Load())
	m.log.Info("Backfilled helpdesk label", "label", label.Name, "updated", result.Updated, "failed", result.Failed)
	return result, nil
}

// VerifySettings checks the admin token against the tracker
func (m *Manager) VerifySettings(ctx context.Context) (*client.CurrentMember, error) {
	member, err := m.admin.GetCurrentMember(ctx)
	if err != nil {
		return nil, adminError(err)
	}
	return member, nil
}

func adminError(err error) error {
	if client.IsAuthenticationError(err) {
		return &AssociationError{Type: "auth_error", Message: "Invalid API key provided.", Err: err}
	}
	return err
}

func linksTo(links []string, helpdeskHost string) bool {
	for _, l := range links {
		if strings.Contains(l, helpdeskHost) {
			return true
		}
	}
	return false
}

func hasLabelID(ids []client.LabelID, id client.LabelID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
