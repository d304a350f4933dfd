package client

import (
	"context"
	"strings"
)

// AddExternalLink appends url to the story's external links. A link that is
// already present is left alone and no update is sent.
func AddExternalLink(ctx context.Context, c Client, id StoryID, url string) (*Story, error) {
	story, err := c.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, existing := range story.ExternalLinks {
		if existing == url {
			return story, nil
		}
	}

	links := append(append([]string{}, story.ExternalLinks...), url)
	return c.UpdateStory(ctx, id, &UpdateStoryRequest{ExternalLinks: links})
}

// RemoveExternalLink drops url from the story's external links. It is not an
// error for the link to be absent.
func RemoveExternalLink(ctx context.Context, c Client, id StoryID, url string) (*Story, error) {
	story, err := c.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}

	links := make([]string, 0, len(story.ExternalLinks))
	for _, existing := range story.ExternalLinks {
		if existing != url {
			links = append(links, existing)
		}
	}
	if len(links) == len(story.ExternalLinks) {
		return story, nil
	}

	return c.UpdateStory(ctx, id, &UpdateStoryRequest{ExternalLinks: links})
}

// HasLabel reports whether the story carries a label with the given name (case-insensitive)
func HasLabel(story *Story, name string) bool {
	for _, l := range story.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// SetStoryLabel adds or removes a label by name. Labels are sent by name so
// the tracker resolves or creates them.
func SetStoryLabel(ctx context.Context, c Client, story *Story, name string, present bool) (*Story, error) {
	if HasLabel(story, name) == present {
		return story, nil
	}

	labels := make([]LabelParams, 0, len(story.Labels)+1)
	for _, l := range story.Labels {
		if !present && strings.EqualFold(l.Name, name) {
			continue
		}
		labels = append(labels, LabelParams{Name: l.Name})
	}
	if present {
		labels = append(labels, LabelParams{Name: name})
	}

	return c.UpdateStory(ctx, story.ID, &UpdateStoryRequest{Labels: labels})
}

// FindOrCreateLabel returns the label named name, creating it with color when missing
func FindOrCreateLabel(ctx context.Context, c Client, name, color string) (*Label, bool, error) {
	labels, err := c.ListLabels(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range labels {
		if strings.EqualFold(labels[i].Name, name) {
			return &labels[i], false, nil
		}
	}

	label, err := c.CreateLabel(ctx, CreateLabelRequest{Name: name, Color: color})
	if err != nil {
		return nil, false, err
	}
	return label, true, nil
}
