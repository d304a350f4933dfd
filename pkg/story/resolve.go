// Package story turns raw tracker stories into display-ready view models and
// turns submitted story forms back into tracker requests.
package story

import (
	"time"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
)

// UnknownMemberName is shown for owners that are not in the member list
const UnknownMemberName = "Unknown member"

// Owner is a resolved story owner
type Owner struct {
	ID      client.MemberID `json:"id"`
	Name    string          `json:"name"`
	IconURL string          `json:"icon_url,omitempty"`
}

// Comment is a story comment with its rendered text
type Comment struct {
	client.Comment
	TextHTML string `json:"text_html"`
}

// Resolved is a story with every cross reference looked up. Any reference
// that does not resolve is left nil.
type Resolved struct {
	ID              client.StoryID            `json:"id"`
	Name            string                    `json:"name"`
	URL             string                    `json:"url"`
	Type            client.StoryType          `json:"type"`
	Archived        bool                      `json:"archived"`
	Description     string                    `json:"description"`
	DescriptionHTML string                    `json:"description_html"`
	Deadline        *time.Time                `json:"deadline,omitempty"`
	Workflow        *client.Workflow          `json:"workflow"`
	State           *client.WorkflowState     `json:"state"`
	Epic            *client.Epic              `json:"epic"`
	Iteration       *client.Iteration         `json:"iteration"`
	Group           *client.Group             `json:"group"`
	Project         *client.Project           `json:"project"`
	Owners          []Owner                   `json:"owners"`
	Labels          []client.Label            `json:"labels"`
	EpicLabels      []client.Label            `json:"epic_labels"`
	RequesterID     client.MemberID           `json:"requester_id"`
	FollowerIDs     []client.MemberID         `json:"follower_ids"`
	CustomFields    []client.StoryCustomField `json:"custom_fields"`
	DisplayFields   []FieldDisplay            `json:"display_fields"`
	Comments        []Comment                 `json:"comments"`
	StoryLinks      []client.StoryLink        `json:"story_links"`
	ExternalLinks   []string                  `json:"external_links"`
}

// StateName returns the state name, or "None" when the state is unknown
func (r *Resolved) StateName() string {
	if r == nil || r.State == nil {
		return NoneLabel
	}
	return r.State.Name
}

// Resolve looks up every reference of s in set. It never panics: a nil story
// yields an empty view and a nil set resolves nothing.
func Resolve(s *client.Story, set *deps.DependencySet) *Resolved {
	if s == nil {
		return &Resolved{Owners: []Owner{}, Labels: []client.Label{}, EpicLabels: []client.Label{}, DisplayFields: []FieldDisplay{}}
	}
	if set == nil {
		set = &deps.DependencySet{}
	}

	r := &Resolved{
		ID:              s.ID,
		Name:            s.Name,
		URL:             s.AppURL,
		Type:            s.StoryType,
		Archived:        s.Archived,
		Description:     s.Description,
		DescriptionHTML: RenderMarkdown(s.Description),
		Deadline:        s.Deadline,
		RequesterID:     s.RequestedByID,
		FollowerIDs:     append([]client.MemberID{}, s.FollowerIDs...),
		CustomFields:    append([]client.StoryCustomField{}, s.CustomFields...),
		StoryLinks:      append([]client.StoryLink{}, s.StoryLinks...),
		ExternalLinks:   append([]string{}, s.ExternalLinks...),
		Labels:          append([]client.Label{}, s.Labels...),
		EpicLabels:      []client.Label{},
	}

	if s.WorkflowStateID != nil {
		r.State = set.State(*s.WorkflowStateID)
		if r.State != nil {
			// the owning workflow comes from the state, not from s.WorkflowID
			r.Workflow = set.WorkflowForState(r.State.ID)
		}
	}
	if s.EpicID != nil {
		r.Epic = set.Epic(*s.EpicID)
		if r.Epic != nil {
			r.EpicLabels = append(r.EpicLabels, r.Epic.Labels...)
		}
	}
	if s.IterationID != nil {
		r.Iteration = set.Iteration(*s.IterationID)
	}
	if s.GroupID != nil {
		r.Group = set.Group(*s.GroupID)
	}
	if s.ProjectID != nil {
		r.Project = set.Project(*s.ProjectID)
	}

	r.Owners = make([]Owner, 0, len(s.OwnerIDs))
	for _, id := range s.OwnerIDs {
		r.Owners = append(r.Owners, resolveOwner(set, id))
	}

	r.DisplayFields = DisplayCustomFields(s.StoryType, s.CustomFields, set.CustomFields)

	r.Comments = make([]Comment, 0, len(s.Comments))
	for _, c := range s.Comments {
		if c.Deleted {
			continue
		}
		r.Comments = append(r.Comments, RenderComment(c))
	}

	return r
}

// ResolveAll resolves every story in order
func ResolveAll(stories []client.Story, set *deps.DependencySet) []*Resolved {
	out := make([]*Resolved, 0, len(stories))
	for i := range stories {
		out = append(out, Resolve(&stories[i], set))
	}
	return out
}

// RenderComment renders the comment text to HTML
func RenderComment(c client.Comment) Comment {
	return Comment{Comment: c, TextHTML: RenderMarkdown(c.Text)}
}

func resolveOwner(set *deps.DependencySet, id client.MemberID) Owner {
	m := set.Member(id)
	if m == nil {
		return Owner{ID: id, Name: UnknownMemberName}
	}
	owner := Owner{ID: id, Name: m.Profile.Name}
	if m.Profile.DisplayIcon != nil {
		owner.IconURL = m.Profile.DisplayIcon.URL
	}
	return owner
}
