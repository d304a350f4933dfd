package story

import (
	"fmt"
	"strings"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
)

const (
	maxNameLength        = 512
	maxDescriptionLength = 100000
)

// Form is a submitted create or edit story form. Zero values mean "not set".
type Form struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Type         client.StoryType   `json:"type"`
	Labels       []client.LabelID   `json:"labels"`
	Followers    []client.MemberID  `json:"followers"`
	Owners       []client.MemberID  `json:"owners"`
	Team         client.GroupID     `json:"team"`
	Workflow     client.WorkflowID  `json:"workflow"`
	State        client.StateID     `json:"state"`
	Project      client.ProjectID   `json:"project"`
	Epic         client.EpicID      `json:"epic"`
	Iteration    client.IterationID `json:"iteration"`
	Requester    client.MemberID    `json:"requester"`
	CustomFields map[string]string  `json:"custom_fields"`
}

// HelpdeskLabel is the label added to stories created from a ticket
type HelpdeskLabel struct {
	Enabled bool
	Name    string
	Color   string
}

// FormError lists the invalid form fields
type FormError struct {
	Fields map[string]string
}

func (e *FormError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, key := range []string{"name", "description", "type", "state", "requester"} {
		if msg, ok := e.Fields[key]; ok {
			parts = append(parts, key+": "+msg)
		}
	}
	return "invalid story form: " + strings.Join(parts, "; ")
}

// Validate checks the form fields
func (f *Form) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(f.Name) == "" {
		fields["name"] = "is required"
	} else if len(f.Name) > maxNameLength {
		fields["name"] = fmt.Sprintf("must be at most %d characters", maxNameLength)
	}
	if len(f.Description) > maxDescriptionLength {
		fields["description"] = fmt.Sprintf("must be at most %d characters", maxDescriptionLength)
	}
	if _, err := client.ParseStoryType(string(f.Type)); err != nil {
		fields["type"] = "must be one of bug, chore, feature"
	}
	if f.Workflow != 0 && f.State == 0 {
		fields["state"] = "is required when a workflow is selected"
	}
	if f.Requester == "" {
		fields["requester"] = "is required"
	}
	if len(fields) > 0 {
		return &FormError{Fields: fields}
	}
	return nil
}

// FormFromStory prefills an edit form from an existing story
func FormFromStory(s *client.Story, set *deps.DependencySet) Form {
	f := Form{
		Name:         s.Name,
		Description:  s.Description,
		Type:         s.StoryType,
		Followers:    append([]client.MemberID{}, s.FollowerIDs...),
		Owners:       append([]client.MemberID{}, s.OwnerIDs...),
		Requester:    s.RequestedByID,
		CustomFields: CustomFieldFormValues(s.CustomFields, set.CustomFields),
	}
	for _, l := range s.Labels {
		f.Labels = append(f.Labels, l.ID)
	}
	if s.GroupID != nil {
		f.Team = *s.GroupID
	}
	if s.WorkflowStateID != nil {
		f.State = *s.WorkflowStateID
		if w := set.WorkflowForState(f.State); w != nil {
			f.Workflow = w.ID
		}
	}
	if s.ProjectID != nil {
		f.Project = *s.ProjectID
	}
	if s.EpicID != nil {
		f.Epic = *s.EpicID
	}
	if s.IterationID != nil {
		f.Iteration = *s.IterationID
	}
	return f
}

// CreateRequest encodes the form for story creation. Labels are sent by name;
// the helpdesk label is appended when enabled and not already chosen.
func (f *Form) CreateRequest(set *deps.DependencySet, tag HelpdeskLabel) *client.CreateStoryRequest {
	labels := labelParams(set.LabelNames(f.Labels))
	if tag.Enabled && tag.Name != "" && !hasLabelParam(labels, tag.Name) {
		labels = append(labels, client.LabelParams{Name: tag.Name, Color: tag.Color})
	}

	req := &client.CreateStoryRequest{
		Name:          f.Name,
		Description:   f.Description,
		StoryType:     f.Type,
		Labels:        labels,
		FollowerIDs:   f.Followers,
		OwnerIDs:      f.Owners,
		RequestedByID: f.Requester,
		CustomFields:  EncodeCustomFields(f.Type, f.CustomFields, set.CustomFields),
	}
	if f.Team != "" {
		req.GroupID = client.Ptr(f.Team)
	}
	if f.State != 0 {
		req.WorkflowStateID = client.Ptr(f.State)
	}
	if f.Project != 0 {
		req.ProjectID = client.Ptr(f.Project)
	}
	if f.Epic != 0 {
		req.EpicID = client.Ptr(f.Epic)
	}
	if f.Iteration != 0 {
		req.IterationID = client.Ptr(f.Iteration)
	}
	return req
}

// UpdateRequest encodes the form for a story update. Optional references left
// at None are cleared on the story.
func (f *Form) UpdateRequest(set *deps.DependencySet) *client.UpdateStoryRequest {
	req := &client.UpdateStoryRequest{
		Name:         client.Ptr(f.Name),
		Description:  client.Ptr(f.Description),
		StoryType:    client.Ptr(f.Type),
		Labels:       labelParams(set.LabelNames(f.Labels)),
		OwnerIDs:     nonNil(f.Owners),
		FollowerIDs:  nonNil(f.Followers),
		CustomFields: EncodeCustomFields(f.Type, f.CustomFields, set.CustomFields),
	}
	if f.Requester != "" {
		req.RequestedByID = client.Ptr(f.Requester)
	}
	if f.State != 0 {
		req.WorkflowStateID = client.Ptr(f.State)
	}

	if f.Team != "" {
		req.GroupID = client.Ptr(f.Team)
	} else {
		req.Clear = append(req.Clear, "group_id")
	}
	if f.Project != 0 {
		req.ProjectID = client.Ptr(f.Project)
	} else {
		req.Clear = append(req.Clear, "project_id")
	}
	if f.Epic != 0 {
		req.EpicID = client.Ptr(f.Epic)
	} else {
		req.Clear = append(req.Clear, "epic_id")
	}
	if f.Iteration != 0 {
		req.IterationID = client.Ptr(f.Iteration)
	} else {
		req.Clear = append(req.Clear, "iteration_id")
	}
	return req
}

func labelParams(names []string) []client.LabelParams {
	out := make([]client.LabelParams, 0, len(names))
	for _, n := range names {
		out = append(out, client.LabelParams{Name: n})
	}
	return out
}

func hasLabelParam(labels []client.LabelParams, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
