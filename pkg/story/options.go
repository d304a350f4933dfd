package story

import (
	"strconv"
	"strings"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
)

// NoneLabel labels the explicit empty choice of optional references
const NoneLabel = "None"

// Option is one dropdown choice. An empty Value is the None choice.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Color string `json:"color,omitempty"`
}

// NoneOption is the explicit "no value" choice, distinct from "not loaded"
var NoneOption = Option{Label: NoneLabel, Value: ""}

// IsNone reports whether o is the None choice
func (o Option) IsNone() bool {
	return o.Value == ""
}

func formatID[T ~int64](id T) string {
	return strconv.FormatInt(int64(id), 10)
}

// TypeOptions lists the story types
func TypeOptions() []Option {
	out := make([]Option, 0, len(client.StoryTypes))
	for _, t := range client.StoryTypes {
		s := string(t)
		out = append(out, Option{Label: strings.ToUpper(s[:1]) + s[1:], Value: s})
	}
	return out
}

// TeamOptions lists the teams that are not archived
func TeamOptions(set *deps.DependencySet) []Option {
	out := []Option{}
	for _, g := range set.Groups {
		if !g.Archived {
			out = append(out, Option{Label: g.Name, Value: string(g.ID)})
		}
	}
	return out
}

// WorkflowOptions lists the workflows of team, or every workflow when team is
// empty. An unknown team has no workflows.
func WorkflowOptions(set *deps.DependencySet, team client.GroupID) []Option {
	var allowed map[client.WorkflowID]bool
	if team != "" {
		allowed = map[client.WorkflowID]bool{}
		if g := set.Group(team); g != nil {
			for _, id := range g.WorkflowIDs {
				allowed[id] = true
			}
		}
	}

	out := []Option{}
	for _, w := range set.Workflows {
		if allowed != nil && !allowed[w.ID] {
			continue
		}
		out = append(out, Option{Label: w.Name, Value: formatID(w.ID)})
	}
	return out
}

// StateOptions lists the states of workflow in order
func StateOptions(set *deps.DependencySet, workflow client.WorkflowID) []Option {
	out := []Option{}
	w := set.Workflow(workflow)
	if w == nil {
		return out
	}
	for _, s := range w.States {
		out = append(out, Option{Label: s.Name, Value: formatID(s.ID)})
	}
	return out
}

// ProjectOptions lists the projects of workflow, or all projects when workflow is 0
func ProjectOptions(set *deps.DependencySet, workflow client.WorkflowID) []Option {
	out := []Option{NoneOption}
	for _, p := range set.Projects {
		if p.Archived || (workflow != 0 && p.WorkflowID != workflow) {
			continue
		}
		out = append(out, Option{Label: p.Name, Value: formatID(p.ID)})
	}
	return out
}

// EpicOptions lists the epics of project. Without a project only the epics
// that belong to no project are offered.
func EpicOptions(set *deps.DependencySet, project client.ProjectID) []Option {
	out := []Option{NoneOption}
	for _, e := range set.Epics {
		if e.Archived {
			continue
		}
		if project == 0 {
			if len(e.ProjectIDs) > 0 {
				continue
			}
		} else if !containsProject(e.ProjectIDs, project) {
			continue
		}
		out = append(out, Option{Label: e.Name, Value: formatID(e.ID)})
	}
	return out
}

// IterationOptions lists every iteration
func IterationOptions(set *deps.DependencySet) []Option {
	out := []Option{NoneOption}
	for _, it := range set.Iterations {
		out = append(out, Option{Label: it.Name, Value: formatID(it.ID)})
	}
	return out
}

// MemberOptions lists the members that are not disabled, for the requester,
// owner and follower pickers
func MemberOptions(set *deps.DependencySet) []Option {
	out := []Option{}
	for _, m := range set.Members {
		if !m.Disabled {
			out = append(out, Option{Label: m.Profile.Name, Value: string(m.ID)})
		}
	}
	return out
}

// LabelOptions lists the labels that are not archived
func LabelOptions(set *deps.DependencySet) []Option {
	out := []Option{}
	for _, l := range set.Labels {
		if !l.Archived {
			out = append(out, Option{Label: l.Name, Value: formatID(l.ID), Color: l.Color})
		}
	}
	return out
}

// CustomFieldOptions lists the values of a custom field, None first. A field
// without values has no options at all.
func CustomFieldOptions(field client.CustomField) []Option {
	if len(field.Values) == 0 {
		return []Option{}
	}
	out := []Option{NoneOption}
	for _, v := range field.Values {
		out = append(out, Option{Label: v.Value, Value: string(v.ID)})
	}
	return out
}

// DefaultRequester returns the member whose email matches the agent's, or "" if none does
func DefaultRequester(set *deps.DependencySet, agentEmail string) client.MemberID {
	if agentEmail == "" {
		return ""
	}
	for _, m := range set.Members {
		if strings.EqualFold(m.Profile.EmailAddress, agentEmail) {
			return m.ID
		}
	}
	return ""
}

func containsProject(ids []client.ProjectID, id client.ProjectID) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}

// FieldChoices are the options of one custom field, keyed by its form key
type FieldChoices struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Options []Option `json:"options"`
}

// FormOptions are every dropdown of the story form for the current choices
type FormOptions struct {
	Types            []Option        `json:"types"`
	Teams            []Option        `json:"teams"`
	Workflows        []Option        `json:"workflows"`
	States           []Option        `json:"states"`
	Projects         []Option        `json:"projects"`
	Epics            []Option        `json:"epics"`
	Iterations       []Option        `json:"iterations"`
	Members          []Option        `json:"members"`
	Labels           []Option        `json:"labels"`
	CustomFields     []FieldChoices  `json:"customFields"`
	DefaultRequester client.MemberID `json:"defaultRequester,omitempty"`
}

// BuildFormOptions cascades the dropdowns from the choices already made in
// form: workflows by team, states and projects by workflow, epics by project,
// custom fields by story type.
func BuildFormOptions(set *deps.DependencySet, form Form, agentEmail string) FormOptions {
	opts := FormOptions{
		Types:            TypeOptions(),
		Teams:            TeamOptions(set),
		Workflows:        WorkflowOptions(set, form.Team),
		States:           StateOptions(set, form.Workflow),
		Projects:         ProjectOptions(set, form.Workflow),
		Epics:            EpicOptions(set, form.Project),
		Iterations:       IterationOptions(set),
		Members:          MemberOptions(set),
		Labels:           LabelOptions(set),
		CustomFields:     []FieldChoices{},
		DefaultRequester: DefaultRequester(set, agentEmail),
	}
	if form.Type != "" {
		for _, f := range ApplicableFields(form.Type, set.CustomFields) {
			opts.CustomFields = append(opts.CustomFields, FieldChoices{
				Key:     FormKey(f.CanonicalName),
				Name:    f.Name,
				Options: CustomFieldOptions(f),
			})
		}
	}
	return opts
}
