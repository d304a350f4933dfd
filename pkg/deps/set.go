// Package deps fetches the reference collections a story refers to and
// exposes them as one indexed, read-only dependency set.
package deps

import (
	"sync"

	"github.com/chambrid/storylink/pkg/client"
)

// DependencySet is a snapshot of every reference collection taken by a
// single fetch. It must not be mutated after it has been handed out.
type DependencySet struct {
	Groups       []client.Group       `json:"groups"`
	Workflows    []client.Workflow    `json:"workflows"`
	Projects     []client.Project     `json:"projects"`
	Epics        []client.Epic        `json:"epics"`
	Iterations   []client.Iteration   `json:"iterations"`
	Members      []client.Member      `json:"members"`
	Labels       []client.Label       `json:"labels"`
	CustomFields []client.CustomField `json:"custom_fields"`

	once sync.Once
	idx  *index
}

type index struct {
	groups        map[client.GroupID]*client.Group
	workflows     map[client.WorkflowID]*client.Workflow
	states        map[client.StateID]*client.WorkflowState
	stateWorkflow map[client.StateID]*client.Workflow
	projects      map[client.ProjectID]*client.Project
	epics         map[client.EpicID]*client.Epic
	iterations    map[client.IterationID]*client.Iteration
	members       map[client.MemberID]*client.Member
	labels        map[client.LabelID]*client.Label
	customFields  map[client.CustomFieldID]*client.CustomField
	allStates     []client.WorkflowState
}

func (d *DependencySet) lookup() *index {
	d.once.Do(func() {
		idx := &index{
			groups:        make(map[client.GroupID]*client.Group, len(d.Groups)),
			workflows:     make(map[client.WorkflowID]*client.Workflow, len(d.Workflows)),
			states:        make(map[client.StateID]*client.WorkflowState),
			stateWorkflow: make(map[client.StateID]*client.Workflow),
			projects:      make(map[client.ProjectID]*client.Project, len(d.Projects)),
			epics:         make(map[client.EpicID]*client.Epic, len(d.Epics)),
			iterations:    make(map[client.IterationID]*client.Iteration, len(d.Iterations)),
			members:       make(map[client.MemberID]*client.Member, len(d.Members)),
			labels:        make(map[client.LabelID]*client.Label, len(d.Labels)),
			customFields:  make(map[client.CustomFieldID]*client.CustomField, len(d.CustomFields)),
		}
		for i := range d.Groups {
			idx.groups[d.Groups[i].ID] = &d.Groups[i]
		}
		for i := range d.Workflows {
			wf := &d.Workflows[i]
			idx.workflows[wf.ID] = wf
			for j := range wf.States {
				st := &wf.States[j]
				// first workflow wins if a state id is ever listed twice
				if _, seen := idx.states[st.ID]; !seen {
					idx.states[st.ID] = st
					idx.stateWorkflow[st.ID] = wf
				}
				idx.allStates = append(idx.allStates, *st)
			}
		}
		for i := range d.Projects {
			idx.projects[d.Projects[i].ID] = &d.Projects[i]
		}
		for i := range d.Epics {
			idx.epics[d.Epics[i].ID] = &d.Epics[i]
		}
		for i := range d.Iterations {
			idx.iterations[d.Iterations[i].ID] = &d.Iterations[i]
		}
		for i := range d.Members {
			idx.members[d.Members[i].ID] = &d.Members[i]
		}
		for i := range d.Labels {
			idx.labels[d.Labels[i].ID] = &d.Labels[i]
		}
		for i := range d.CustomFields {
			idx.customFields[d.CustomFields[i].ID] = &d.CustomFields[i]
		}
		d.idx = idx
	})
	return d.idx
}

// Group returns the group with id, or nil
func (d *DependencySet) Group(id client.GroupID) *client.Group {
	return d.lookup().groups[id]
}

// Workflow returns the workflow with id, or nil
func (d *DependencySet) Workflow(id client.WorkflowID) *client.Workflow {
	return d.lookup().workflows[id]
}

// State returns the workflow state with id, or nil
func (d *DependencySet) State(id client.StateID) *client.WorkflowState {
	return d.lookup().states[id]
}

// WorkflowForState returns the workflow whose state list contains id, or nil
func (d *DependencySet) WorkflowForState(id client.StateID) *client.Workflow {
	return d.lookup().stateWorkflow[id]
}

// States returns every workflow state flattened in workflow order
func (d *DependencySet) States() []client.WorkflowState {
	return d.lookup().allStates
}

// Project returns the project with id, or nil
func (d *DependencySet) Project(id client.ProjectID) *client.Project {
	return d.lookup().projects[id]
}

// Epic returns the epic with id, or nil
func (d *DependencySet) Epic(id client.EpicID) *client.Epic {
	return d.lookup().epics[id]
}

// Iteration returns the iteration with id, or nil
func (d *DependencySet) Iteration(id client.IterationID) *client.Iteration {
	return d.lookup().iterations[id]
}

// Member returns the member with id, or nil
func (d *DependencySet) Member(id client.MemberID) *client.Member {
	return d.lookup().members[id]
}

// Label returns the label with id, or nil
func (d *DependencySet) Label(id client.LabelID) *client.Label {
	return d.lookup().labels[id]
}

// CustomField returns the custom field definition with id, or nil
func (d *DependencySet) CustomField(id client.CustomFieldID) *client.CustomField {
	return d.lookup().customFields[id]
}

// LabelNames maps label ids to label names, skipping ids that are unknown
func (d *DependencySet) LabelNames(ids []client.LabelID) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if l := d.Label(id); l != nil {
			names = append(names, l.Name)
		}
	}
	return names
}
