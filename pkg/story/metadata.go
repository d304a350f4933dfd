package story

import (
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
)

// MetadataLabel is a label in an association snapshot
type MetadataLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Metadata is the snapshot stored with a story-to-ticket association. It is a
// display cache and may lag behind the live story until the next resync.
type Metadata struct {
	Archived      bool            `json:"archived"`
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	ProjectID     string          `json:"projectId,omitempty"`
	ProjectName   string          `json:"projectName,omitempty"`
	WorkflowID    string          `json:"workflowId,omitempty"`
	WorkflowName  string          `json:"workflowName,omitempty"`
	StatusID      string          `json:"statusId,omitempty"`
	StatusName    string          `json:"statusName,omitempty"`
	TeamID        string          `json:"teamId,omitempty"`
	TeamName      string          `json:"teamName,omitempty"`
	IterationID   string          `json:"iterationId,omitempty"`
	IterationName string          `json:"iterationName,omitempty"`
	EpicID        string          `json:"epicId,omitempty"`
	EpicName      string          `json:"epicName,omitempty"`
	Labels        []MetadataLabel `json:"labels"`
}

// BuildMetadata snapshots s against set. References that do not resolve are left empty.
func BuildMetadata(s *client.Story, set *deps.DependencySet) Metadata {
	r := Resolve(s, set)

	md := Metadata{
		Archived: r.Archived,
		ID:       r.ID.String(),
		Name:     r.Name,
		Type:     string(r.Type),
		Labels:   make([]MetadataLabel, 0, len(r.Labels)),
	}
	if r.Project != nil {
		md.ProjectID, md.ProjectName = formatID(r.Project.ID), r.Project.Name
	}
	if r.Workflow != nil {
		md.WorkflowID, md.WorkflowName = formatID(r.Workflow.ID), r.Workflow.Name
	}
	if r.State != nil {
		md.StatusID, md.StatusName = formatID(r.State.ID), r.State.Name
	}
	if r.Group != nil {
		md.TeamID, md.TeamName = string(r.Group.ID), r.Group.Name
	}
	if r.Iteration != nil {
		md.IterationID, md.IterationName = formatID(r.Iteration.ID), r.Iteration.Name
	}
	if r.Epic != nil {
		md.EpicID, md.EpicName = formatID(r.Epic.ID), r.Epic.Name
	}
	for _, l := range r.Labels {
		md.Labels = append(md.Labels, MetadataLabel{ID: formatID(l.ID), Name: l.Name})
	}
	return md
}
