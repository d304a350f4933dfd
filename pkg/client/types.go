package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identifier kinds used by the story tracker. Numeric ids and string ids are
// distinct types so that a team id can never be compared against a project id.
type (
	StoryID            int64
	WorkflowID         int64
	StateID            int64
	ProjectID          int64
	EpicID             int64
	IterationID        int64
	LabelID            int64
	CommentID          int64
	StoryLinkID        int64
	GroupID            string
	MemberID           string
	CustomFieldID      string
	CustomFieldValueID string
)

func (id StoryID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseStoryID parses a decimal story id as used in association keys and URLs
func ParseStoryID(s string) (StoryID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid story id %q", s)
	}
	return StoryID(v), nil
}

// StoryType is the kind of a story
type StoryType string

const (
	StoryTypeFeature StoryType = "feature"
	StoryTypeBug     StoryType = "bug"
	StoryTypeChore   StoryType = "chore"
)

// StoryTypes lists the story types in display order
var StoryTypes = []StoryType{StoryTypeBug, StoryTypeChore, StoryTypeFeature}

// ParseStoryType validates a story type string
func ParseStoryType(s string) (StoryType, error) {
	switch t := StoryType(strings.ToLower(strings.TrimSpace(s))); t {
	case StoryTypeFeature, StoryTypeBug, StoryTypeChore:
		return t, nil
	}
	return "", fmt.Errorf("unknown story type %q", s)
}

// CanonicalName identifies the well known custom fields
type CanonicalName string

const (
	CanonicalTechnicalArea CanonicalName = "technical-area"
	CanonicalSkillSet      CanonicalName = "skill-set"
	CanonicalProductArea   CanonicalName = "product-area"
	CanonicalPriority      CanonicalName = "priority"
	CanonicalSeverity      CanonicalName = "severity"
)

// CanonicalNames lists every supported custom field canonical name
var CanonicalNames = []CanonicalName{
	CanonicalTechnicalArea, CanonicalSkillSet, CanonicalProductArea, CanonicalPriority, CanonicalSeverity,
}

// Link verbs understood by the story-links endpoint
const (
	VerbRelatesTo  = "relates to"
	VerbBlocks     = "blocks"
	VerbDuplicates = "duplicates"
)

// Icon is a display icon reference
type Icon struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

// Story is a story record as returned by the tracker
type Story struct {
	ID              StoryID            `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	AppURL          string             `json:"app_url"`
	StoryType       StoryType          `json:"story_type"`
	Archived        bool               `json:"archived"`
	WorkflowID      *WorkflowID        `json:"workflow_id"`
	WorkflowStateID *StateID           `json:"workflow_state_id"`
	EpicID          *EpicID            `json:"epic_id"`
	IterationID     *IterationID       `json:"iteration_id"`
	GroupID         *GroupID           `json:"group_id"`
	ProjectID       *ProjectID         `json:"project_id"`
	OwnerIDs        []MemberID         `json:"owner_ids"`
	FollowerIDs     []MemberID         `json:"follower_ids"`
	RequestedByID   MemberID           `json:"requested_by_id"`
	LabelIDs        []LabelID          `json:"label_ids"`
	Labels          []Label            `json:"labels"`
	CustomFields    []StoryCustomField `json:"custom_fields"`
	Comments        []Comment          `json:"comments"`
	ExternalLinks   []string           `json:"external_links"`
	StoryLinks      []StoryLink        `json:"story_links"`
	Deadline        *time.Time         `json:"deadline"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Group is a team
type Group struct {
	ID          GroupID      `json:"id"`
	Name        string       `json:"name"`
	MentionName string       `json:"mention_name"`
	Archived    bool         `json:"archived"`
	WorkflowIDs []WorkflowID `json:"workflow_ids"`
	DisplayIcon *Icon        `json:"display_icon"`
}

// WorkflowState is one state of a workflow
type WorkflowState struct {
	ID       StateID `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position int     `json:"position"`
}

// Workflow owns an ordered list of states
type Workflow struct {
	ID           WorkflowID      `json:"id"`
	Name         string          `json:"name"`
	DefaultState StateID         `json:"default_state_id"`
	States       []WorkflowState `json:"states"`
}

// Project groups stories within a workflow
type Project struct {
	ID         ProjectID  `json:"id"`
	Name       string     `json:"name"`
	Archived   bool       `json:"archived"`
	WorkflowID WorkflowID `json:"workflow_id"`
}

// Epic is a collection of stories, optionally scoped to projects
type Epic struct {
	ID         EpicID      `json:"id"`
	Name       string      `json:"name"`
	AppURL     string      `json:"app_url"`
	Archived   bool        `json:"archived"`
	ProjectIDs []ProjectID `json:"project_ids"`
	Labels     []Label     `json:"labels"`
}

// Iteration is a time-boxed sprint
type Iteration struct {
	ID     IterationID `json:"id"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
}

// Profile carries the display attributes of a member
type Profile struct {
	Name         string `json:"name"`
	MentionName  string `json:"mention_name"`
	EmailAddress string `json:"email_address"`
	Deactivated  bool   `json:"deactivated"`
	DisplayIcon  *Icon  `json:"display_icon"`
}

// Member is a workspace member
type Member struct {
	ID       MemberID  `json:"id"`
	Disabled bool      `json:"disabled"`
	Role     string    `json:"role"`
	GroupIDs []GroupID `json:"group_ids"`
	Profile  Profile   `json:"profile"`
}

// Label is a story label
type Label struct {
	ID       LabelID `json:"id"`
	Name     string  `json:"name"`
	Color    string  `json:"color"`
	Archived bool    `json:"archived"`
	AppURL   string  `json:"app_url,omitempty"`
}

// CustomFieldValue is one enumerated value of a custom field
type CustomFieldValue struct {
	ID       CustomFieldValueID `json:"id"`
	Value    string             `json:"value"`
	Position int                `json:"position"`
	Enabled  bool               `json:"enabled"`
}

// CustomField is an enum custom field definition. A nil StoryTypes applies to
// every type; an empty one applies to none, so the tag keeps the two apart.
type CustomField struct {
	ID            CustomFieldID      `json:"id"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	CanonicalName CanonicalName      `json:"canonical_name"`
	Enabled       bool               `json:"enabled"`
	StoryTypes    []StoryType        `json:"story_types"`
	Values        []CustomFieldValue `json:"values"`
}

// AppliesTo reports whether the field can be set on stories of type t
func (f CustomField) AppliesTo(t StoryType) bool {
	if f.StoryTypes == nil {
		return true
	}
	for _, st := range f.StoryTypes {
		if st == t {
			return true
		}
	}
	return false
}

// StoryCustomField is a custom field assignment on a story
type StoryCustomField struct {
	FieldID CustomFieldID      `json:"field_id"`
	ValueID CustomFieldValueID `json:"value_id"`
	Value   string             `json:"value,omitempty"`
}

// Comment is a story comment
type Comment struct {
	ID        CommentID `json:"id"`
	StoryID   StoryID   `json:"story_id"`
	AuthorID  MemberID  `json:"author_id"`
	Text      string    `json:"text"`
	Deleted   bool      `json:"deleted"`
	AppURL    string    `json:"app_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoryLink is a typed directed relation between two stories. Type is the
// role of the story the link was read from: "subject" or "object".
type StoryLink struct {
	ID        StoryLinkID `json:"id"`
	SubjectID StoryID     `json:"subject_id"`
	ObjectID  StoryID     `json:"object_id"`
	Verb      string      `json:"verb"`
	Type      string      `json:"type"`
}

// CurrentMember is the member that owns the API token
type CurrentMember struct {
	ID          MemberID `json:"id"`
	Name        string   `json:"name"`
	MentionName string   `json:"mention_name"`
}

// SearchResults is a page of the story search endpoint
type SearchResults struct {
	Data  []Story `json:"data"`
	Next  *string `json:"next"`
	Total int     `json:"total"`
}

// LabelParams references a label by name, creating it when it does not exist
type LabelParams struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// CreateStoryRequest is the body of POST /stories
type CreateStoryRequest struct {
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	StoryType       StoryType          `json:"story_type"`
	Labels          []LabelParams      `json:"labels,omitempty"`
	FollowerIDs     []MemberID         `json:"follower_ids,omitempty"`
	OwnerIDs        []MemberID         `json:"owner_ids,omitempty"`
	GroupID         *GroupID           `json:"group_id,omitempty"`
	WorkflowStateID *StateID           `json:"workflow_state_id,omitempty"`
	ProjectID       *ProjectID         `json:"project_id,omitempty"`
	EpicID          *EpicID            `json:"epic_id,omitempty"`
	IterationID     *IterationID       `json:"iteration_id,omitempty"`
	RequestedByID   MemberID           `json:"requested_by_id,omitempty"`
	CustomFields    []StoryCustomField `json:"custom_fields,omitempty"`
	ExternalLinks   []string           `json:"external_links,omitempty"`
}

// UpdateStoryRequest is the body of PUT /stories/{id}. Nil fields are left
// untouched; non-nil slices are sent even when empty. Fields named in Clear
// are sent as null.
type UpdateStoryRequest struct {
	Name            *string
	Description     *string
	StoryType       *StoryType
	Archived        *bool
	GroupID         *GroupID
	WorkflowStateID *StateID
	ProjectID       *ProjectID
	EpicID          *EpicID
	IterationID     *IterationID
	RequestedByID   *MemberID
	OwnerIDs        []MemberID
	FollowerIDs     []MemberID
	Labels          []LabelParams
	CustomFields    []StoryCustomField
	ExternalLinks   []string
	Clear           []string
}

// MarshalJSON implements json.Marshaler
func (r UpdateStoryRequest) MarshalJSON() ([]byte, error) {
	body := map[string]any{}
	put := func(key string, set bool, v any) {
		if set {
			body[key] = v
		}
	}

	put("name", r.Name != nil, r.Name)
	put("description", r.Description != nil, r.Description)
	put("story_type", r.StoryType != nil, r.StoryType)
	put("archived", r.Archived != nil, r.Archived)
	put("group_id", r.GroupID != nil, r.GroupID)
	put("workflow_state_id", r.WorkflowStateID != nil, r.WorkflowStateID)
	put("project_id", r.ProjectID != nil, r.ProjectID)
	put("epic_id", r.EpicID != nil, r.EpicID)
	put("iteration_id", r.IterationID != nil, r.IterationID)
	put("requested_by_id", r.RequestedByID != nil, r.RequestedByID)
	put("owner_ids", r.OwnerIDs != nil, r.OwnerIDs)
	put("follower_ids", r.FollowerIDs != nil, r.FollowerIDs)
	put("labels", r.Labels != nil, r.Labels)
	put("custom_fields", r.CustomFields != nil, r.CustomFields)
	put("external_links", r.ExternalLinks != nil, r.ExternalLinks)

	for _, key := range r.Clear {
		body[key] = nil
	}

	return json.Marshal(body)
}

// StorySearchRequest is the body of POST /stories/search
type StorySearchRequest struct {
	Archived  *bool      `json:"archived,omitempty"`
	LabelIDs  []LabelID  `json:"label_ids,omitempty"`
	ProjectID *ProjectID `json:"project_id,omitempty"`
}

// CreateLabelRequest is the body of POST /labels
type CreateLabelRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// CreateCommentRequest is the body of POST /stories/{id}/comments
type CreateCommentRequest struct {
	Text string `json:"text"`
}

// CreateStoryLinkRequest is the body of POST /story-links
type CreateStoryLinkRequest struct {
	SubjectID StoryID `json:"subject_id"`
	ObjectID  StoryID `json:"object_id"`
	Verb      string  `json:"verb"`
}

// Ptr returns a pointer to v, handy for optional request fields
func Ptr[T any](v T) *T {
	return &v
}
