package client

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockClient implements the Client interface with an in-memory tracker
type MockClient struct {
	// mu protects all fields for thread-safe concurrent access
	mu sync.RWMutex

	Stories      map[StoryID]*Story
	Groups       []Group
	Workflows    []Workflow
	Projects     []Project
	Epics        []Epic
	Iterations   []Iteration
	Members      []Member
	Labels       []Label
	CustomFields []CustomField
	Member       *CurrentMember

	// Errors maps an operation name (e.g. "GetStory", "ListEpics") to the error it returns
	Errors map[string]error

	// StoryErrors makes story-scoped operations fail for specific stories
	StoryErrors map[StoryID]error

	// SearchResults maps a query to the story ids it returns
	SearchResults map[string][]StoryID

	// Calls counts invocations per operation name
	Calls map[string]int

	CreatedComments []Comment
	CreatedLinks    []CreateStoryLinkRequest
	Updates         map[StoryID][]UpdateStoryRequest

	nextID int64
}

// NewMockClient creates a new mock story tracker client for testing
func NewMockClient() *MockClient {
	return &MockClient{
		Stories:       make(map[StoryID]*Story),
		Errors:        make(map[string]error),
		StoryErrors:   make(map[StoryID]error),
		SearchResults: make(map[string][]StoryID),
		Calls:         make(map[string]int),
		Updates:       make(map[StoryID][]UpdateStoryRequest),
		nextID:        1000,
	}
}

// begin records a call and returns the configured error for op, if any
func (m *MockClient) begin(ctx context.Context, op string) error {
	m.Calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.Errors[op]
}

func (m *MockClient) storyErr(id StoryID) error {
	if err, ok := m.StoryErrors[id]; ok {
		return err
	}
	if _, ok := m.Stories[id]; !ok {
		return &APIError{
			StatusCode: http.StatusNotFound,
			Method:     http.MethodGet,
			Endpoint:   "stories/" + id.String(),
			Data:       map[string]any{"message": "Resource not found."},
		}
	}
	return nil
}

// GetStory returns a copy of a stored story
func (m *MockClient) GetStory(ctx context.Context, id StoryID) (*Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "GetStory"); err != nil {
		return nil, err
	}
	if err := m.storyErr(id); err != nil {
		return nil, err
	}
	return cloneStory(m.Stories[id]), nil
}

// SearchStories returns the stories configured for query, or an empty list
func (m *MockClient) SearchStories(ctx context.Context, query string, pageSize int) ([]Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "SearchStories"); err != nil {
		return nil, err
	}

	out := []Story{}
	for _, id := range m.SearchResults[query] {
		if s, ok := m.Stories[id]; ok {
			out = append(out, *cloneStory(s))
		}
		if pageSize > 0 && len(out) >= pageSize {
			break
		}
	}
	return out, nil
}

// QueryStories filters stored stories by archived flag
func (m *MockClient) QueryStories(ctx context.Context, req StorySearchRequest) ([]Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "QueryStories"); err != nil {
		return nil, err
	}

	out := []Story{}
	for _, id := range m.sortedIDs() {
		s := m.Stories[id]
		if req.Archived != nil && s.Archived != *req.Archived {
			continue
		}
		out = append(out, *cloneStory(s))
	}
	return out, nil
}

// CreateStory stores a new story built from the request
func (m *MockClient) CreateStory(ctx context.Context, req *CreateStoryRequest) (*Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "CreateStory"); err != nil {
		return nil, err
	}
	if req == nil || req.Name == "" {
		return nil, &ClientError{Type: "validation_error", Message: "story name is required"}
	}

	m.nextID++
	story := &Story{
		ID:              StoryID(m.nextID),
		Name:            req.Name,
		Description:     req.Description,
		StoryType:       req.StoryType,
		AppURL:          fmt.Sprintf("https://app.example.com/story/%d", m.nextID),
		WorkflowStateID: req.WorkflowStateID,
		EpicID:          req.EpicID,
		IterationID:     req.IterationID,
		GroupID:         req.GroupID,
		ProjectID:       req.ProjectID,
		OwnerIDs:        append([]MemberID(nil), req.OwnerIDs...),
		FollowerIDs:     append([]MemberID(nil), req.FollowerIDs...),
		RequestedByID:   req.RequestedByID,
		CustomFields:    append([]StoryCustomField(nil), req.CustomFields...),
		ExternalLinks:   append([]string(nil), req.ExternalLinks...),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	m.setLabels(story, req.Labels)
	if req.WorkflowStateID != nil {
		story.WorkflowID = m.workflowForState(*req.WorkflowStateID)
	}
	m.Stories[story.ID] = story
	return cloneStory(story), nil
}

// UpdateStory applies the non-nil fields of the request
func (m *MockClient) UpdateStory(ctx context.Context, id StoryID, req *UpdateStoryRequest) (*Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "UpdateStory"); err != nil {
		return nil, err
	}
	if err := m.storyErr(id); err != nil {
		return nil, err
	}
	if req == nil {
		req = &UpdateStoryRequest{}
	}
	m.Updates[id] = append(m.Updates[id], *req)

	s := m.Stories[id]
	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.Description != nil {
		s.Description = *req.Description
	}
	if req.StoryType != nil {
		s.StoryType = *req.StoryType
	}
	if req.Archived != nil {
		s.Archived = *req.Archived
	}
	if req.GroupID != nil {
		s.GroupID = req.GroupID
	}
	if req.WorkflowStateID != nil {
		s.WorkflowStateID = req.WorkflowStateID
		s.WorkflowID = m.workflowForState(*req.WorkflowStateID)
	}
	if req.ProjectID != nil {
		s.ProjectID = req.ProjectID
	}
	if req.EpicID != nil {
		s.EpicID = req.EpicID
	}
	if req.IterationID != nil {
		s.IterationID = req.IterationID
	}
	if req.RequestedByID != nil {
		s.RequestedByID = *req.RequestedByID
	}
	if req.OwnerIDs != nil {
		s.OwnerIDs = append([]MemberID(nil), req.OwnerIDs...)
	}
	if req.FollowerIDs != nil {
		s.FollowerIDs = append([]MemberID(nil), req.FollowerIDs...)
	}
	if req.Labels != nil {
		m.setLabels(s, req.Labels)
	}
	if req.CustomFields != nil {
		s.CustomFields = append([]StoryCustomField(nil), req.CustomFields...)
	}
	if req.ExternalLinks != nil {
		s.ExternalLinks = append([]string(nil), req.ExternalLinks...)
	}
	for _, key := range req.Clear {
		switch key {
		case "epic_id":
			s.EpicID = nil
		case "iteration_id":
			s.IterationID = nil
		case "project_id":
			s.ProjectID = nil
		case "group_id":
			s.GroupID = nil
		}
	}
	s.UpdatedAt = time.Now()

	return cloneStory(s), nil
}

// CreateComment appends a comment to a stored story
func (m *MockClient) CreateComment(ctx context.Context, id StoryID, text string) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "CreateComment"); err != nil {
		return nil, err
	}
	if err := m.storyErr(id); err != nil {
		return nil, err
	}

	m.nextID++
	comment := Comment{ID: CommentID(m.nextID), StoryID: id, Text: text, CreatedAt: time.Now()}
	m.Stories[id].Comments = append(m.Stories[id].Comments, comment)
	m.CreatedComments = append(m.CreatedComments, comment)
	return &comment, nil
}

// CreateStoryLink records a story link on both stories
func (m *MockClient) CreateStoryLink(ctx context.Context, req CreateStoryLinkRequest) (*StoryLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "CreateStoryLink"); err != nil {
		return nil, err
	}
	if err := m.storyErr(req.SubjectID); err != nil {
		return nil, err
	}
	if err := m.storyErr(req.ObjectID); err != nil {
		return nil, err
	}

	m.nextID++
	link := StoryLink{ID: StoryLinkID(m.nextID), SubjectID: req.SubjectID, ObjectID: req.ObjectID, Verb: req.Verb}
	subject, object := link, link
	subject.Type, object.Type = "subject", "object"
	m.Stories[req.SubjectID].StoryLinks = append(m.Stories[req.SubjectID].StoryLinks, subject)
	m.Stories[req.ObjectID].StoryLinks = append(m.Stories[req.ObjectID].StoryLinks, object)
	m.CreatedLinks = append(m.CreatedLinks, req)
	return &link, nil
}

// CreateLabel adds a workspace label
func (m *MockClient) CreateLabel(ctx context.Context, req CreateLabelRequest) (*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "CreateLabel"); err != nil {
		return nil, err
	}
	m.nextID++
	label := Label{ID: LabelID(m.nextID), Name: req.Name, Color: req.Color}
	m.Labels = append(m.Labels, label)
	return &label, nil
}

// ListGroups returns the configured groups
func (m *MockClient) ListGroups(ctx context.Context) ([]Group, error) {
	return listCopy(ctx, m, "ListGroups", func() []Group { return m.Groups })
}

// ListWorkflows returns the configured workflows
func (m *MockClient) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	return listCopy(ctx, m, "ListWorkflows", func() []Workflow { return m.Workflows })
}

// ListProjects returns the configured projects
func (m *MockClient) ListProjects(ctx context.Context) ([]Project, error) {
	return listCopy(ctx, m, "ListProjects", func() []Project { return m.Projects })
}

// ListEpics returns the configured epics
func (m *MockClient) ListEpics(ctx context.Context) ([]Epic, error) {
	return listCopy(ctx, m, "ListEpics", func() []Epic { return m.Epics })
}

// ListIterations returns the configured iterations
func (m *MockClient) ListIterations(ctx context.Context) ([]Iteration, error) {
	return listCopy(ctx, m, "ListIterations", func() []Iteration { return m.Iterations })
}

// ListMembers returns the configured members
func (m *MockClient) ListMembers(ctx context.Context) ([]Member, error) {
	return listCopy(ctx, m, "ListMembers", func() []Member { return m.Members })
}

// ListLabels returns the configured labels
func (m *MockClient) ListLabels(ctx context.Context) ([]Label, error) {
	return listCopy(ctx, m, "ListLabels", func() []Label { return m.Labels })
}

// ListCustomFields returns the configured custom fields
func (m *MockClient) ListCustomFields(ctx context.Context) ([]CustomField, error) {
	return listCopy(ctx, m, "ListCustomFields", func() []CustomField { return m.CustomFields })
}

// GetCurrentMember returns the configured member
func (m *MockClient) GetCurrentMember(ctx context.Context) (*CurrentMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "GetCurrentMember"); err != nil {
		return nil, err
	}
	if m.Member == nil {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Method: http.MethodGet, Endpoint: "member",
			Data: map[string]any{"message": "Unauthorized"}}
	}
	member := *m.Member
	return &member, nil
}

// AddStory stores a story for testing
func (m *MockClient) AddStory(story *Story) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stories[story.ID] = cloneStory(story)
}

// Story returns a copy of a stored story, or nil
func (m *MockClient) Story(id StoryID) *Story {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.Stories[id]; ok {
		return cloneStory(s)
	}
	return nil
}

// SetError configures op to fail with err; a nil err clears it
func (m *MockClient) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, op)
		return
	}
	m.Errors[op] = err
}

// SetStoryError makes story-scoped operations on id fail with err
func (m *MockClient) SetStoryError(id StoryID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoryErrors[id] = err
}

// AddSearchResult configures the stories returned for a query
func (m *MockClient) AddSearchResult(query string, ids ...StoryID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchResults[query] = ids
}

// CallCount returns how often op was invoked
func (m *MockClient) CallCount(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[op]
}

// Comments returns the comments created through the mock
func (m *MockClient) Comments() []Comment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Comment(nil), m.CreatedComments...)
}

func listCopy[T any](ctx context.Context, m *MockClient, op string, get func() []T) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	src := get()
	out := make([]T, len(src))
	copy(out, src)
	return out, nil
}

func (m *MockClient) sortedIDs() []StoryID {
	ids := make([]StoryID, 0, len(m.Stories))
	for id := range m.Stories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MockClient) resolveLabels(params []LabelParams) []Label {
	out := make([]Label, 0, len(params))
	for _, p := range params {
		found := false
		for _, l := range m.Labels {
			if strings.EqualFold(l.Name, p.Name) {
				out = append(out, l)
				found = true
				break
			}
		}
		if !found {
			m.nextID++
			l := Label{ID: LabelID(m.nextID), Name: p.Name, Color: p.Color}
			m.Labels = append(m.Labels, l)
			out = append(out, l)
		}
	}
	return out
}

func (m *MockClient) setLabels(s *Story, params []LabelParams) {
	s.Labels = m.resolveLabels(params)
	s.LabelIDs = make([]LabelID, 0, len(s.Labels))
	for _, l := range s.Labels {
		s.LabelIDs = append(s.LabelIDs, l.ID)
	}
}

func (m *MockClient) workflowForState(state StateID) *WorkflowID {
	for _, w := range m.Workflows {
		for _, s := range w.States {
			if s.ID == state {
				id := w.ID
				return &id
			}
		}
	}
	return nil
}

func cloneStory(s *Story) *Story {
	if s == nil {
		return nil
	}
	c := *s
	c.OwnerIDs = append([]MemberID(nil), s.OwnerIDs...)
	c.FollowerIDs = append([]MemberID(nil), s.FollowerIDs...)
	c.LabelIDs = append([]LabelID(nil), s.LabelIDs...)
	c.Labels = append([]Label(nil), s.Labels...)
	c.CustomFields = append([]StoryCustomField(nil), s.CustomFields...)
	c.Comments = append([]Comment(nil), s.Comments...)
	c.ExternalLinks = append([]string(nil), s.ExternalLinks...)
	c.StoryLinks = append([]StoryLink(nil), s.StoryLinks...)
	return &c
}
