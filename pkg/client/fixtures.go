package client

// Workspace fixture ids used by SeedWorkspace
const (
	FixtureTeamA        GroupID            = "g-1"
	FixtureTeamB        GroupID            = "g-2"
	FixtureTeamArchived GroupID            = "g-3"
	FixtureEngineering  WorkflowID         = 1
	FixtureSupport      WorkflowID         = 2
	FixtureInProgress   StateID            = 102
	FixtureTriage       StateID            = 201
	FixtureWeb          ProjectID          = 11
	FixtureHelpdesk     ProjectID          = 21
	FixtureLoginEpic    EpicID             = 31
	FixtureLooseEpic    EpicID             = 32
	FixtureSprint       IterationID        = 41
	FixtureAlice        MemberID           = "m-1"
	FixtureBob          MemberID           = "m-2"
	FixtureBackend      LabelID            = 51
	FixtureSeverity     CustomFieldID      = "cf-sev"
	FixturePriority     CustomFieldID      = "cf-pri"
	FixtureHigh         CustomFieldValueID = "v-high"
	FixtureP1           CustomFieldValueID = "v-p1"
	FixtureLoginStory   StoryID            = 1
	FixtureOrphanStory  StoryID            = 2
)

// SeedWorkspace fills the mock with a small, fully cross-referenced workspace
// and two stories: one whose references all resolve and one whose references
// all dangle.
func (m *MockClient) SeedWorkspace() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Groups = []Group{
		{ID: FixtureTeamA, Name: "Team A", WorkflowIDs: []WorkflowID{FixtureEngineering}},
		{ID: FixtureTeamB, Name: "Team B", WorkflowIDs: []WorkflowID{FixtureSupport}},
		{ID: FixtureTeamArchived, Name: "Old Team", Archived: true},
	}
	m.Workflows = []Workflow{
		{ID: FixtureEngineering, Name: "Engineering", DefaultState: 101, States: []WorkflowState{
			{ID: 101, Name: "Unstarted", Type: "unstarted"},
			{ID: FixtureInProgress, Name: "In Progress", Type: "started", Position: 1},
			{ID: 103, Name: "Done", Type: "done", Position: 2},
		}},
		{ID: FixtureSupport, Name: "Support", DefaultState: FixtureTriage, States: []WorkflowState{
			{ID: FixtureTriage, Name: "Triage", Type: "unstarted"},
			{ID: 202, Name: "Closed", Type: "done", Position: 1},
		}},
	}
	m.Projects = []Project{
		{ID: FixtureWeb, Name: "Web", WorkflowID: FixtureEngineering},
		{ID: 12, Name: "Mobile", WorkflowID: FixtureEngineering},
		{ID: FixtureHelpdesk, Name: "Helpdesk", WorkflowID: FixtureSupport},
	}
	m.Epics = []Epic{
		{ID: FixtureLoginEpic, Name: "Login revamp", ProjectIDs: []ProjectID{FixtureWeb}},
		{ID: FixtureLooseEpic, Name: "Standalone"},
	}
	m.Iterations = []Iteration{{ID: FixtureSprint, Name: "Sprint 1", Status: "started"}}
	m.Members = []Member{
		{ID: FixtureAlice, Profile: Profile{Name: "Alice", MentionName: "alice", EmailAddress: "Alice@Example.com",
			DisplayIcon: &Icon{URL: "https://cdn.example.com/alice.png"}}},
		{ID: FixtureBob, Disabled: true, Profile: Profile{Name: "Bob", MentionName: "bob", EmailAddress: "bob@example.com"}},
	}
	m.Labels = []Label{
		{ID: FixtureBackend, Name: "backend", Color: "#00ff00"},
		{ID: 52, Name: "legacy", Archived: true},
	}
	m.CustomFields = []CustomField{
		{ID: FixtureSeverity, Name: "Severity", CanonicalName: CanonicalSeverity, Enabled: true,
			StoryTypes: []StoryType{StoryTypeFeature, StoryTypeChore},
			Values: []CustomFieldValue{
				{ID: FixtureHigh, Value: "High", Enabled: true},
				{ID: "v-low", Value: "Low", Position: 1, Enabled: true},
			}},
		{ID: FixturePriority, Name: "Priority", CanonicalName: CanonicalPriority, Enabled: true,
			Values: []CustomFieldValue{
				{ID: FixtureP1, Value: "P1", Enabled: true},
				{ID: "v-p2", Value: "P2", Position: 1, Enabled: true},
			}},
		{ID: "cf-skill", Name: "Skill Set", CanonicalName: CanonicalSkillSet, Enabled: false,
			Values: []CustomFieldValue{{ID: "v-go", Value: "Go", Enabled: true}}},
	}
	m.Member = &CurrentMember{ID: FixtureAlice, Name: "Alice", MentionName: "alice"}

	wf, state, epic, iteration := FixtureEngineering, FixtureInProgress, FixtureLoginEpic, FixtureSprint
	group, project := FixtureTeamA, FixtureWeb
	m.Stories[FixtureLoginStory] = &Story{
		ID:              FixtureLoginStory,
		Name:            "Login bug",
		Description:     "Users cannot log in, see [the report](https://example.com/report).",
		AppURL:          "https://app.example.com/story/1",
		StoryType:       StoryTypeBug,
		WorkflowID:      &wf,
		WorkflowStateID: &state,
		EpicID:          &epic,
		IterationID:     &iteration,
		GroupID:         &group,
		ProjectID:       &project,
		OwnerIDs:        []MemberID{FixtureAlice, "m-404"},
		RequestedByID:   FixtureAlice,
		LabelIDs:        []LabelID{FixtureBackend},
		Labels:          []Label{{ID: FixtureBackend, Name: "backend", Color: "#00ff00"}},
		CustomFields: []StoryCustomField{
			{FieldID: FixturePriority, ValueID: FixtureP1, Value: "P1"},
			{FieldID: FixtureSeverity, ValueID: FixtureHigh, Value: "High"},
		},
	}

	dangling := StateID(999)
	badEpic, badIteration, badGroup, badProject := EpicID(998), IterationID(997), GroupID("g-404"), ProjectID(996)
	m.Stories[FixtureOrphanStory] = &Story{
		ID:              FixtureOrphanStory,
		Name:            "Orphan",
		AppURL:          "https://app.example.com/story/2",
		StoryType:       StoryTypeFeature,
		WorkflowStateID: &dangling,
		EpicID:          &badEpic,
		IterationID:     &badIteration,
		GroupID:         &badGroup,
		ProjectID:       &badProject,
		OwnerIDs:        []MemberID{"m-404"},
		LabelIDs:        []LabelID{404},
		CustomFields:    []StoryCustomField{{FieldID: "cf-404", ValueID: "v-404"}},
	}
}
