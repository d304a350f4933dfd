package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/storylink/pkg/config"
	"github.com/chambrid/storylink/pkg/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*ShortcutClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Options{
		BaseURL:  server.URL + "/api/v3",
		Token:    "test-token",
		Log:      logr.Discard(),
		Recorder: metrics.NewRecorder(),
	})
	require.NoError(t, err)
	return c, server
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{BaseURL: "https://tracker.example.com"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestNewAdminClient_RequiresAdminToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIToken = "shared"

	_, err := NewAdminClient(cfg, logr.Discard(), nil)
	require.Error(t, err)

	cfg.AdminToken = "admin"
	c, err := NewAdminClient(cfg, logr.Discard(), nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestShortcutClient_GetStory(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v3/stories/42", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Shortcut-Token"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id":                42,
			"name":              "Login fails",
			"story_type":        "bug",
			"workflow_state_id": 500,
			"epic_id":           nil,
			"owner_ids":         []string{"m-1"},
			"external_links":    []string{"https://helpdesk.example.com/t/1"},
		})
	})

	story, err := c.GetStory(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, StoryID(42), story.ID)
	assert.Equal(t, StoryTypeBug, story.StoryType)
	require.NotNil(t, story.WorkflowStateID)
	assert.Equal(t, StateID(500), *story.WorkflowStateID)
	assert.Nil(t, story.EpicID)
	assert.Equal(t, []MemberID{"m-1"}, story.OwnerIDs)
}

func TestShortcutClient_GetStory_InvalidID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := c.GetStory(context.Background(), 0)
	assert.True(t, IsValidationError(err))
}

func TestShortcutClient_SearchStories(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/search/stories", r.URL.Path)
		assert.Equal(t, "login bug", r.URL.Query().Get("query"))
		assert.Equal(t, "25", r.URL.Query().Get("page_size"))
		if r.URL.Query().Get("query") == "login bug" {
			writeJSON(t, w, http.StatusOK, map[string]any{"data": []any{}, "total": 0})
			return
		}
	})

	stories, err := c.SearchStories(context.Background(), "login bug", 25)
	require.NoError(t, err)
	assert.NotNil(t, stories)
	assert.Empty(t, stories)
}

func TestShortcutClient_SearchStories_BlankQuery(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("blank queries must not reach the tracker")
	})

	stories, err := c.SearchStories(context.Background(), "   ", 25)
	require.NoError(t, err)
	assert.NotNil(t, stories)
	assert.Empty(t, stories)
}

func TestShortcutClient_APIError_JSONBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnprocessableEntity, map[string]any{
			"message": "The request included invalid or missing parameters.",
			"errors":  map[string]any{"name": "missing"},
		})
	})

	_, err := c.CreateStory(context.Background(), &CreateStoryRequest{Name: "x", StoryType: StoryTypeBug})
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "POST", apiErr.Method)
	assert.Equal(t, "The request included invalid or missing parameters.", apiErr.Message())
	assert.Equal(t, map[string]string{"name": "missing"}, apiErr.FieldErrors())
	assert.Equal(t, "The request included invalid or missing parameters.", UserMessage(err))
}

func TestShortcutClient_APIError_NonJSONBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := c.GetStory(context.Background(), 7)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)

	data, ok := apiErr.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, UnrecognisedErrorMessage, data["message"])
	assert.Equal(t, "<html>bad gateway</html>", data["raw"])
	assert.Equal(t, UnrecognisedErrorMessage, apiErr.Message())
}

func TestShortcutClient_APIError_Helpers(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, IsNotFoundError},
		{http.StatusUnauthorized, IsAuthenticationError},
		{http.StatusForbidden, IsAuthorizationError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.GetStory(context.Background(), 1)
			assert.True(t, tt.check(err))
		})
	}

	assert.False(t, IsNotFoundError(errors.New("plain")))
	assert.Equal(t, GenericErrorMessage, (&APIError{StatusCode: 500}).Message())
}

func TestShortcutClient_CreateStory_MissingID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]any{"name": "no id"})
	})

	_, err := c.CreateStory(context.Background(), &CreateStoryRequest{Name: "no id", StoryType: StoryTypeChore})
	var clientErr *ClientError
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, "decode_error", clientErr.Type)
}

func TestShortcutClient_UpdateStory_Body(t *testing.T) {
	var body map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		writeJSON(t, w, http.StatusOK, map[string]any{"id": 9})
	})

	_, err := c.UpdateStory(context.Background(), 9, &UpdateStoryRequest{
		Name:          Ptr("Renamed"),
		ExternalLinks: []string{},
		Clear:         []string{"epic_id"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", body["name"])
	assert.Equal(t, []any{}, body["external_links"])
	v, present := body["epic_id"]
	assert.True(t, present)
	assert.Nil(t, v)
	_, present = body["labels"]
	assert.False(t, present)
}

func TestShortcutClient_ListEndpoints(t *testing.T) {
	paths := map[string]any{
		"/api/v3/groups":        []map[string]any{{"id": "g-1", "name": "Core", "workflow_ids": []int{1}}},
		"/api/v3/workflows":     []map[string]any{{"id": 1, "name": "Dev", "states": []map[string]any{{"id": 10, "name": "Todo"}}}},
		"/api/v3/projects":      []map[string]any{{"id": 3, "name": "API", "workflow_id": 1}},
		"/api/v3/epics":         []map[string]any{{"id": 4, "name": "Auth", "project_ids": []int{3}}},
		"/api/v3/iterations":    []map[string]any{{"id": 5, "name": "Sprint 1"}},
		"/api/v3/members":       []map[string]any{{"id": "m-1", "profile": map[string]any{"name": "Ada"}}},
		"/api/v3/labels":        []map[string]any{{"id": 6, "name": "Deskpro"}},
		"/api/v3/custom-fields": []map[string]any{{"id": "cf-1", "canonical_name": "priority", "enabled": true}},
	}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		v, ok := paths[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, http.StatusOK, v)
	})
	ctx := context.Background()

	groups, err := c.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []WorkflowID{1}, groups[0].WorkflowIDs)

	workflows, err := c.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateID(10), workflows[0].States[0].ID)

	projects, err := c.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, WorkflowID(1), projects[0].WorkflowID)

	epics, err := c.ListEpics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProjectID{3}, epics[0].ProjectIDs)

	iterations, err := c.ListIterations(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Sprint 1", iterations[0].Name)

	members, err := c.ListMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", members[0].Profile.Name)

	labels, err := c.ListLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Deskpro", labels[0].Name)

	fields, err := c.ListCustomFields(ctx)
	require.NoError(t, err)
	assert.Equal(t, CanonicalPriority, fields[0].CanonicalName)
	assert.Nil(t, fields[0].StoryTypes)
}

func TestShortcutClient_CreateStoryLink_Self(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.CreateStoryLink(context.Background(), CreateStoryLinkRequest{SubjectID: 1, ObjectID: 1, Verb: VerbBlocks})
	assert.True(t, IsValidationError(err))
}

func TestShortcutClient_CanceledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"id": 1})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetStory(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseStoryID(t *testing.T) {
	id, err := ParseStoryID(" 123 ")
	require.NoError(t, err)
	assert.Equal(t, StoryID(123), id)

	for _, bad := range []string{"", "abc", "0", "-4"} {
		_, err := ParseStoryID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseStoryType(t *testing.T) {
	st, err := ParseStoryType("Bug")
	require.NoError(t, err)
	assert.Equal(t, StoryTypeBug, st)

	_, err = ParseStoryType("epic")
	assert.Error(t, err)
}

func TestCustomField_AppliesTo(t *testing.T) {
	all := CustomField{}
	assert.True(t, all.AppliesTo(StoryTypeBug))

	restricted := CustomField{StoryTypes: []StoryType{StoryTypeFeature}}
	assert.True(t, restricted.AppliesTo(StoryTypeFeature))
	assert.False(t, restricted.AppliesTo(StoryTypeBug))

	none := CustomField{StoryTypes: []StoryType{}}
	assert.False(t, none.AppliesTo(StoryTypeChore))
}
