package widget

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/storylink/pkg/association"
	"github.com/chambrid/storylink/pkg/cache"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/saga"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/state"
	"github.com/chambrid/storylink/pkg/store"
	"github.com/chambrid/storylink/pkg/story"
)

var ticket = store.TicketContext{
	TicketID:     "42",
	PermalinkURL: "https://support.example.com/app#/t/ticket/42",
	AgentEmail:   "alice@example.com",
}

type fixture struct {
	deps   Deps
	client *client.MockClient
	hosts  *host.MemoryStore
	ui     *host.MemoryUI
	sel    *selection.Synchronizer
}

func newFixture() *fixture {
	f := &fixture{
		client: client.NewMockClient(),
		hosts:  host.NewMemoryStore(),
		ui:     host.NewMemoryUI(),
	}
	f.client.SeedWorkspace()
	rec := metrics.NewRecorder()
	f.sel = selection.NewSynchronizer(f.hosts, f.ui, f.client, selection.Options{
		Features: selection.Features{CommentOnNote: true, CommentOnEmail: true},
	}, logr.Discard(), rec)
	resolver := deps.NewResolver(f.client, cache.NewMemoryCache(), time.Minute, logr.Discard(), rec)
	runner := saga.NewRunner(state.NewMockJournal(), saga.Options{}, logr.Discard(), rec)
	mgr := association.NewManager(f.client, f.hosts, f.sel, resolver, runner, association.Options{
		HelpdeskLabel: story.HelpdeskLabel{Enabled: true, Name: "Deskpro", Color: "#4196d4"},
		SelectOnLink:  true,
	}, logr.Discard(), rec)
	f.deps = Deps{Client: f.client, Resolver: resolver, Manager: mgr, Selections: f.sel, UI: f.ui}
	return f
}

func (f *fixture) mount(t *testing.T, opts Options) *Widget {
	t.Helper()
	w := New(ticket, f.deps, opts, logr.Discard())
	require.NoError(t, w.Mount(context.Background()))
	t.Cleanup(w.Close)
	return w
}

func types(entries []store.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func TestMount_NothingLinkedLandsOnLink(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})

	st := w.State()
	assert.Equal(t, store.PageLink, st.Page)
	require.NotNil(t, st.Context)
	assert.Equal(t, "42", st.Context.TicketID)
	assert.NotNil(t, st.Dependencies)
	assert.Empty(t, st.Linked.List)
	assert.False(t, st.Linked.Loading)
	assert.Equal(t, 0, f.ui.BadgeCount())

	assert.Equal(t, []string{
		"loadContext", "loadDataDependencies", "linkedStoriesListLoading", "linkedStoriesList", "changePage",
	}, types(w.Log()))
}

func TestMount_LinkedLandsOnHome(t *testing.T) {
	f := newFixture()
	_, err := f.deps.Manager.Link(context.Background(), association.Ticket{ID: "42"}, client.FixtureLoginStory)
	require.NoError(t, err)

	w := f.mount(t, Options{})
	assert.Equal(t, store.PageHome, w.State().Page)
	assert.Equal(t, 1, f.ui.BadgeCount())

	a, ok := f.ui.TargetAction(f.sel.AdditionsAction(selection.ChannelNote))
	require.True(t, ok)
	require.Len(t, a.Payload, 1)
	assert.True(t, a.Payload[0].Selected)
}

func TestMount_DependencyFailure(t *testing.T) {
	f := newFixture()
	f.client.SetError("ListGroups", errors.New("down"))

	w := New(ticket, f.deps, Options{}, logr.Discard())
	defer w.Close()
	err := w.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, w.State().Err)
}

func TestLinkAndUnlink(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})
	ctx := context.Background()

	linked, err := w.Link(ctx, []client.StoryID{client.FixtureLoginStory})
	require.NoError(t, err)
	require.Len(t, linked, 1)

	st := w.State()
	assert.Equal(t, store.PageHome, st.Page)
	require.Len(t, st.Linked.List, 1)
	assert.Equal(t, "Login bug", st.Linked.List[0].Name)
	assert.Equal(t, 1, f.ui.BadgeCount())

	require.NoError(t, w.Unlink(ctx, client.FixtureLoginStory))
	st = w.State()
	assert.Equal(t, store.PageLink, st.Page)
	assert.Empty(t, st.Linked.List)
	assert.Equal(t, 0, f.ui.BadgeCount())
	assert.Nil(t, st.Err)
}

func TestLink_PartialFailureKeepsLinkedStories(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})

	_, err := w.Link(context.Background(), []client.StoryID{client.FixtureLoginStory, 404})
	require.Error(t, err)

	st := w.State()
	assert.Equal(t, store.PageLink, st.Page)
	require.Len(t, st.Linked.List, 1)
	assert.Equal(t, client.FixtureLoginStory, st.Linked.List[0].ID)
	assert.Error(t, st.Err)
}

func TestSearch(t *testing.T) {
	f := newFixture()
	f.client.AddSearchResult("login", client.FixtureLoginStory)
	w := f.mount(t, Options{})
	ctx := context.Background()

	list, err := w.Search(ctx, "  login ")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "In Progress", list[0].StateName())

	st := w.State()
	assert.Equal(t, "login", st.Search.Query)
	assert.False(t, st.Search.Loading)
	assert.Len(t, st.Search.List, 1)

	list, err = w.Search(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
	assert.Equal(t, 1, f.client.CallCount("SearchStories"))
}

func TestSearchDebounced_LatestQueryWins(t *testing.T) {
	f := newFixture()
	f.client.AddSearchResult("lo", client.FixtureOrphanStory)
	f.client.AddSearchResult("login", client.FixtureLoginStory)
	w := f.mount(t, Options{SearchDelay: 20 * time.Millisecond})
	ctx := context.Background()

	w.SearchDebounced(ctx, "lo")
	gen := w.SearchDebounced(ctx, "login")
	assert.Equal(t, uint64(2), gen)
	assert.True(t, w.State().Search.Loading)

	w.Wait()
	st := w.State()
	assert.Equal(t, "login", st.Search.Query)
	require.Len(t, st.Search.List, 1)
	assert.Equal(t, client.FixtureLoginStory, st.Search.List[0].ID)
	assert.Equal(t, 1, f.client.CallCount("SearchStories"))
}

func TestCreate_ShowsCreatedStory(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})

	created, err := w.Create(context.Background(), story.Form{
		Name:      "Export fails",
		Type:      client.StoryTypeBug,
		Team:      client.FixtureTeamA,
		Workflow:  client.FixtureEngineering,
		State:     client.FixtureInProgress,
		Requester: client.FixtureAlice,
	})
	require.NoError(t, err)

	st := w.State()
	assert.Equal(t, store.PageView, st.Page)
	assert.Equal(t, created.ID.String(), st.PageParams["id"])
	require.Len(t, st.Linked.List, 1)
	assert.Equal(t, "Export fails", st.Linked.List[0].Name)
}

func TestCreate_DefaultsRequesterToAgent(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})

	created, err := w.Create(context.Background(), story.Form{
		Name:     "Export fails",
		Type:     client.StoryTypeBug,
		Workflow: client.FixtureEngineering,
		State:    client.FixtureInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, client.FixtureAlice, created.RequesterID)
}

func TestCreate_InvalidFormRecordsError(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})

	_, err := w.Create(context.Background(), story.Form{})
	require.Error(t, err)
	assert.Equal(t, err, w.State().Err)
	assert.Equal(t, store.PageLink, w.State().Page)

	w.ClearError()
	assert.Nil(t, w.State().Err)
}

func TestAddRelations_LoadsRelatedStories(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})

	links, err := w.AddRelations(context.Background(), client.FixtureLoginStory, story.Blocks,
		[]client.StoryID{client.FixtureOrphanStory})
	require.NoError(t, err)
	require.Len(t, links, 1)

	st := w.State()
	assert.Equal(t, store.PageView, st.Page)
	require.Len(t, st.Relations.List, 1)
	assert.Equal(t, client.FixtureOrphanStory, st.Relations.List[0].ID)
}

func TestLoadRelations_DropsMissingStories(t *testing.T) {
	f := newFixture()
	_, err := f.client.CreateStoryLink(context.Background(), client.CreateStoryLinkRequest{
		SubjectID: client.FixtureLoginStory, ObjectID: client.FixtureOrphanStory, Verb: "relates to",
	})
	require.NoError(t, err)
	f.client.SetStoryError(client.FixtureOrphanStory, &client.APIError{StatusCode: 404})
	w := f.mount(t, Options{})

	list, err := w.LoadRelations(context.Background(), client.FixtureLoginStory)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, w.State().Relations.Loading)
}

func TestHandleTargetActionNow_ReplyMergesComments(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})
	ctx := context.Background()
	_, err := w.Link(ctx, []client.StoryID{client.FixtureLoginStory})
	require.NoError(t, err)
	before := w.State().Linked.List

	payload, _ := json.Marshal(map[string]string{"note": "Customer confirmed the fix"})
	res, err := w.HandleTargetActionNow(ctx, selection.Action{
		Name:    f.sel.SubmitAction(selection.ChannelNote),
		Subject: "42",
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, []client.StoryID{client.FixtureLoginStory}, res.Commented)

	after := w.State().Linked.List
	require.Len(t, after, 1)
	require.Len(t, after[0].Comments, 1)
	assert.Equal(t, "Customer confirmed the fix", after[0].Comments[0].Text)
	assert.Empty(t, before[0].Comments)
}

func TestHandleTargetActionNow_ReplyFailureIsRecorded(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})
	ctx := context.Background()
	_, err := w.Link(ctx, []client.StoryID{client.FixtureLoginStory})
	require.NoError(t, err)
	f.client.SetError("CreateComment", &client.APIError{StatusCode: 500})

	payload, _ := json.Marshal(map[string]string{"email": "Thanks"})
	res, err := w.HandleTargetActionNow(ctx, selection.Action{
		Name:    f.sel.SubmitAction(selection.ChannelEmail),
		Subject: "42",
		Payload: payload,
	})
	require.Error(t, err)
	assert.True(t, selection.IsReplyError(err))
	require.NotNil(t, res)
	assert.Contains(t, res.Failed, client.FixtureLoginStory)
	assert.Equal(t, err, w.State().Err)
}

func TestHandleTargetAction_DebouncesPerAction(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{ActionDelay: 20 * time.Millisecond})
	ctx := context.Background()
	_, err := w.Link(ctx, []client.StoryID{client.FixtureLoginStory})
	require.NoError(t, err)

	name := f.sel.AdditionsAction(selection.ChannelNote)
	registered := f.ui.Registrations(name)
	event := func(selected bool) selection.Action {
		payload, _ := json.Marshal([]host.TargetActionItem{{ID: "1", Selected: selected}})
		return selection.Action{Name: name, Subject: "42", Payload: payload}
	}

	w.HandleTargetAction(ctx, event(true))
	w.HandleTargetAction(ctx, event(false))
	w.Wait()

	v, err := f.sel.Get(ctx, "42", "1", selection.ChannelNote)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.False(t, v.Selected)
	assert.Equal(t, registered+1, f.ui.Registrations(name))
}

func TestReloadLinked_RefreshesDependencies(t *testing.T) {
	f := newFixture()
	w := f.mount(t, Options{})
	ctx := context.Background()
	require.Nil(t, w.State().Dependencies.Label(53))

	f.client.Labels = append(f.client.Labels, client.Label{ID: 53, Name: "frontend"})
	require.NoError(t, f.deps.Resolver.Invalidate(ctx))

	_, err := w.ReloadLinked(ctx)
	require.NoError(t, err)
	assert.NotNil(t, w.State().Dependencies.Label(53))
}

func TestUpdateContext_MergesNonEmptyFields(t *testing.T) {
	f := newFixture()
	w := New(store.TicketContext{TicketID: "42"}, f.deps, Options{}, logr.Discard())
	require.NoError(t, w.Mount(context.Background()))
	t.Cleanup(w.Close)

	merged := w.UpdateContext(store.TicketContext{TicketID: "42", PermalinkURL: ticket.PermalinkURL})
	assert.Equal(t, ticket.PermalinkURL, merged.PermalinkURL)
	assert.Empty(t, merged.AgentEmail)

	w.UpdateContext(store.TicketContext{TicketID: "42", AgentEmail: ticket.AgentEmail})
	w.UpdateContext(store.TicketContext{TicketID: "42"})
	assert.Equal(t, ticket, w.Ticket())
	require.NotNil(t, w.State().Context)
	assert.Equal(t, ticket, *w.State().Context)
}

func TestRegistry_LaterRequestsCompleteTicketContext(t *testing.T) {
	f := newFixture()
	r := NewRegistry(f.deps, Options{}, logr.Discard())
	t.Cleanup(r.Close)
	ctx := context.Background()

	w, err := r.Get(ctx, store.TicketContext{TicketID: "42"})
	require.NoError(t, err)
	assert.Empty(t, w.Ticket().PermalinkURL)

	again, err := r.Get(ctx, ticket)
	require.NoError(t, err)
	assert.Same(t, w, again)
	assert.Equal(t, ticket, w.Ticket())

	_, err = w.Link(ctx, []client.StoryID{client.FixtureLoginStory})
	require.NoError(t, err)
	assert.Equal(t, []string{ticket.PermalinkURL}, f.client.Story(client.FixtureLoginStory).ExternalLinks)

	created, err := w.Create(ctx, story.Form{
		Name:     "Export fails",
		Type:     client.StoryTypeBug,
		Workflow: client.FixtureEngineering,
		State:    client.FixtureInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, client.FixtureAlice, f.client.Story(created.ID).RequestedByID)

	_, err = r.Get(ctx, store.TicketContext{TicketID: "42"})
	require.NoError(t, err)
	assert.Equal(t, ticket.PermalinkURL, w.Ticket().PermalinkURL, "requests without context keep what is known")
}

func TestRegistry_EvictsIdleWidgets(t *testing.T) {
	f := newFixture()
	r := NewRegistry(f.deps, Options{IdleTimeout: time.Minute}, logr.Discard())
	t.Cleanup(r.Close)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := r.Get(ctx, store.TicketContext{TicketID: "41"})
	require.NoError(t, err)
	now = now.Add(45 * time.Second)
	_, err = r.Get(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, []string{"41", "42"}, r.Tickets())

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, r.EvictIdle())
	assert.Equal(t, []string{"42"}, r.Tickets())

	again, err := r.Get(ctx, store.TicketContext{TicketID: "41"})
	require.NoError(t, err)
	assert.NotSame(t, first, again, "an evicted ticket is mounted again")
}

func TestRegistry_ZeroIdleTimeoutKeepsWidgets(t *testing.T) {
	f := newFixture()
	r := NewRegistry(f.deps, Options{}, logr.Discard())
	t.Cleanup(r.Close)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.Get(context.Background(), ticket)
	require.NoError(t, err)
	now = now.Add(24 * time.Hour)
	assert.Equal(t, 0, r.EvictIdle())
	assert.Equal(t, []string{"42"}, r.Tickets())
}

func TestRegistry_MountOutlivesCancelledCaller(t *testing.T) {
	f := newFixture()
	r := NewRegistry(f.deps, Options{}, logr.Discard())
	t.Cleanup(r.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Get(ctx, ticket)
	require.NoError(t, err)

	_, ok := r.Lookup("42")
	assert.True(t, ok, "the shared mount is kept for other callers")
}
