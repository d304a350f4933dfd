package association

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/storylink/pkg/cache"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/saga"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/state"
	"github.com/chambrid/storylink/pkg/story"
)

const ticketURL = "https://support.example.com/app#/t/ticket/42"

var ticket = Ticket{ID: "42", PermalinkURL: ticketURL}

type fixture struct {
	mgr     *Manager
	client  *client.MockClient
	store   *host.MemoryStore
	journal *state.MockJournal
	sel     *selection.Synchronizer
	rec     *metrics.Recorder
}

func defaultOptions() Options {
	return Options{
		HelpdeskLabel: story.HelpdeskLabel{Enabled: true, Name: "Deskpro", Color: "#4196d4"},
		SelectOnLink:  true,
	}
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		client:  client.NewMockClient(),
		store:   host.NewMemoryStore(),
		journal: state.NewMockJournal(),
		rec:     metrics.NewRecorder(),
	}
	f.client.SeedWorkspace()
	f.sel = selection.NewSynchronizer(f.store, host.NewMemoryUI(), f.client, selection.Options{
		Features: selection.Features{CommentOnNote: true, CommentOnEmail: true},
	}, logr.Discard(), f.rec)
	resolver := deps.NewResolver(f.client, cache.NewMemoryCache(), time.Minute, logr.Discard(), f.rec)
	runner := saga.NewRunner(f.journal, saga.Options{}, logr.Discard(), f.rec)
	f.mgr = NewManager(f.client, f.store, f.sel, resolver, runner, opts, logr.Discard(), f.rec)
	return f
}

func (f *fixture) selected(t *testing.T, ticketID string, id client.StoryID, ch selection.Channel) bool {
	t.Helper()
	v, err := f.sel.Get(context.Background(), ticketID, id.String(), ch)
	require.NoError(t, err)
	return v != nil && v.Selected
}

func createForm() story.Form {
	return story.Form{
		Name:      "Export fails",
		Type:      client.StoryTypeBug,
		Team:      client.FixtureTeamA,
		Workflow:  client.FixtureEngineering,
		State:     client.FixtureInProgress,
		Requester: client.FixtureAlice,
		Labels:    []client.LabelID{client.FixtureBackend},
	}
}

func TestLink_WritesEveryStep(t *testing.T) {
	opts := defaultOptions()
	opts.CommentOnLink = true
	f := newFixture(opts)
	ctx := context.Background()

	md, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)
	assert.Equal(t, "Login bug", md.Name)
	assert.Equal(t, "In Progress", md.StatusName)

	stored, ok, err := f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, md, stored)

	assert.True(t, f.selected(t, "42", client.FixtureLoginStory, selection.ChannelNote))
	assert.True(t, f.selected(t, "42", client.FixtureLoginStory, selection.ChannelEmail))

	s := f.client.Story(client.FixtureLoginStory)
	assert.Equal(t, []string{ticketURL}, s.ExternalLinks)
	assert.True(t, client.HasLabel(s, "Deskpro"))

	comments := f.client.Comments()
	require.Len(t, comments, 1)
	assert.Equal(t, story.LinkComment("42", ticketURL), comments[0].Text)

	rec, err := f.journal.Load("link/42/1")
	require.NoError(t, err)
	assert.Equal(t, state.SagaStatusCompleted, rec.Status)
	assert.Equal(t, []string{"associate", "select", "external_link", "tag", "comment"}, rec.Steps)
}

func TestLink_MissingStoryWritesNothing(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	_, err := f.mgr.Link(ctx, ticket, 404)
	require.Error(t, err)
	assert.True(t, client.IsNotFoundError(err))

	ids, err := f.mgr.LinkedStoryIDs(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.journal.SaveCalls)
}

func TestLink_RequiresTicket(t *testing.T) {
	f := newFixture(defaultOptions())
	_, err := f.mgr.Link(context.Background(), Ticket{}, client.FixtureLoginStory)
	assert.True(t, IsValidationError(err))
}

func TestLink_FailedStepResumes(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()
	f.client.SetError("UpdateStory", errors.New("tracker down"))

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "external_link", stepErr.Step)

	// the association written before the failure stays
	_, ok, err := f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	assert.True(t, ok)

	f.client.SetError("UpdateStory", nil)
	_, err = f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)

	rec, err := f.journal.Load("link/42/1")
	require.NoError(t, err)
	assert.Equal(t, state.SagaStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Runs)

	expected := `
# HELP storylink_selection_writes_total Selection state writes by channel and operation
# TYPE storylink_selection_writes_total counter
storylink_selection_writes_total{channel="email",op="set"} 1
storylink_selection_writes_total{channel="note",op="set"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.rec.Registry(), strings.NewReader(expected), "storylink_selection_writes_total"))
}

func TestLinkAll_PartialFailure(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	linked, err := f.mgr.LinkAll(ctx, ticket, []client.StoryID{client.FixtureLoginStory, 404, client.FixtureOrphanStory})
	require.Error(t, err)
	assert.True(t, client.IsNotFoundError(err))
	assert.Len(t, linked, 2)

	ids, err := f.mgr.LinkedStoryIDs(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []client.StoryID{client.FixtureLoginStory, client.FixtureOrphanStory}, ids)
}

func TestUnlink_RemovesEverything(t *testing.T) {
	opts := defaultOptions()
	opts.CommentOnLink = true
	f := newFixture(opts)
	ctx := context.Background()

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Unlink(ctx, ticket, client.FixtureLoginStory))

	_, ok, err := f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	assert.False(t, ok)

	s := f.client.Story(client.FixtureLoginStory)
	assert.Empty(t, s.ExternalLinks)
	assert.False(t, client.HasLabel(s, "Deskpro"))
	assert.True(t, client.HasLabel(s, "backend"))

	assert.False(t, f.selected(t, "42", client.FixtureLoginStory, selection.ChannelNote))
	assert.False(t, f.selected(t, "42", client.FixtureLoginStory, selection.ChannelEmail))

	comments := f.client.Comments()
	require.Len(t, comments, 2)
	assert.Equal(t, story.UnlinkComment("42", ticketURL), comments[1].Text)
}

func TestUnlink_KeepsLabelWhileLinkedElsewhere(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()
	other := Ticket{ID: "43", PermalinkURL: "https://support.example.com/app#/t/ticket/43"}

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)
	_, err = f.mgr.Link(ctx, other, client.FixtureLoginStory)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Unlink(ctx, ticket, client.FixtureLoginStory))

	s := f.client.Story(client.FixtureLoginStory)
	assert.True(t, client.HasLabel(s, "Deskpro"))
	assert.Equal(t, []string{other.PermalinkURL}, s.ExternalLinks)
}

func TestUnlink_CleanupIsBestEffort(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)
	f.client.SetStoryError(client.FixtureLoginStory, errors.New("tracker down"))

	require.NoError(t, f.mgr.Unlink(ctx, ticket, client.FixtureLoginStory))

	ids, err := f.mgr.LinkedStoryIDs(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.False(t, f.selected(t, "42", client.FixtureLoginStory, selection.ChannelNote))

	rec, err := f.journal.Load("unlink/42/1")
	require.NoError(t, err)
	assert.Equal(t, state.SagaStatusCompleted, rec.Status)
	var skipped []string
	for _, ev := range rec.History {
		if ev.Status == state.StepStatusSkipped {
			skipped = append(skipped, ev.Step)
		}
	}
	assert.Equal(t, []string{"external_link", "untag"}, skipped)
}

func TestUnlink_ThenRelinkStartsClean(t *testing.T) {
	opts := defaultOptions()
	opts.SelectOnLink = false
	f := newFixture(opts)
	ctx := context.Background()

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)
	_, err = f.sel.Set(ctx, "42", "1", selection.ChannelNote, true)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Unlink(ctx, ticket, client.FixtureLoginStory))
	_, err = f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)

	v, err := f.sel.Get(ctx, "42", "1", selection.ChannelNote)
	require.NoError(t, err)
	assert.Nil(t, v)

	md, ok, err := f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Login bug", md.Name)
}

func TestResync_DropsMissingStories(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	_, err := f.mgr.LinkAll(ctx, ticket, []client.StoryID{client.FixtureLoginStory, client.FixtureOrphanStory})
	require.NoError(t, err)
	require.NoError(t, f.store.SetAssociation(ctx, DefaultNamespace, "42", "999", story.Metadata{ID: "999", Name: "Deleted"}))
	require.NoError(t, f.store.SetAssociation(ctx, DefaultNamespace, "42", "not-a-story", story.Metadata{}))

	stories, err := f.mgr.Resync(ctx, "42")
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, client.FixtureLoginStory, stories[0].ID)
	assert.Equal(t, client.FixtureOrphanStory, stories[1].ID)

	expected := `
# HELP storylink_linked_stories Linked stories on the most recently loaded ticket
# TYPE storylink_linked_stories gauge
storylink_linked_stories 2
`
	assert.NoError(t, testutil.GatherAndCompare(f.rec.Registry(), strings.NewReader(expected), "storylink_linked_stories"))
}

func TestResync_EmptyTicket(t *testing.T) {
	f := newFixture(defaultOptions())
	stories, err := f.mgr.Resync(context.Background(), "42")
	require.NoError(t, err)
	assert.NotNil(t, stories)
	assert.Empty(t, stories)
	assert.Equal(t, 0, f.client.CallCount("ListLabels"))
}

func TestResync_RefreshesSnapshot(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)
	_, err = f.client.UpdateStory(ctx, client.FixtureLoginStory, &client.UpdateStoryRequest{Name: client.Ptr("Login bug (renamed)")})
	require.NoError(t, err)

	md, _, err := f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	assert.Equal(t, "Login bug", md.Name, "snapshot lags until resync")

	_, err = f.mgr.Resync(ctx, "42")
	require.NoError(t, err)
	md, _, err = f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	assert.Equal(t, "Login bug (renamed)", md.Name)
}

func TestCreateAndLink(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	resolved, err := f.mgr.CreateAndLink(ctx, ticket, createForm())
	require.NoError(t, err)
	assert.Equal(t, "Export fails", resolved.Name)
	require.NotNil(t, resolved.State)
	assert.Equal(t, "In Progress", resolved.State.Name)

	ids, err := f.mgr.LinkedStoryIDs(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []client.StoryID{resolved.ID}, ids)

	s := f.client.Story(resolved.ID)
	assert.Equal(t, []string{ticketURL}, s.ExternalLinks)
	assert.True(t, client.HasLabel(s, "Deskpro"))
	assert.True(t, client.HasLabel(s, "backend"))

	md, _, err := f.mgr.Metadata(ctx, "42", resolved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team A", md.TeamName)
	assert.Len(t, md.Labels, 2)
}

func TestCreateAndLink_InvalidFormWritesNothing(t *testing.T) {
	f := newFixture(defaultOptions())
	form := createForm()
	form.Name = ""

	_, err := f.mgr.CreateAndLink(context.Background(), ticket, form)
	var formErr *story.FormError
	require.ErrorAs(t, err, &formErr)
	assert.Equal(t, 0, f.client.CallCount("CreateStory"))
}

func TestCreateAndLink_RejectedCreateIsNotRetriedOrAssociated(t *testing.T) {
	f := newFixture(defaultOptions())
	f.mgr.runner = saga.NewRunner(f.journal, saga.Options{Retries: 2}, logr.Discard(), nil)
	ctx := context.Background()
	f.client.SetError("CreateStory", &client.APIError{StatusCode: http.StatusUnprocessableEntity, Method: http.MethodPost, Endpoint: "stories"})

	_, err := f.mgr.CreateAndLink(ctx, ticket, createForm())
	require.Error(t, err)
	assert.Equal(t, 1, f.client.CallCount("CreateStory"))

	ids, err := f.mgr.LinkedStoryIDs(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateAndLink_ResumeDoesNotCreateTwice(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()
	f.client.SetError("UpdateStory", errors.New("tracker down"))

	_, err := f.mgr.CreateAndLink(ctx, ticket, createForm())
	require.Error(t, err)

	f.client.SetError("UpdateStory", nil)
	resolved, err := f.mgr.CreateAndLink(ctx, ticket, createForm())
	require.NoError(t, err)

	assert.Equal(t, 1, f.client.CallCount("CreateStory"))
	assert.Equal(t, []string{ticketURL}, f.client.Story(resolved.ID).ExternalLinks)
}

func TestUpdateAndResync(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	_, err := f.mgr.Link(ctx, ticket, client.FixtureLoginStory)
	require.NoError(t, err)

	set, err := f.mgr.resolver.Get(ctx)
	require.NoError(t, err)
	form := story.FormFromStory(f.client.Story(client.FixtureLoginStory), set)
	form.Name = "Login bug on Safari"
	form.Epic = 0

	resolved, err := f.mgr.UpdateAndResync(ctx, ticket, client.FixtureLoginStory, form)
	require.NoError(t, err)
	assert.Equal(t, "Login bug on Safari", resolved.Name)
	assert.Nil(t, resolved.Epic)

	md, _, err := f.mgr.Metadata(ctx, "42", client.FixtureLoginStory)
	require.NoError(t, err)
	assert.Equal(t, "Login bug on Safari", md.Name)
	assert.Empty(t, md.EpicID)
}

func TestUpdateAndResync_RestoresTicketBackReference(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	// linked before the ticket permalink was known
	_, err := f.mgr.Link(ctx, Ticket{ID: "42"}, client.FixtureLoginStory)
	require.NoError(t, err)
	require.Empty(t, f.client.Story(client.FixtureLoginStory).ExternalLinks)

	set, err := f.mgr.resolver.Get(ctx)
	require.NoError(t, err)
	form := story.FormFromStory(f.client.Story(client.FixtureLoginStory), set)

	_, err = f.mgr.UpdateAndResync(ctx, ticket, client.FixtureLoginStory, form)
	require.NoError(t, err)
	assert.Equal(t, []string{ticketURL}, f.client.Story(client.FixtureLoginStory).ExternalLinks)

	// a second update does not duplicate the link
	form.Name = "Login bug again"
	_, err = f.mgr.UpdateAndResync(ctx, ticket, client.FixtureLoginStory, form)
	require.NoError(t, err)
	assert.Equal(t, []string{ticketURL}, f.client.Story(client.FixtureLoginStory).ExternalLinks)
}

func TestUpdateAndResync_MissingStory(t *testing.T) {
	f := newFixture(defaultOptions())
	_, err := f.mgr.UpdateAndResync(context.Background(), ticket, 404, createForm())
	require.Error(t, err)
	assert.True(t, client.IsNotFoundError(err))
}

func TestAddComment(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	_, err := f.mgr.AddComment(ctx, client.FixtureLoginStory, "  ")
	assert.True(t, IsValidationError(err))

	c, err := f.mgr.AddComment(ctx, client.FixtureLoginStory, "Seen on **prod**")
	require.NoError(t, err)
	assert.Contains(t, c.TextHTML, "<strong>prod</strong>")
}

func TestAddRelations(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()

	links, err := f.mgr.AddRelations(ctx, client.FixtureLoginStory, story.Blocks, []client.StoryID{client.FixtureOrphanStory})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, []client.CreateStoryLinkRequest{
		{SubjectID: client.FixtureLoginStory, ObjectID: client.FixtureOrphanStory, Verb: client.VerbBlocks},
	}, f.client.CreatedLinks)

	links, err = f.mgr.AddRelations(ctx, client.FixtureLoginStory, story.RelatesTo, []client.StoryID{client.FixtureLoginStory, 404})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.True(t, client.IsNotFoundError(err))
	assert.Empty(t, links)
}

func TestBackfillHelpdeskLabels(t *testing.T) {
	f := newFixture(defaultOptions())
	ctx := context.Background()
	f.client.Labels = append(f.client.Labels, client.Label{ID: 60, Name: "deskpro"})
	f.client.AddStory(&client.Story{ID: 10, Name: "Needs label", ExternalLinks: []string{ticketURL}})
	f.client.AddStory(&client.Story{ID: 11, Name: "Has label", ExternalLinks: []string{ticketURL},
		LabelIDs: []client.LabelID{60}, Labels: []client.Label{{ID: 60, Name: "deskpro"}}})
	f.client.AddStory(&client.Story{ID: 12, Name: "Archived", Archived: true, ExternalLinks: []string{ticketURL}})
	f.client.AddStory(&client.Story{ID: 13, Name: "Elsewhere", ExternalLinks: []string{"https://other.example.com/1"}})

	res, err := f.mgr.BackfillHelpdeskLabels(ctx, "support.example.com")
	require.NoError(t, err)
	assert.False(t, res.LabelCreated)
	assert.Equal(t, client.LabelID(60), res.Label.ID)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []client.StoryID{10}, res.StoryIDs)
	assert.Equal(t, "1 of 1 stories updated.", res.Message())
	assert.True(t, client.HasLabel(f.client.Story(10), "deskpro"))

	res, err = f.mgr.BackfillHelpdeskLabels(ctx, "support.example.com")
	require.NoError(t, err)
	assert.Equal(t, "No story to update.", res.Message())
}

func TestBackfillHelpdeskLabels_CreatesLabel(t *testing.T) {
	f := newFixture(defaultOptions())
	res, err := f.mgr.BackfillHelpdeskLabels(context.Background(), "support.example.com")
	require.NoError(t, err)
	assert.True(t, res.LabelCreated)
	assert.Equal(t, "Deskpro", res.Label.Name)
	assert.Equal(t, "#4196d4", res.Label.Color)
	assert.Equal(t, 0, res.Candidates)
}

func TestBackfillHelpdeskLabels_InvalidKey(t *testing.T) {
	f := newFixture(defaultOptions())
	f.client.SetError("ListLabels", &client.APIError{StatusCode: http.StatusUnauthorized, Method: http.MethodGet, Endpoint: "labels"})

	_, err := f.mgr.BackfillHelpdeskLabels(context.Background(), "support.example.com")
	var assocErr *AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, "Invalid API key provided.", assocErr.Message)
}

func TestVerifySettings(t *testing.T) {
	f := newFixture(defaultOptions())
	member, err := f.mgr.VerifySettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Alice", member.Name)

	f.client.Member = nil
	_, err = f.mgr.VerifySettings(context.Background())
	assert.True(t, client.IsAuthenticationError(err))
}
