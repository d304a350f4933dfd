package deps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambrid/storylink/pkg/cache"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/metrics"
)

var listOps = []string{
	"ListGroups", "ListWorkflows", "ListProjects", "ListEpics",
	"ListIterations", "ListMembers", "ListLabels", "ListCustomFields",
}

func seeded() *client.MockClient {
	m := client.NewMockClient()
	m.SeedWorkspace()
	return m
}

func TestFetch_AllCollections(t *testing.T) {
	m := seeded()
	r := NewResolver(m, nil, 0, logr.Discard(), nil)

	set, err := r.Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, set.Groups, 3)
	assert.Len(t, set.Workflows, 2)
	assert.Len(t, set.Projects, 3)
	assert.Len(t, set.Epics, 2)
	assert.Len(t, set.Iterations, 1)
	assert.Len(t, set.Members, 2)
	assert.Len(t, set.Labels, 2)
	assert.Len(t, set.CustomFields, 3)
	for _, op := range listOps {
		assert.Equal(t, 1, m.CallCount(op), op)
	}
}

func TestFetch_AnyFailureFailsWholeCall(t *testing.T) {
	for _, op := range listOps {
		t.Run(op, func(t *testing.T) {
			m := seeded()
			boom := errors.New("boom")
			m.SetError(op, boom)
			r := NewResolver(m, nil, 0, logr.Discard(), nil)

			set, err := r.Fetch(context.Background())
			assert.Nil(t, set)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestGet_CachesWithinTTL(t *testing.T) {
	m := seeded()
	rec := metrics.NewRecorder()
	r := NewResolver(m, cache.NewMemoryCache(), 5*time.Minute, logr.Discard(), rec)
	ctx := context.Background()

	first, err := r.Get(ctx)
	require.NoError(t, err)
	second, err := r.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, m.CallCount("ListGroups"))
	assert.Equal(t, first.Groups, second.Groups)
	assert.NotNil(t, second.WorkflowForState(client.FixtureInProgress), "cached sets are indexed")

	expected := `
# HELP storylink_dependency_cache_total Dependency set cache lookups by result
# TYPE storylink_dependency_cache_total counter
storylink_dependency_cache_total{result="hit"} 1
storylink_dependency_cache_total{result="miss"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "storylink_dependency_cache_total"))
}

func TestGet_ZeroTTLDisablesCache(t *testing.T) {
	m := seeded()
	r := NewResolver(m, cache.NewMemoryCache(), 0, logr.Discard(), nil)
	ctx := context.Background()

	_, err := r.Get(ctx)
	require.NoError(t, err)
	_, err = r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.CallCount("ListLabels"))
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	m := seeded()
	r := NewResolver(m, cache.NewMemoryCache(), time.Minute, logr.Discard(), nil)
	ctx := context.Background()

	_, err := r.Get(ctx)
	require.NoError(t, err)

	m.Labels = append(m.Labels, client.Label{ID: 60, Name: "fresh"})
	require.NoError(t, r.Invalidate(ctx))

	set, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.CallCount("ListLabels"))
	assert.NotNil(t, set.Label(60))
}

func TestGet_FailureIsNotCached(t *testing.T) {
	m := seeded()
	m.SetError("ListMembers", errors.New("unavailable"))
	r := NewResolver(m, cache.NewMemoryCache(), time.Minute, logr.Discard(), nil)
	ctx := context.Background()

	_, err := r.Get(ctx)
	require.Error(t, err)

	m.SetError("ListMembers", nil)
	set, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, set.Members, 2)
}

func TestGet_ConcurrentCallersShareResult(t *testing.T) {
	m := seeded()
	r := NewResolver(m, cache.NewMemoryCache(), time.Minute, logr.Discard(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := r.Get(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, set.Group(client.FixtureTeamA))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, m.CallCount("ListGroups"), 10)
	assert.GreaterOrEqual(t, m.CallCount("ListGroups"), 1)
}

func TestGet_CachedSetMatchesFreshFetch(t *testing.T) {
	m := seeded()
	m.CustomFields = append(m.CustomFields, client.CustomField{
		ID: "cf-retired", Name: "Retired", CanonicalName: "retired", Enabled: true,
		StoryTypes: []client.StoryType{},
		Values:     []client.CustomFieldValue{{ID: "v-old", Value: "Old", Enabled: true}},
	})
	r := NewResolver(m, cache.NewMemoryCache(), 5*time.Minute, logr.Discard(), nil)
	ctx := context.Background()

	fresh, err := r.Get(ctx)
	require.NoError(t, err)
	cached, err := r.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, m.CallCount("ListCustomFields"), "second set comes from the cache")

	assert.Equal(t, fresh.CustomFields, cached.CustomFields)
	types := []client.StoryType{client.StoryTypeBug, client.StoryTypeFeature, client.StoryTypeChore}
	for _, f := range fresh.CustomFields {
		cf := cached.CustomField(f.ID)
		require.NotNil(t, cf, f.ID)
		for _, st := range types {
			assert.Equal(t, f.AppliesTo(st), cf.AppliesTo(st), "%s on %s", f.ID, st)
		}
	}
	assert.False(t, cached.CustomField("cf-retired").AppliesTo(client.StoryTypeBug))
	assert.True(t, cached.CustomField(client.FixturePriority).AppliesTo(client.StoryTypeBug))
}

// gatedClient blocks ListGroups until the gate is closed or ctx is done
type gatedClient struct {
	*client.MockClient
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedClient) ListGroups(ctx context.Context) ([]client.Group, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MockClient.ListGroups(ctx)
}

func TestGet_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	gc := &gatedClient{MockClient: seeded(), entered: make(chan struct{}), gate: make(chan struct{})}
	r := NewResolver(gc, cache.NewMemoryCache(), 5*time.Minute, logr.Discard(), nil)

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Get(first)
		firstDone <- err
	}()
	<-gc.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := r.Get(context.Background())
		secondDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(gc.gate)

	require.NoError(t, <-secondDone)
	<-firstDone
}

func TestDependencySet_Lookups(t *testing.T) {
	m := seeded()
	set, err := NewResolver(m, nil, 0, logr.Discard(), nil).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Team A", set.Group(client.FixtureTeamA).Name)
	assert.Nil(t, set.Group("missing"))
	assert.Equal(t, "In Progress", set.State(client.FixtureInProgress).Name)
	assert.Equal(t, client.FixtureEngineering, set.WorkflowForState(client.FixtureInProgress).ID)
	assert.Nil(t, set.WorkflowForState(999))
	assert.Len(t, set.States(), 5)
	assert.Equal(t, "Web", set.Project(client.FixtureWeb).Name)
	assert.Equal(t, "Login revamp", set.Epic(client.FixtureLoginEpic).Name)
	assert.Equal(t, "Sprint 1", set.Iteration(client.FixtureSprint).Name)
	assert.Equal(t, "Alice", set.Member(client.FixtureAlice).Profile.Name)
	assert.Equal(t, "Severity", set.CustomField(client.FixtureSeverity).Name)
	assert.Equal(t, []string{"backend"}, set.LabelNames([]client.LabelID{client.FixtureBackend, 404}))
}

func TestDependencySet_EmptyNeverPanics(t *testing.T) {
	set := &DependencySet{}
	assert.Nil(t, set.Workflow(1))
	assert.Nil(t, set.Member("x"))
	assert.Empty(t, set.States())
	assert.Empty(t, set.LabelNames(nil))
}
