package deps

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chambrid/storylink/pkg/cache"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/metrics"
)

// CacheKey is the base key of the cached dependency set
const CacheKey = "data_deps"

// Resolver returns dependency sets, served from the cache when possible
type Resolver struct {
	client   client.Client
	cache    cache.Cache
	ttl      time.Duration
	log      logr.Logger
	recorder *metrics.Recorder

	flight singleflight.Group
}

// NewResolver creates a resolver. A nil cache or a non-positive ttl disables caching.
func NewResolver(c client.Client, ca cache.Cache, ttl time.Duration, log logr.Logger, rec *metrics.Recorder) *Resolver {
	return &Resolver{
		client:   c,
		cache:    ca,
		ttl:      ttl,
		log:      log.WithName("deps"),
		recorder: rec,
	}
}

// Get returns the current dependency set. Concurrent callers that miss the
// cache share one fetch.
func (r *Resolver) Get(ctx context.Context) (*DependencySet, error) {
	if r.cache == nil || r.ttl <= 0 {
		return r.Fetch(ctx)
	}

	epoch, err := r.cache.Epoch(ctx)
	if err != nil {
		r.log.Error(err, "Failed to read cache epoch, fetching without cache")
		return r.Fetch(ctx)
	}
	key := cache.EpochKey(CacheKey, epoch)

	var cached DependencySet
	ok, err := cache.GetJSON(ctx, r.cache, key, &cached)
	if err != nil {
		r.log.Error(err, "Failed to read cached dependency set", "key", key)
	}
	if ok {
		r.recorder.CacheHit()
		return &cached, nil
	}
	r.recorder.CacheMiss()

	// the fetch is shared, so one caller giving up must not fail the others
	fetchCtx := context.WithoutCancel(ctx)
	v, err, shared := r.flight.Do(key, func() (interface{}, error) {
		set, err := r.Fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if err := cache.SetJSON(fetchCtx, r.cache, key, set, r.ttl); err != nil {
			r.log.Error(err, "Failed to cache dependency set", "key", key)
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	r.log.V(1).Info("Dependency set fetched", "key", key, "shared", shared)
	return v.(*DependencySet), nil
}

// Fetch loads every reference collection in parallel. Any failed collection
// fails the whole call; partial sets are never returned.
func (r *Resolver) Fetch(ctx context.Context) (*DependencySet, error) {
	set := &DependencySet{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		set.Groups, err = r.client.ListGroups(gctx)
		return wrap("groups", err)
	})
	g.Go(func() (err error) {
		set.Workflows, err = r.client.ListWorkflows(gctx)
		return wrap("workflows", err)
	})
	g.Go(func() (err error) {
		set.Projects, err = r.client.ListProjects(gctx)
		return wrap("projects", err)
	})
	g.Go(func() (err error) {
		set.Epics, err = r.client.ListEpics(gctx)
		return wrap("epics", err)
	})
	g.Go(func() (err error) {
		set.Iterations, err = r.client.ListIterations(gctx)
		return wrap("iterations", err)
	})
	g.Go(func() (err error) {
		set.Members, err = r.client.ListMembers(gctx)
		return wrap("members", err)
	})
	g.Go(func() (err error) {
		set.Labels, err = r.client.ListLabels(gctx)
		return wrap("labels", err)
	})
	g.Go(func() (err error) {
		set.CustomFields, err = r.client.ListCustomFields(gctx)
		return wrap("custom fields", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

// Invalidate moves the cache to a new epoch so the next Get refetches
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	epoch, err := r.cache.BumpEpoch(ctx)
	if err != nil {
		return fmt.Errorf("failed to invalidate dependency cache: %w", err)
	}
	r.log.V(1).Info("Dependency cache invalidated", "epoch", epoch)
	return nil
}

func wrap(collection string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to fetch %s: %w", collection, err)
}
