// Package widget runs one widget instance per ticket: it owns the ticket's
// store and drives the association manager and selection synchronizer on its
// behalf.
package widget

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/chambrid/storylink/pkg/association"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/debounce"
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/store"
	"github.com/chambrid/storylink/pkg/story"
)

const (
	searchKey = "search"

	// DefaultPageSize is the search page size when none is configured
	DefaultPageSize = 25

	maxConcurrentRelations = 5
)

// Deps are the collaborators shared by every widget
type Deps struct {
	Client     client.Client
	Resolver   *deps.Resolver
	Manager    *association.Manager
	Selections *selection.Synchronizer
	UI         host.UI
}

// Options configures widget behaviour
type Options struct {
	ActionDelay time.Duration
	SearchDelay time.Duration
	PageSize    int
	// IdleTimeout unmounts registry widgets that were not used for this long; 0 keeps them
	IdleTimeout time.Duration
}

// Widget is the backend of the widget shown on one ticket
type Widget struct {
	ticketID   string
	store      *store.Store
	client     client.Client
	resolver   *deps.Resolver
	manager    *association.Manager
	selections *selection.Synchronizer
	ui         host.UI
	actions    *debounce.Debouncer
	search     *debounce.Debouncer
	pageSize   int
	log        logr.Logger

	// serializes context merges
	contextMu sync.Mutex
}

// New creates a widget for the ticket. Call Mount before using it.
func New(ticket store.TicketContext, d Deps, opts Options, log logr.Logger) *Widget {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log = log.WithName("widget").WithValues("ticket", ticket.TicketID)
	w := &Widget{
		ticketID:   ticket.TicketID,
		store:      store.New(log),
		client:     d.Client,
		resolver:   d.Resolver,
		manager:    d.Manager,
		selections: d.Selections,
		ui:         d.UI,
		actions:    debounce.New(opts.ActionDelay),
		search:     debounce.New(opts.SearchDelay),
		pageSize:   pageSize,
		log:        log,
	}
	w.store.Dispatch(store.LoadContext{Context: ticket})
	return w
}

// Ticket returns the current ticket context
func (w *Widget) Ticket() store.TicketContext {
	if c := w.store.State().Context; c != nil {
		return *c
	}
	return store.TicketContext{TicketID: w.ticketID}
}

// UpdateContext merges the non-empty permalink and agent email of ticket into
// the widget's ticket context and returns the result. The host may only send
// them with later requests.
func (w *Widget) UpdateContext(ticket store.TicketContext) store.TicketContext {
	w.contextMu.Lock()
	defer w.contextMu.Unlock()

	current := w.Ticket()
	merged := current
	if ticket.PermalinkURL != "" {
		merged.PermalinkURL = ticket.PermalinkURL
	}
	if ticket.AgentEmail != "" {
		merged.AgentEmail = ticket.AgentEmail
	}
	if merged != current {
		w.store.Dispatch(store.LoadContext{Context: merged})
		w.log.V(1).Info("Updated ticket context", "permalink", merged.PermalinkURL)
	}
	return merged
}

// Dependencies returns the current dependency set and records it in the
// store, so cache expiry and invalidation reach a long lived widget
func (w *Widget) Dependencies(ctx context.Context) (*deps.DependencySet, error) {
	set, err := w.resolver.Get(ctx)
	if err != nil {
		return nil, w.fail(err)
	}
	w.store.Dispatch(store.LoadDataDependencies{Deps: set})
	return set, nil
}

// State returns the current widget state
func (w *Widget) State() store.State {
	return w.store.State()
}

// Log returns the actions dispatched so far
func (w *Widget) Log() []store.LogEntry {
	return w.store.Log()
}

// Mount loads the dependency set and the linked stories, then lands on the
// link page when nothing is linked yet
func (w *Widget) Mount(ctx context.Context) error {
	linked, err := w.ReloadLinked(ctx)
	if err != nil {
		return err
	}

	page := store.PageHome
	if len(linked) == 0 {
		page = store.PageLink
	}
	w.store.Dispatch(store.ChangePage{Page: page})
	w.log.V(1).Info("Mounted widget", "linked", len(linked), "page", page)
	return nil
}

// Navigate changes the current page
func (w *Widget) Navigate(page store.Page, params map[string]string) store.State {
	return w.store.Dispatch(store.ChangePage{Page: page, Params: params})
}

// ReloadLinked refreshes the dependency set, resyncs the linked stories,
// updates the badge count and re-registers the reply box target actions
func (w *Widget) ReloadLinked(ctx context.Context) ([]*story.Resolved, error) {
	if _, err := w.Dependencies(ctx); err != nil {
		return nil, err
	}
	w.store.Dispatch(store.LinkedStoriesLoading{})

	list, err := w.manager.Resync(ctx, w.ticketID)
	if err != nil {
		w.store.Dispatch(store.LinkedStoriesList{})
		return nil, w.fail(err)
	}
	w.store.Dispatch(store.LinkedStoriesList{List: list})

	if err := w.ui.SetBadgeCount(ctx, len(list)); err != nil {
		w.log.Info("Failed to set badge count", "error", err.Error())
	}
	if err := w.selections.Register(ctx, w.ticketID, storyIDs(list)); err != nil {
		return list, w.fail(err)
	}
	return list, nil
}

// Search runs a story search and stores the results under the query
func (w *Widget) Search(ctx context.Context, query string) ([]*story.Resolved, error) {
	query = strings.TrimSpace(query)
	w.store.Dispatch(store.SearchLoading{Query: query})
	return w.runSearch(ctx, query)
}

func (w *Widget) runSearch(ctx context.Context, query string) ([]*story.Resolved, error) {
	if query == "" {
		w.store.Dispatch(store.SearchResults{Query: query})
		return []*story.Resolved{}, nil
	}

	found, err := w.client.SearchStories(ctx, query, w.pageSize)
	if err != nil {
		w.store.Dispatch(store.SearchResults{Query: query})
		return nil, w.fail(err)
	}
	set, err := w.resolver.Get(ctx)
	if err != nil {
		w.store.Dispatch(store.SearchResults{Query: query})
		return nil, w.fail(err)
	}

	list := story.ResolveAll(found, set)
	w.store.Dispatch(store.SearchResults{Query: query, List: list})
	return list, nil
}

// SearchDebounced schedules a search for query. Results of a query that is
// no longer the latest are dropped.
func (w *Widget) SearchDebounced(ctx context.Context, query string) uint64 {
	query = strings.TrimSpace(query)
	w.store.Dispatch(store.SearchLoading{Query: query})
	return w.search.Trigger(context.WithoutCancel(ctx), searchKey, func(ctx context.Context, tok debounce.Token) {
		if !tok.Current() {
			return
		}
		if _, err := w.runSearch(ctx, query); err != nil {
			w.log.V(1).Info("Debounced search failed", "query", query, "error", err.Error())
		}
	})
}

// Link links the stories to the ticket and reloads the linked list. Every
// story is attempted.
func (w *Widget) Link(ctx context.Context, ids []client.StoryID) ([]story.Metadata, error) {
	linked, err := w.manager.LinkAll(ctx, w.association(), ids)
	if err != nil {
		w.fail(err)
	}
	if _, rerr := w.ReloadLinked(ctx); rerr != nil {
		return linked, rerr
	}
	if err == nil {
		w.store.Dispatch(store.SearchReset{})
		w.store.Dispatch(store.ChangePage{Page: store.PageHome})
	}
	return linked, err
}

// Unlink unlinks the story from the ticket and reloads the linked list
func (w *Widget) Unlink(ctx context.Context, id client.StoryID) error {
	if err := w.manager.Unlink(ctx, w.association(), id); err != nil {
		return w.fail(err)
	}
	list, err := w.ReloadLinked(ctx)
	if err != nil {
		return err
	}
	page := store.PageHome
	if len(list) == 0 {
		page = store.PageLink
	}
	w.store.Dispatch(store.ChangePage{Page: page})
	return nil
}

// Create creates a story, links it and shows it. A form without requester
// is requested by the agent when the agent is a workspace member.
func (w *Widget) Create(ctx context.Context, form story.Form) (*story.Resolved, error) {
	if form.Requester == "" {
		set, err := w.Dependencies(ctx)
		if err != nil {
			return nil, err
		}
		form.Requester = story.DefaultRequester(set, w.Ticket().AgentEmail)
	}
	created, err := w.manager.CreateAndLink(ctx, w.association(), form)
	if err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.ReloadLinked(ctx); err != nil {
		return created, err
	}
	w.view(created.ID)
	return created, nil
}

// Update edits a story and shows it
func (w *Widget) Update(ctx context.Context, id client.StoryID, form story.Form) (*story.Resolved, error) {
	updated, err := w.manager.UpdateAndResync(ctx, w.association(), id, form)
	if err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.ReloadLinked(ctx); err != nil {
		return updated, err
	}
	w.view(id)
	return updated, nil
}

// AddComment comments on a story and shows it
func (w *Widget) AddComment(ctx context.Context, id client.StoryID, text string) (*story.Comment, error) {
	c, err := w.manager.AddComment(ctx, id, text)
	if err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.ReloadLinked(ctx); err != nil {
		return c, err
	}
	w.view(id)
	return c, nil
}

// AddRelations relates a story to others and reloads its relations
func (w *Widget) AddRelations(ctx context.Context, id client.StoryID, kind story.RelationKind, others []client.StoryID) ([]client.StoryLink, error) {
	links, err := w.manager.AddRelations(ctx, id, kind, others)
	if err != nil {
		w.fail(err)
	}
	if len(links) > 0 {
		if _, rerr := w.LoadRelations(ctx, id); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err == nil {
		w.view(id)
	}
	return links, err
}

// LoadRelations loads the stories related to id. Related stories that cannot
// be fetched are left out.
func (w *Widget) LoadRelations(ctx context.Context, id client.StoryID) ([]*story.Resolved, error) {
	w.store.Dispatch(store.RelationsLoading{})

	s, err := w.client.GetStory(ctx, id)
	if err != nil {
		w.store.Dispatch(store.RelationsList{})
		return nil, w.fail(err)
	}

	var related []client.StoryID
	for _, rid := range story.RelatedStoryIDs([]client.Story{*s}) {
		if rid != id {
			related = append(related, rid)
		}
	}

	var mu sync.Mutex
	fetched := make(map[client.StoryID]client.Story, len(related))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRelations)
	for _, rid := range related {
		rid := rid
		g.Go(func() error {
			rs, err := w.client.GetStory(gctx, rid)
			if err != nil {
				w.log.Info("Dropping related story that could not be fetched", "story", rid, "error", err.Error())
				return nil
			}
			mu.Lock()
			fetched[rid] = *rs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stories := make([]client.Story, 0, len(fetched))
	for _, rid := range related {
		if rs, ok := fetched[rid]; ok {
			stories = append(stories, rs)
		}
	}

	set, err := w.resolver.Get(ctx)
	if err != nil {
		w.store.Dispatch(store.RelationsList{})
		return nil, w.fail(err)
	}
	list := story.ResolveAll(stories, set)
	w.store.Dispatch(store.RelationsList{List: list})
	return list, nil
}

// HandleTargetAction debounces a host target action event per action name.
// Only the latest event of a burst is applied.
func (w *Widget) HandleTargetAction(ctx context.Context, a selection.Action) uint64 {
	return w.actions.Trigger(context.WithoutCancel(ctx), a.Name, func(ctx context.Context, tok debounce.Token) {
		if !tok.Current() {
			return
		}
		if _, err := w.HandleTargetActionNow(ctx, a); err != nil {
			w.log.V(1).Info("Target action failed", "action", a.Name, "error", err.Error())
		}
	})
}

// HandleTargetActionNow applies a host target action event. Comments posted
// by a reply submission are merged into the linked stories.
func (w *Widget) HandleTargetActionNow(ctx context.Context, a selection.Action) (*selection.ReplyResult, error) {
	linked := w.store.State().Linked.List
	res, err := w.selections.HandleAction(ctx, w.ticketID, storyIDs(linked), a)
	if res != nil && len(res.Comments) > 0 {
		// re-read so comments merge into the freshest list
		current := cloneStories(w.store.State().Linked.List)
		w.store.Dispatch(store.LinkedStoriesList{List: story.AddComments(current, res.Comments)})
	}
	if err != nil {
		return res, w.fail(err)
	}
	return res, nil
}

// ClearError clears the last recorded error
func (w *Widget) ClearError() {
	w.store.Dispatch(store.Error{})
}

// Wait blocks until debounced work has finished
func (w *Widget) Wait() {
	w.actions.Wait()
	w.search.Wait()
}

// Close drops pending debounced work and waits for running work
func (w *Widget) Close() {
	w.actions.Stop()
	w.search.Stop()
	w.Wait()
}

func (w *Widget) association() association.Ticket {
	t := w.Ticket()
	return association.Ticket{ID: t.TicketID, PermalinkURL: t.PermalinkURL}
}

func (w *Widget) view(id client.StoryID) {
	w.store.Dispatch(store.ChangePage{Page: store.PageView, Params: map[string]string{"id": id.String()}})
}

func (w *Widget) fail(err error) error {
	w.store.Dispatch(store.Error{Err: err})
	return err
}

func storyIDs(list []*story.Resolved) []client.StoryID {
	ids := make([]client.StoryID, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	return ids
}

// cloneStories copies each story and its comments so merging leaves the
// dispatched state untouched
func cloneStories(list []*story.Resolved) []*story.Resolved {
	out := make([]*story.Resolved, 0, len(list))
	for _, s := range list {
		c := *s
		c.Comments = append([]story.Comment(nil), s.Comments...)
		out = append(out, &c)
	}
	return out
}
