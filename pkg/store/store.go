// Package store holds the state of one widget instance. State changes only
// through Dispatch, which applies the pure Reduce function and keeps a log of
// the applied actions.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/story"
)

// Page is a widget page
type Page string

const (
	PageHome         Page = "home"
	PageLink         Page = "link"
	PageView         Page = "view"
	PageCreate       Page = "create"
	PageEdit         Page = "edit"
	PageAddComment   Page = "add_comment"
	PageAddRelations Page = "add_story_relations"
)

var pages = []Page{PageHome, PageLink, PageView, PageCreate, PageEdit, PageAddComment, PageAddRelations}

// ParsePage validates a page name
func ParsePage(s string) (Page, error) {
	for _, p := range pages {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown page %q", s)
}

// TicketContext is the host context of the ticket the widget is shown on
type TicketContext struct {
	TicketID     string `json:"ticketId"`
	PermalinkURL string `json:"permalinkUrl"`
	AgentEmail   string `json:"agentEmail"`
}

// StoryList is a list that may be loading
type StoryList struct {
	Loading bool              `json:"loading"`
	List    []*story.Resolved `json:"list"`
}

// Search is the state of the story search. Query is the search in flight or
// last completed.
type Search struct {
	Query string `json:"query"`
	StoryList
}

// State is the widget state
type State struct {
	Page         Page                `json:"page,omitempty"`
	PageParams   map[string]string   `json:"pageParams,omitempty"`
	Context      *TicketContext      `json:"context,omitempty"`
	Search       Search              `json:"search"`
	Linked       StoryList           `json:"linked"`
	Relations    StoryList           `json:"relations"`
	Dependencies *deps.DependencySet `json:"-"`
	Err          error               `json:"-"`
}

// Reduce returns the state after applying a. It does not modify s.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case ChangePage:
		s.Page = a.Page
		s.PageParams = a.Params
	case LoadContext:
		ctx := a.Context
		s.Context = &ctx
	case SearchLoading:
		s.Search = Search{Query: a.Query, StoryList: StoryList{Loading: true, List: []*story.Resolved{}}}
	case SearchResults:
		// results of a superseded query are dropped
		if a.Query != s.Search.Query {
			return s
		}
		s.Search = Search{Query: a.Query, StoryList: StoryList{List: nonNil(a.List)}}
	case SearchReset:
		s.Search = Search{StoryList: StoryList{List: []*story.Resolved{}}}
	case LinkedStoriesLoading:
		s.Linked = StoryList{Loading: true, List: []*story.Resolved{}}
	case LinkedStoriesList:
		s.Linked = StoryList{List: nonNil(a.List)}
	case LoadDataDependencies:
		s.Dependencies = a.Deps
	case RelationsLoading:
		s.Relations = StoryList{Loading: true, List: []*story.Resolved{}}
	case RelationsList:
		s.Relations = StoryList{List: nonNil(a.List)}
	case Error:
		s.Err = a.Err
	}
	return s
}

func nonNil(list []*story.Resolved) []*story.Resolved {
	if list == nil {
		return []*story.Resolved{}
	}
	return list
}

// maxLogEntries bounds the action log
const maxLogEntries = 100

// LogEntry is one dispatched action
type LogEntry struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

// Store is the single writer of a widget's State
type Store struct {
	mu     sync.RWMutex
	state  State
	log    []LogEntry
	logger logr.Logger
	now    func() time.Time
}

// New creates a store with an empty state
func New(log logr.Logger) *Store {
	return &Store{
		state:  Reduce(State{}, SearchReset{}),
		log:    make([]LogEntry, 0),
		logger: log.WithName("store"),
		now:    time.Now,
	}
}

// Dispatch applies a and returns the new state
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Reduce(s.state, a)
	s.log = append(s.log, LogEntry{Type: a.Type(), At: s.now()})
	if len(s.log) > maxLogEntries {
		s.log = s.log[len(s.log)-maxLogEntries:]
	}
	if e, ok := a.(Error); ok && e.Err != nil {
		s.logger.Info("Widget error recorded", "error", e.Err.Error())
	} else {
		s.logger.V(1).Info("Dispatched action", "type", a.Type())
	}
	return s.state
}

// State returns the current state
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Log returns the dispatched actions, oldest first
func (s *Store) Log() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.log...)
}
