package store

import (
	"github.com/chambrid/storylink/pkg/deps"
	"github.com/chambrid/storylink/pkg/story"
)

// Action is a state transition request. The set of actions is closed.
type Action interface {
	Type() string
	isAction()
}

// ChangePage navigates to page with optional parameters
type ChangePage struct {
	Page   Page
	Params map[string]string
}

// LoadContext replaces the ticket context
type LoadContext struct {
	Context TicketContext
}

// SearchLoading marks a search for Query as in flight
type SearchLoading struct {
	Query string
}

// SearchResults delivers the results of the search for Query
type SearchResults struct {
	Query string
	List  []*story.Resolved
}

// SearchReset clears the search
type SearchReset struct{}

// LinkedStoriesLoading marks the linked stories as loading
type LinkedStoriesLoading struct{}

// LinkedStoriesList delivers the linked stories
type LinkedStoriesList struct {
	List []*story.Resolved
}

// LoadDataDependencies caches the dependency set
type LoadDataDependencies struct {
	Deps *deps.DependencySet
}

// RelationsLoading marks the related stories as loading
type RelationsLoading struct{}

// RelationsList delivers the related stories
type RelationsList struct {
	List []*story.Resolved
}

// Error records the last error; a nil Err clears it
type Error struct {
	Err error
}

func (ChangePage) Type() string           { return "changePage" }
func (LoadContext) Type() string          { return "loadContext" }
func (SearchLoading) Type() string        { return "linkStorySearchListLoading" }
func (SearchResults) Type() string        { return "linkStorySearchList" }
func (SearchReset) Type() string          { return "linkStorySearchListReset" }
func (LinkedStoriesLoading) Type() string { return "linkedStoriesListLoading" }
func (LinkedStoriesList) Type() string    { return "linkedStoriesList" }
func (LoadDataDependencies) Type() string { return "loadDataDependencies" }
func (RelationsLoading) Type() string     { return "relationsStoriesListLoading" }
func (RelationsList) Type() string        { return "relationsStoriesList" }
func (Error) Type() string                { return "error" }

func (ChangePage) isAction()           {}
func (LoadContext) isAction()          {}
func (SearchLoading) isAction()        {}
func (SearchResults) isAction()        {}
func (SearchReset) isAction()          {}
func (LinkedStoriesLoading) isAction() {}
func (LinkedStoriesList) isAction()    {}
func (LoadDataDependencies) isAction() {}
func (RelationsLoading) isAction()     {}
func (RelationsList) isAction()        {}
func (Error) isAction()                {}
