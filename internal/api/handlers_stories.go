package api

import (
	"net/http"
	"strings"

	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/story"
)

// CommentRequest represents a request to comment on a story
type CommentRequest struct {
	Text string `json:"text"`
}

// RelationsRequest represents a request to relate a story to others
type RelationsRequest struct {
	Kind     string           `json:"kind"`
	StoryIDs []client.StoryID `json:"story_ids"`
}

// RelationsResponse reports the relations created by a request
type RelationsResponse struct {
	StoryID client.StoryID     `json:"story_id"`
	Links   []client.StoryLink `json:"links"`
	Error   string             `json:"error,omitempty"`
}

// SearchResponse lists the stories matching a query
type SearchResponse struct {
	Query   string            `json:"query"`
	Count   int               `json:"count"`
	Stories []*story.Resolved `json:"stories"`
}

// handleSearch searches stories. With a ticket parameter the search runs
// through that ticket's widget so its state follows the results.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	if ticketID := r.URL.Query().Get("ticket"); ticketID != "" {
		r.SetPathValue("ticketID", ticketID)
		wd, ok := s.widget(w, r)
		if !ok {
			return
		}
		list, err := wd.Search(r.Context(), query)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, SearchResponse{Query: query, Count: len(list), Stories: list})
		return
	}

	list := []*story.Resolved{}
	if query != "" {
		found, err := s.deps.Client.SearchStories(r.Context(), query, s.deps.PageSize)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		set, err := s.deps.Resolver.Get(r.Context())
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		list = story.ResolveAll(found, set)
	}
	s.writeJSON(w, http.StatusOK, SearchResponse{Query: query, Count: len(list), Stories: list})
}

// handleAddComment comments on a story
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storyIDParam(w, r)
	if !ok {
		return
	}
	var req CommentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	comment, err := s.deps.Manager.AddComment(r.Context(), id, req.Text)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, comment)
}

// handleAddRelations relates a story to others. Relations that could not be
// created are reported with a multi-status response.
func (s *Server) handleAddRelations(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storyIDParam(w, r)
	if !ok {
		return
	}
	var req RelationsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	kind, err := story.ParseRelationKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid relation kind", err.Error())
		return
	}

	links, err := s.deps.Manager.AddRelations(r.Context(), id, kind, req.StoryIDs)
	resp := RelationsResponse{StoryID: id, Links: links}
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, resp)
	case len(links) > 0:
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusMultiStatus, resp)
	default:
		s.writeFailure(w, err)
	}
}

// handleListRelations returns the stories related to a story
func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storyIDParam(w, r)
	if !ok {
		return
	}
	ticketID := r.URL.Query().Get("ticket")
	if ticketID == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "ticket parameter is required", "")
		return
	}
	r.SetPathValue("ticketID", ticketID)
	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	list, err := wd.LoadRelations(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"story_id": id, "count": len(list), "stories": list})
}
