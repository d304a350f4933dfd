package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chambrid/storylink/internal/widget"
	"github.com/chambrid/storylink/pkg/client"
	"github.com/chambrid/storylink/pkg/host"
	"github.com/chambrid/storylink/pkg/selection"
	"github.com/chambrid/storylink/pkg/store"
	"github.com/chambrid/storylink/pkg/story"
)

// LinkRequest represents a request to link stories to a ticket
type LinkRequest struct {
	StoryIDs []client.StoryID `json:"story_ids"`
}

// LinkResponse reports the stories linked by a request
type LinkResponse struct {
	TicketID string           `json:"ticket_id"`
	Linked   []story.Metadata `json:"linked"`
	Error    string           `json:"error,omitempty"`
}

// TicketStoriesResponse lists the stories linked to a ticket
type TicketStoriesResponse struct {
	TicketID string            `json:"ticket_id"`
	Count    int               `json:"count"`
	Stories  []*story.Resolved `json:"stories"`
}

// TargetActionResponse reports how a target action event was handled
type TargetActionResponse struct {
	Action     string                 `json:"action"`
	Generation uint64                 `json:"generation,omitempty"`
	Reply      *selection.ReplyResult `json:"reply,omitempty"`
}

// TicketStateResponse is the widget state of a ticket
type TicketStateResponse struct {
	store.State
	Error string           `json:"error,omitempty"`
	Log   []store.LogEntry `json:"log"`
}

// widget returns the mounted widget of the ticket in the path
func (s *Server) widget(w http.ResponseWriter, r *http.Request) (*widget.Widget, bool) {
	ticket := store.TicketContext{
		TicketID:     r.PathValue("ticketID"),
		PermalinkURL: r.Header.Get(HeaderPermalink),
		AgentEmail:   r.Header.Get(HeaderAgentEmail),
	}
	wd, err := s.deps.Registry.Get(r.Context(), ticket)
	if err != nil {
		s.writeFailure(w, err)
		return nil, false
	}
	return wd, true
}

// handleResync reloads the ticket's linked stories
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	list, err := wd.ReloadLinked(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TicketStoriesResponse{TicketID: wd.Ticket().TicketID, Count: len(list), Stories: list})
}

// handleLink links stories to the ticket. A partial failure reports the
// stories that were linked with a multi-status response.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.StoryIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "story_ids is required", "")
		return
	}

	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	linked, err := wd.Link(r.Context(), req.StoryIDs)
	resp := LinkResponse{TicketID: wd.Ticket().TicketID, Linked: linked}
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resp)
	case len(linked) > 0:
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusMultiStatus, resp)
	default:
		s.writeFailure(w, err)
	}
}

// handleCreate creates a story from the form and links it to the ticket
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var form story.Form
	if !s.decodeJSON(w, r, &form) {
		return
	}
	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	created, err := wd.Create(r.Context(), form)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleUpdate applies the form to a linked story
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storyIDParam(w, r)
	if !ok {
		return
	}
	var form story.Form
	if !s.decodeJSON(w, r, &form) {
		return
	}
	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	updated, err := wd.Update(r.Context(), id, form)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// handleUnlink unlinks a story from the ticket
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storyIDParam(w, r)
	if !ok {
		return
	}
	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	if err := wd.Unlink(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ticket_id": wd.Ticket().TicketID, "unlinked": id})
}

// handleState returns the ticket's widget state and action log
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	st := wd.State()
	resp := TicketStateResponse{State: st, Log: wd.Log()}
	if st.Err != nil {
		resp.Error = client.UserMessage(st.Err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleFormOptions returns the story form dropdowns for the choices given
// as query parameters: type, team, workflow and project
func (s *Server) handleFormOptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	form := story.Form{Team: client.GroupID(q.Get("team"))}
	if v := q.Get("type"); v != "" {
		t, err := client.ParseStoryType(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid type", err.Error())
			return
		}
		form.Type = t
	}
	for name, dest := range map[string]*int64{
		"workflow": (*int64)(&form.Workflow),
		"project":  (*int64)(&form.Project),
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid "+name, err.Error())
			return
		}
		*dest = n
	}

	wd, ok := s.widget(w, r)
	if !ok {
		return
	}
	set, err := wd.Dependencies(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, story.BuildFormOptions(set, form, wd.Ticket().AgentEmail))
}

// handleTargetAction applies a host target action event. Events are
// debounced per action name unless sync=true is given.
func (s *Server) handleTargetAction(w http.ResponseWriter, r *http.Request) {
	var action selection.Action
	if !s.decodeJSON(w, r, &action) {
		return
	}
	if strings.TrimSpace(action.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required", "")
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("sync"))

	wd, ok := s.widget(w, r)
	if !ok {
		return
	}

	if !wait {
		gen := wd.HandleTargetAction(r.Context(), action)
		s.writeJSON(w, http.StatusAccepted, TargetActionResponse{Action: action.Name, Generation: gen})
		return
	}

	res, err := wd.HandleTargetActionNow(r.Context(), action)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, TargetActionResponse{Action: action.Name, Reply: res})
	case selection.IsReplyError(err) && res != nil && len(res.Commented) > 0:
		s.writeJSON(w, http.StatusMultiStatus, TargetActionResponse{Action: action.Name, Reply: res})
	default:
		s.writeFailure(w, err)
	}
}

// handleListTargetActions returns the target actions registered with the host
func (s *Server) handleListTargetActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		s.writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Target actions are not observable on this host", "")
		return
	}
	if _, ok := s.widget(w, r); !ok {
		return
	}
	actions := s.deps.Actions.TargetActions()
	if actions == nil {
		actions = []host.TargetAction{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// handleSelections returns the ticket's stored selections for a channel
func (s *Server) handleSelections(w http.ResponseWriter, r *http.Request) {
	ch, err := selection.ParseChannel(r.PathValue("channel"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid channel", err.Error())
		return
	}
	values, err := s.deps.Selections.List(r.Context(), r.PathValue("ticketID"), ch)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"channel": ch, "selections": values})
}
