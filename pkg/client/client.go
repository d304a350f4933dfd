package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/sling"
	"github.com/go-logr/logr"

	"github.com/chambrid/storylink/pkg/config"
	"github.com/chambrid/storylink/pkg/metrics"
	"github.com/chambrid/storylink/pkg/ratelimit"
)

// Client defines the story tracker operations used by storylink
type Client interface {
	GetStory(ctx context.Context, id StoryID) (*Story, error)
	SearchStories(ctx context.Context, query string, pageSize int) ([]Story, error)
	QueryStories(ctx context.Context, req StorySearchRequest) ([]Story, error)
	CreateStory(ctx context.Context, req *CreateStoryRequest) (*Story, error)
	UpdateStory(ctx context.Context, id StoryID, req *UpdateStoryRequest) (*Story, error)
	CreateComment(ctx context.Context, id StoryID, text string) (*Comment, error)
	CreateStoryLink(ctx context.Context, req CreateStoryLinkRequest) (*StoryLink, error)
	CreateLabel(ctx context.Context, req CreateLabelRequest) (*Label, error)

	ListGroups(ctx context.Context) ([]Group, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)
	ListProjects(ctx context.Context) ([]Project, error)
	ListEpics(ctx context.Context) ([]Epic, error)
	ListIterations(ctx context.Context) ([]Iteration, error)
	ListMembers(ctx context.Context) ([]Member, error)
	ListLabels(ctx context.Context) ([]Label, error)
	ListCustomFields(ctx context.Context) ([]CustomField, error)

	GetCurrentMember(ctx context.Context) (*CurrentMember, error)
}

// Options configures a ShortcutClient
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Limiter    ratelimit.RateLimiter
	HTTPClient *http.Client // overrides Timeout and Limiter when set
	Log        logr.Logger
	Recorder   *metrics.Recorder
}

// ShortcutClient implements Client over the tracker REST API
type ShortcutClient struct {
	sling      *sling.Sling
	httpClient *http.Client
	log        logr.Logger
	recorder   *metrics.Recorder
}

// New creates a client from explicit options
func New(opts Options) (*ShortcutClient, error) {
	if opts.Token == "" {
		return nil, &ClientError{Type: "validation_error", Message: "API token is required"}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = config.DefaultAPIBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		limiter := opts.Limiter
		if limiter == nil {
			limiter = ratelimit.NewWithSettings(ratelimit.Settings{MaxConcurrent: 5})
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Transport: ratelimit.NewTokenTransport(opts.Token, limiter, nil),
			Timeout:   timeout,
		}
	}

	// sling resolves request paths against the base, which needs a trailing slash
	base := strings.TrimRight(opts.BaseURL, "/") + "/"

	return &ShortcutClient{
		sling: sling.New().
			Client(httpClient).
			Base(base).
			Set("Accept", "application/json").
			Set("User-Agent", "storylink"),
		httpClient: httpClient,
		log:        opts.Log,
		recorder:   opts.Recorder,
	}, nil
}

// NewClient creates a client authenticated with the shared token
func NewClient(cfg *config.Config, log logr.Logger, recorder *metrics.Recorder) (Client, error) {
	return New(Options{
		BaseURL:  cfg.APIBaseURL,
		Token:    cfg.APIToken,
		Timeout:  cfg.RequestTimeout,
		Limiter:  ratelimit.NewRateLimiter(cfg),
		Log:      log,
		Recorder: recorder,
	})
}

// NewAdminClient creates a client authenticated with the operator-supplied token
func NewAdminClient(cfg *config.Config, log logr.Logger, recorder *metrics.Recorder) (Client, error) {
	if cfg.AdminToken == "" {
		return nil, &ClientError{Type: "validation_error", Message: "SHORTCUT_ADMIN_TOKEN is required for admin operations"}
	}
	return New(Options{
		BaseURL:  cfg.APIBaseURL,
		Token:    cfg.AdminToken,
		Timeout:  cfg.RequestTimeout,
		Limiter:  ratelimit.NewRateLimiter(cfg),
		Log:      log,
		Recorder: recorder,
	})
}

type searchParams struct {
	Query    string `url:"query"`
	PageSize int    `url:"page_size,omitempty"`
}

// GetStory retrieves a single story
func (c *ShortcutClient) GetStory(ctx context.Context, id StoryID) (*Story, error) {
	if id <= 0 {
		return nil, &ClientError{Type: "validation_error", Message: "story id must be positive"}
	}
	var story Story
	endpoint := "stories/" + id.String()
	if err := c.do(ctx, c.sling.New().Get(endpoint), endpoint, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// SearchStories runs a free-text story search. An empty result is an empty, non-nil slice.
func (c *ShortcutClient) SearchStories(ctx context.Context, query string, pageSize int) ([]Story, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Story{}, nil
	}

	var results SearchResults
	endpoint := "search/stories"
	req := c.sling.New().Get(endpoint).QueryStruct(&searchParams{Query: query, PageSize: pageSize})
	if err := c.do(ctx, req, endpoint, &results); err != nil {
		return nil, err
	}
	if results.Data == nil {
		return []Story{}, nil
	}
	return results.Data, nil
}

// QueryStories lists stories matching structured criteria
func (c *ShortcutClient) QueryStories(ctx context.Context, criteria StorySearchRequest) ([]Story, error) {
	var stories []Story
	endpoint := "stories/search"
	if err := c.do(ctx, c.sling.New().Post(endpoint).BodyJSON(criteria), endpoint, &stories); err != nil {
		return nil, err
	}
	if stories == nil {
		stories = []Story{}
	}
	return stories, nil
}

// CreateStory creates a story and returns the created record
func (c *ShortcutClient) CreateStory(ctx context.Context, req *CreateStoryRequest) (*Story, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, &ClientError{Type: "validation_error", Message: "story name is required"}
	}
	var story Story
	endpoint := "stories"
	if err := c.do(ctx, c.sling.New().Post(endpoint).BodyJSON(req), endpoint, &story); err != nil {
		return nil, err
	}
	if story.ID == 0 {
		return nil, &ClientError{Type: "decode_error", Message: "failed to create story, could not get new story ID", Context: endpoint}
	}
	return &story, nil
}

// UpdateStory applies a partial update to a story
func (c *ShortcutClient) UpdateStory(ctx context.Context, id StoryID, req *UpdateStoryRequest) (*Story, error) {
	if req == nil {
		req = &UpdateStoryRequest{}
	}
	var story Story
	endpoint := "stories/" + id.String()
	if err := c.do(ctx, c.sling.New().Put(endpoint).BodyJSON(req), endpoint, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// CreateComment adds a comment to a story
func (c *ShortcutClient) CreateComment(ctx context.Context, id StoryID, text string) (*Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ClientError{Type: "validation_error", Message: "comment text is required", Context: id.String()}
	}
	var comment Comment
	endpoint := fmt.Sprintf("stories/%d/comments", id)
	body := CreateCommentRequest{Text: text}
	if err := c.do(ctx, c.sling.New().Post(endpoint).BodyJSON(body), endpoint, &comment); err != nil {
		return nil, err
	}
	if comment.StoryID == 0 {
		comment.StoryID = id
	}
	return &comment, nil
}

// CreateStoryLink relates two stories
func (c *ShortcutClient) CreateStoryLink(ctx context.Context, req CreateStoryLinkRequest) (*StoryLink, error) {
	if req.SubjectID == req.ObjectID {
		return nil, &ClientError{Type: "validation_error", Message: "a story cannot be linked to itself", Context: req.SubjectID.String()}
	}
	var link StoryLink
	endpoint := "story-links"
	if err := c.do(ctx, c.sling.New().Post(endpoint).BodyJSON(req), endpoint, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// CreateLabel creates a workspace label
func (c *ShortcutClient) CreateLabel(ctx context.Context, req CreateLabelRequest) (*Label, error) {
	var label Label
	endpoint := "labels"
	if err := c.do(ctx, c.sling.New().Post(endpoint).BodyJSON(req), endpoint, &label); err != nil {
		return nil, err
	}
	return &label, nil
}

// ListGroups lists teams
func (c *ShortcutClient) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	if err := c.list(ctx, "groups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListWorkflows lists workflows and their states
func (c *ShortcutClient) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out []Workflow
	if err := c.list(ctx, "workflows", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListProjects lists projects
func (c *ShortcutClient) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.list(ctx, "projects", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEpics lists epics
func (c *ShortcutClient) ListEpics(ctx context.Context) ([]Epic, error) {
	var out []Epic
	if err := c.list(ctx, "epics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListIterations lists iterations
func (c *ShortcutClient) ListIterations(ctx context.Context) ([]Iteration, error) {
	var out []Iteration
	if err := c.list(ctx, "iterations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMembers lists workspace members
func (c *ShortcutClient) ListMembers(ctx context.Context) ([]Member, error) {
	var out []Member
	if err := c.list(ctx, "members", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListLabels lists labels
func (c *ShortcutClient) ListLabels(ctx context.Context) ([]Label, error) {
	var out []Label
	if err := c.list(ctx, "labels", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCustomFields lists custom field definitions
func (c *ShortcutClient) ListCustomFields(ctx context.Context) ([]CustomField, error) {
	var out []CustomField
	if err := c.list(ctx, "custom-fields", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCurrentMember returns the member owning the token; used to verify credentials
func (c *ShortcutClient) GetCurrentMember(ctx context.Context) (*CurrentMember, error) {
	var member CurrentMember
	endpoint := "member"
	if err := c.do(ctx, c.sling.New().Get(endpoint), endpoint, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *ShortcutClient) list(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, c.sling.New().Get(endpoint), endpoint, out)
}

// do sends the request built by s and decodes a successful JSON body into out
func (c *ShortcutClient) do(ctx context.Context, s *sling.Sling, endpoint string, out any) error {
	req, err := s.Request()
	if err != nil {
		return &ClientError{Type: "request_error", Message: "failed to build request", Err: err, Context: endpoint}
	}
	req = req.WithContext(ctx)

	c.log.V(1).Info("Making API request", "method", req.Method, "endpoint", endpoint)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recorder.ObserveAPICall(req.Method, 0, time.Since(start))
		return &ClientError{Type: "connection_error", Message: "request failed", Err: err, Context: endpoint}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error(err, "Failed to close response body")
		}
	}()
	c.recorder.ObserveAPICall(req.Method, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ClientError{Type: "connection_error", Message: "failed to read response", Err: err, Context: endpoint}
	}

	c.log.V(1).Info("API response received", "endpoint", endpoint, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return newAPIError(req.Method, endpoint, resp.StatusCode, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ClientError{Type: "decode_error", Message: "failed to decode response", Err: err, Context: endpoint}
	}
	return nil
}
