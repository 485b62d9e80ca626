// Package github adapts GitHub Issues to the board.Adapter contract, using
// labels (codex:claimed|working|stale|ignore) for coarse state and a
// JSON-in-HTML-comment blob (board.EncodeStateComment) for the fine-grained
// SharedState record.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boshu2/codex-monitor/internal/board"
)

const apiBase = "https://api.github.com"

const (
	labelClaimed = "codex:claimed"
	labelWorking = "codex:working"
	labelStale   = "codex:stale"
	labelIgnore  = "codex:ignore"
)

// TokenSource returns a bearer token for every request, letting the adapter
// stay agnostic to PAT vs GitHub App installation-token auth; AppAuth
// covers the latter.
type TokenSource func(ctx context.Context) (string, error)

// Adapter implements board.Adapter against the GitHub REST API.
type Adapter struct {
	Owner  string
	Repo   string
	Tokens TokenSource
	Client *http.Client
}

// New constructs a GitHub Adapter for owner/repo authenticating via tokens.
func New(owner, repo string, tokens TokenSource) *Adapter {
	return &Adapter{Owner: owner, Repo: repo, Tokens: tokens, Client: http.DefaultClient}
}

func (a *Adapter) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	token, err := a.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("github: resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return a.Client.Do(req)
}

type issueJSON struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignee *struct {
		Login string `json:"login"`
	} `json:"assignee"`
}

func (a *Adapter) issuePath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s/issues%s", a.Owner, a.Repo, suffix)
}

// ListTasks lists open issues and converts them into board.Task values,
// filtering by opts.State where the board State maps onto codex: labels.
func (a *Adapter) ListTasks(ctx context.Context, opts board.ListOptions) ([]board.Task, error) {
	path := a.issuePath(fmt.Sprintf("?state=open&per_page=%d", clampLimit(opts.Limit)))
	resp, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: list issues: unexpected status %s", resp.Status)
	}

	var issues []issueJSON
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, fmt.Errorf("github: decode issues: %w", err)
	}

	var tasks []board.Task
	for _, iss := range issues {
		t := issueToTask(a.Owner, a.Repo, iss)
		if opts.State != "" && t.State != opts.State {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func issueToTask(owner, repo string, iss issueJSON) board.Task {
	t := board.Task{
		ID:          fmt.Sprintf("%s/%s#%d", owner, repo, iss.Number),
		Title:       iss.Title,
		Description: iss.Body,
		Scope:       conventionalScope(iss.Title),
		State:       board.StateTodo,
		CreatedAt:   iss.CreatedAt,
	}
	if iss.Assignee != nil {
		t.Owner = iss.Assignee.Login
	}
	for _, l := range iss.Labels {
		switch l.Name {
		case labelClaimed:
			t.State = board.StateClaimed
		case labelWorking:
			t.State = board.StateInProgress
		case labelIgnore:
			t.State = board.StateIgnored
		}
	}
	return t
}

// conventionalScope extracts the conventional-commit scope from a title of
// the form "type(scope): summary", returning "" if absent.
func conventionalScope(title string) string {
	open := strings.Index(title, "(")
	shut := strings.Index(title, ")")
	if open < 0 || shut < open {
		return ""
	}
	return title[open+1 : shut]
}

// GetTask fetches a single issue by its "#<number>" suffix encoded in id.
func (a *Adapter) GetTask(ctx context.Context, id string) (board.Task, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return board.Task{}, err
	}
	resp, err := a.request(ctx, http.MethodGet, a.issuePath(fmt.Sprintf("/%d", number)), nil)
	if err != nil {
		return board.Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return board.Task{}, fmt.Errorf("github: get issue %d: unexpected status %s", number, resp.Status)
	}
	var iss issueJSON
	if err := json.NewDecoder(resp.Body).Decode(&iss); err != nil {
		return board.Task{}, fmt.Errorf("github: decode issue: %w", err)
	}
	return issueToTask(a.Owner, a.Repo, iss), nil
}

// ClaimTask attempts to claim the issue by reading its existing SharedState
// comment blob; if absent or stale it adds the claimed label and persists a
// fresh blob, returning true. If a live claim already exists under another
// owner, it returns false.
func (a *Adapter) ClaimTask(ctx context.Context, id string, state board.SharedState) (bool, error) {
	existing, err := a.ReadSharedState(ctx, id)
	if err == nil && existing.OwnerID != "" && existing.OwnerID != state.OwnerID {
		if time.Since(existing.Heartbeat) < 10*time.Minute {
			return false, nil
		}
	}
	if state.AttemptToken == "" {
		state.AttemptToken = uuid.NewString()
	}
	if err := a.addLabel(ctx, id, labelClaimed); err != nil {
		return false, err
	}
	if err := a.PersistSharedState(ctx, id, state); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) addLabel(ctx context.Context, id, label string) error {
	number, err := parseIssueNumber(id)
	if err != nil {
		return err
	}
	resp, err := a.request(ctx, http.MethodPost, a.issuePath(fmt.Sprintf("/%d/labels", number)), map[string][]string{
		"labels": {label},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github: add label %s to %s: unexpected status %s", label, id, resp.Status)
	}
	return nil
}

// UpdateHeartbeat re-persists the SharedState blob with a bumped heartbeat.
func (a *Adapter) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	state, err := a.ReadSharedState(ctx, id)
	if err != nil {
		return err
	}
	state.Heartbeat = at
	return a.PersistSharedState(ctx, id, state)
}

// Transition maps newState onto the codex: label set by adding the target
// label (working for in-progress, ignore for ignored); labels already on the
// issue, such as codex:claimed, are not removed. Other states are a no-op.
func (a *Adapter) Transition(ctx context.Context, id string, newState board.State) error {
	var label string
	switch newState {
	case board.StateInProgress:
		label = labelWorking
	case board.StateIgnored:
		label = labelIgnore
	default:
		return nil
	}
	return a.addLabel(ctx, id, label)
}

// PersistSharedState appends a new state-comment blob to the issue.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state board.SharedState) error {
	number, err := parseIssueNumber(id)
	if err != nil {
		return err
	}
	comment, err := board.EncodeStateComment(state)
	if err != nil {
		return err
	}
	resp, err := a.request(ctx, http.MethodPost, a.issuePath(fmt.Sprintf("/%d/comments", number)), map[string]string{
		"body": comment,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github: post state comment to %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

type commentJSON struct {
	Body string `json:"body"`
}

// ReadSharedState fetches the issue's comments and decodes the most recent
// state blob among them.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (board.SharedState, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return board.SharedState{}, err
	}
	resp, err := a.request(ctx, http.MethodGet, a.issuePath(fmt.Sprintf("/%d/comments?per_page=100", number)), nil)
	if err != nil {
		return board.SharedState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return board.SharedState{}, fmt.Errorf("github: list comments on %s: unexpected status %s", id, resp.Status)
	}
	var comments []commentJSON
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return board.SharedState{}, fmt.Errorf("github: decode comments: %w", err)
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if state, ok := board.DecodeStateComment(comments[i].Body); ok {
			return state, nil
		}
	}
	return board.SharedState{}, fmt.Errorf("github: no shared state found for %s", id)
}

// MarkIgnored labels the issue codex:ignore and leaves reason as a comment.
func (a *Adapter) MarkIgnored(ctx context.Context, id string, reason string) error {
	if err := a.addLabel(ctx, id, labelIgnore); err != nil {
		return err
	}
	number, err := parseIssueNumber(id)
	if err != nil {
		return err
	}
	resp, err := a.request(ctx, http.MethodPost, a.issuePath(fmt.Sprintf("/%d/comments", number)), map[string]string{
		"body": "codex-monitor: marking ignored — " + reason,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func parseIssueNumber(id string) (int, error) {
	idx := strings.LastIndex(id, "#")
	if idx < 0 {
		return 0, fmt.Errorf("github: malformed task id %q, expected owner/repo#number", id)
	}
	return strconv.Atoi(id[idx+1:])
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
