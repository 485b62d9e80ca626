// Package jira adapts Jira issues to the board.Adapter contract. It stores
// the claim record in the same comment blob the GitHub adapter uses
// (board.EncodeStateComment/DecodeStateComment) rather than custom fields,
// since custom-field IDs are Jira-project-specific and a comment blob works
// uniformly across any Jira Cloud project without per-deployment config.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/boshu2/codex-monitor/internal/board"
)

// Adapter implements board.Adapter against the Jira Cloud REST API (v3).
type Adapter struct {
	BaseURL  string // e.g. https://yourorg.atlassian.net
	Email    string
	APIToken string
	Client   *http.Client
}

// New constructs a Jira Adapter authenticating via HTTP basic auth
// (email + API token), Jira Cloud's standard REST auth scheme.
func New(baseURL, email, apiToken string) *Adapter {
	return &Adapter{BaseURL: baseURL, Email: email, APIToken: apiToken, Client: http.DefaultClient}
}

func (a *Adapter) authHeader() string {
	raw := a.Email + ":" + a.APIToken
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

func (a *Adapter) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("jira: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("jira: build request: %w", err)
	}
	req.Header.Set("Authorization", a.authHeader())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.Client.Do(req)
}

type issueFields struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Status      struct {
		Name string `json:"name"`
	} `json:"status"`
	Created time.Time `json:"created"`
}

type issueJSON struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

// ListTasks runs a JQL search for issues whose status category is not Done;
// the query is not restricted to one project.
func (a *Adapter) ListTasks(ctx context.Context, opts board.ListOptions) ([]board.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	resp, err := a.request(ctx, http.MethodGet,
		fmt.Sprintf("/rest/api/3/search?jql=statusCategory!=Done&maxResults=%d", limit), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jira: search issues: unexpected status %s", resp.Status)
	}

	var result struct {
		Issues []issueJSON `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("jira: decode search results: %w", err)
	}

	tasks := make([]board.Task, 0, len(result.Issues))
	for _, iss := range result.Issues {
		tasks = append(tasks, issueToTask(iss))
	}
	return tasks, nil
}

func issueToTask(iss issueJSON) board.Task {
	return board.Task{
		ID:          iss.Key,
		Title:       iss.Fields.Summary,
		Description: iss.Fields.Description,
		State:       board.StateTodo,
		CreatedAt:   iss.Fields.Created,
	}
}

// GetTask fetches a single issue by key.
func (a *Adapter) GetTask(ctx context.Context, id string) (board.Task, error) {
	resp, err := a.request(ctx, http.MethodGet, "/rest/api/3/issue/"+id, nil)
	if err != nil {
		return board.Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return board.Task{}, fmt.Errorf("jira: get issue %s: unexpected status %s", id, resp.Status)
	}
	var iss issueJSON
	if err := json.NewDecoder(resp.Body).Decode(&iss); err != nil {
		return board.Task{}, fmt.Errorf("jira: decode issue: %w", err)
	}
	return issueToTask(iss), nil
}

// ClaimTask persists a fresh SharedState comment blob if no live claim exists.
func (a *Adapter) ClaimTask(ctx context.Context, id string, state board.SharedState) (bool, error) {
	existing, err := a.ReadSharedState(ctx, id)
	if err == nil && existing.OwnerID != "" && existing.OwnerID != state.OwnerID {
		if time.Since(existing.Heartbeat) < 10*time.Minute {
			return false, nil
		}
	}
	if err := a.PersistSharedState(ctx, id, state); err != nil {
		return false, err
	}
	return true, nil
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

// Transition moves the issue to newState via the Jira transitions API,
// matching newState's string value against the available transition names.
func (a *Adapter) Transition(ctx context.Context, id string, newState board.State) error {
	resp, err := a.request(ctx, http.MethodGet, "/rest/api/3/issue/"+id+"/transitions", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jira: list transitions for %s: unexpected status %s", id, resp.Status)
	}
	var result struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"transitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("jira: decode transitions: %w", err)
	}
	for _, t := range result.Transitions {
		if t.Name == string(newState) {
			postResp, postErr := a.request(ctx, http.MethodPost, "/rest/api/3/issue/"+id+"/transitions",
				map[string]any{"transition": map[string]string{"id": t.ID}})
			if postErr != nil {
				return postErr
			}
			defer postResp.Body.Close()
			return nil
		}
	}
	return nil
}

// PersistSharedState appends a new state-comment blob to the issue.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state board.SharedState) error {
	comment, err := board.EncodeStateComment(state)
	if err != nil {
		return err
	}
	resp, err := a.request(ctx, http.MethodPost, "/rest/api/3/issue/"+id+"/comment",
		map[string]any{"body": comment})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("jira: post state comment to %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

type commentJSON struct {
	Comments []struct {
		Body string `json:"body"`
	} `json:"comments"`
}

// ReadSharedState fetches the issue's comments and decodes the most recent
// state blob among them.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (board.SharedState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/rest/api/3/issue/"+id+"/comment", nil)
	if err != nil {
		return board.SharedState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return board.SharedState{}, fmt.Errorf("jira: list comments on %s: unexpected status %s", id, resp.Status)
	}
	var parsed commentJSON
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return board.SharedState{}, fmt.Errorf("jira: decode comments: %w", err)
	}
	for i := len(parsed.Comments) - 1; i >= 0; i-- {
		if state, ok := board.DecodeStateComment(parsed.Comments[i].Body); ok {
			return state, nil
		}
	}
	return board.SharedState{}, fmt.Errorf("jira: no shared state found for %s", id)
}

// MarkIgnored leaves a comment explaining why the ticket was skipped.
func (a *Adapter) MarkIgnored(ctx context.Context, id string, reason string) error {
	resp, err := a.request(ctx, http.MethodPost, "/rest/api/3/issue/"+id+"/comment",
		map[string]any{"body": "codex-monitor: marking ignored — " + reason})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
