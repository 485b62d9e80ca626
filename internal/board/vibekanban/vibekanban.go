// Package vibekanban adapts the vibe-kanban backend to the board.Adapter
// contract. Unlike the github/jira adapters, vibe-kanban has a native
// attempt record, so SharedState maps directly onto task fields via its
// REST API instead of a comment-blob fallback.
package vibekanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/boshu2/codex-monitor/internal/board"
)

// Adapter implements board.Adapter against a vibe-kanban server.
type Adapter struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// New constructs a vibe-kanban Adapter talking to baseURL.
func New(baseURL, apiKey string) *Adapter {
	return &Adapter{BaseURL: baseURL, APIKey: apiKey, Client: http.DefaultClient}
}

func (a *Adapter) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("vibekanban: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("vibekanban: build request: %w", err)
	}
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.Client.Do(req)
}

// vkTask is vibe-kanban's native task-plus-attempt record shape.
type vkTask struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Scope          string    `json:"scope"`
	BaseBranch     string    `json:"base_branch"`
	Branch         string    `json:"branch"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
	OwnerID        string    `json:"owner_id"`
	AttemptToken   string    `json:"attempt_token"`
	AttemptStarted time.Time `json:"attempt_started"`
	Heartbeat      time.Time `json:"heartbeat"`
	RetryCount     int       `json:"retry_count"`
}

func vkTaskToTask(t vkTask) board.Task {
	return board.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Scope:       t.Scope,
		BaseBranch:  t.BaseBranch,
		Branch:      t.Branch,
		State:       board.State(t.Status),
		Attempts:    t.Attempts,
		CreatedAt:   t.CreatedAt,
		Owner:       t.OwnerID,
	}
}

func vkTaskToSharedState(t vkTask) board.SharedState {
	return board.SharedState{
		OwnerID:        t.OwnerID,
		AttemptToken:   t.AttemptToken,
		AttemptStarted: t.AttemptStarted,
		Heartbeat:      t.Heartbeat,
		Status:         t.Status,
		RetryCount:     t.RetryCount,
	}
}

// ListTasks lists tasks matching opts.State.
func (a *Adapter) ListTasks(ctx context.Context, opts board.ListOptions) ([]board.Task, error) {
	path := "/api/tasks"
	if opts.State != "" {
		path += "?status=" + string(opts.State)
	}
	resp, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vibekanban: list tasks: unexpected status %s", resp.Status)
	}
	var tasks []vkTask
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("vibekanban: decode tasks: %w", err)
	}
	out := make([]board.Task, 0, len(tasks))
	for i, t := range tasks {
		if opts.Limit > 0 && i >= opts.Limit {
			break
		}
		out = append(out, vkTaskToTask(t))
	}
	return out, nil
}

// GetTask fetches a single task by id.
func (a *Adapter) GetTask(ctx context.Context, id string) (board.Task, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/tasks/"+id, nil)
	if err != nil {
		return board.Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return board.Task{}, fmt.Errorf("vibekanban: get task %s: unexpected status %s", id, resp.Status)
	}
	var t vkTask
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return board.Task{}, fmt.Errorf("vibekanban: decode task: %w", err)
	}
	return vkTaskToTask(t), nil
}

// ClaimTask calls the native claim endpoint, which atomically rejects the
// claim server-side if another owner's attempt is still live.
func (a *Adapter) ClaimTask(ctx context.Context, id string, state board.SharedState) (bool, error) {
	resp, err := a.request(ctx, http.MethodPost, "/api/tasks/"+id+"/claim", state)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, fmt.Errorf("vibekanban: claim task %s: unexpected status %s", id, resp.Status)
	}
}

// UpdateHeartbeat patches the task's heartbeat field directly.
func (a *Adapter) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	resp, err := a.request(ctx, http.MethodPatch, "/api/tasks/"+id, map[string]any{"heartbeat": at})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vibekanban: update heartbeat on %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

// Transition patches the task's status field.
func (a *Adapter) Transition(ctx context.Context, id string, newState board.State) error {
	resp, err := a.request(ctx, http.MethodPatch, "/api/tasks/"+id, map[string]any{"status": string(newState)})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vibekanban: transition %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

// PersistSharedState patches the task's attempt fields directly — no
// comment-blob encoding needed since vibe-kanban has native columns for them.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state board.SharedState) error {
	resp, err := a.request(ctx, http.MethodPatch, "/api/tasks/"+id, state)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vibekanban: persist shared state on %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

// ReadSharedState reads the task's attempt fields back as a SharedState.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (board.SharedState, error) {
	t, err := a.getVkTask(ctx, id)
	if err != nil {
		return board.SharedState{}, err
	}
	return vkTaskToSharedState(t), nil
}

func (a *Adapter) getVkTask(ctx context.Context, id string) (vkTask, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/tasks/"+id, nil)
	if err != nil {
		return vkTask{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return vkTask{}, fmt.Errorf("vibekanban: get task %s: unexpected status %s", id, resp.Status)
	}
	var t vkTask
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return vkTask{}, fmt.Errorf("vibekanban: decode task: %w", err)
	}
	return t, nil
}

// MarkIgnored transitions the task to ignored and patches a reason field.
func (a *Adapter) MarkIgnored(ctx context.Context, id string, reason string) error {
	resp, err := a.request(ctx, http.MethodPatch, "/api/tasks/"+id, map[string]any{
		"status":        string(board.StateIgnored),
		"ignore_reason": reason,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vibekanban: mark ignored %s: unexpected status %s", id, resp.Status)
	}
	return nil
}
