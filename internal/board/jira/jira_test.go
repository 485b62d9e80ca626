package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boshu2/codex-monitor/internal/board"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "user@example.com", "token")
}

func TestListTasksRunsJQLSearch(t *testing.T) {
	var sawJQL bool
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "statusCategory") {
			sawJQL = true
		}
		json.NewEncoder(w).Encode(map[string]any{
			"issues": []map[string]any{
				{"key": "PROJ-1", "fields": map[string]any{"summary": "Fix widget", "created": time.Now().Format(time.RFC3339)}},
			},
		})
	})

	tasks, err := adapter.ListTasks(context.Background(), board.ListOptions{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if !sawJQL {
		t.Error("expected a JQL search query")
	}
	if len(tasks) != 1 || tasks[0].ID != "PROJ-1" || tasks[0].Title != "Fix widget" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestAuthHeaderIsBasic(t *testing.T) {
	a := New("https://example.atlassian.net", "user@example.com", "tok")
	header := a.authHeader()
	if !strings.HasPrefix(header, "Basic ") {
		t.Errorf("authHeader = %q, want Basic prefix", header)
	}
}

func TestPersistAndReadSharedStateRoundTrip(t *testing.T) {
	var stored string
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/comment"):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			stored = body["body"]
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/comment"):
			json.NewEncoder(w).Encode(map[string]any{
				"comments": []map[string]string{{"body": stored}},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	state := board.SharedState{OwnerID: "me", Status: "in-progress", RetryCount: 1}
	if err := adapter.PersistSharedState(context.Background(), "PROJ-1", state); err != nil {
		t.Fatalf("PersistSharedState: %v", err)
	}
	got, err := adapter.ReadSharedState(context.Background(), "PROJ-1")
	if err != nil {
		t.Fatalf("ReadSharedState: %v", err)
	}
	if got.OwnerID != "me" || got.RetryCount != 1 {
		t.Errorf("got = %+v", got)
	}
}

func TestTransitionMatchesByName(t *testing.T) {
	var posted bool
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/transitions"):
			json.NewEncoder(w).Encode(map[string]any{
				"transitions": []map[string]string{
					{"id": "21", "name": "in-progress"},
					{"id": "31", "name": "done"},
				},
			})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/transitions"):
			posted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	if err := adapter.Transition(context.Background(), "PROJ-1", board.StateInProgress); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !posted {
		t.Error("expected Transition to POST the matched transition id")
	}
}
