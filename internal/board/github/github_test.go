package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boshu2/codex-monitor/internal/board"
)

// newTestAdapter points apiBase-shaped requests at a local httptest.Server
// by overriding the Adapter's Client to a custom RoundTripper that rewrites
// the host, keeping the adapter's hardcoded apiBase untouched (matching its
// production shape) while tests stay hermetic.
func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: rewriteTransport{base: srv.URL}}
	return New("owner", "repo", func(ctx context.Context) (string, error) { return "test-token", nil }).withClient(client)
}

type rewriteTransport struct{ base string }

func (r rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newURL := r.base + req.URL.Path
	if req.URL.RawQuery != "" {
		newURL += "?" + req.URL.RawQuery
	}
	newReq, err := http.NewRequest(req.Method, newURL, req.Body)
	if err != nil {
		return nil, err
	}
	newReq.Header = req.Header.Clone()
	return http.DefaultTransport.RoundTrip(newReq)
}

func (a *Adapter) withClient(c *http.Client) *Adapter {
	a.Client = c
	return a
}

func TestListTasksMapsLabelsToState(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/repos/owner/repo/issues") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"number":     1,
				"title":      "feat(api): add thing",
				"body":       "desc",
				"state":      "open",
				"created_at": time.Now().Format(time.RFC3339),
				"labels":     []map[string]string{{"name": "codex:working"}},
			},
		})
	})

	tasks, err := adapter.ListTasks(context.Background(), board.ListOptions{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].State != board.StateInProgress {
		t.Errorf("State = %q, want in-progress", tasks[0].State)
	}
	if tasks[0].Scope != "api" {
		t.Errorf("Scope = %q, want api", tasks[0].Scope)
	}
	if tasks[0].ID != "owner/repo#1" {
		t.Errorf("ID = %q, want owner/repo#1", tasks[0].ID)
	}
}

func TestClaimTaskRejectsLiveClaimFromAnotherOwner(t *testing.T) {
	state := board.SharedState{OwnerID: "other-workstation", Heartbeat: time.Now()}
	comment, _ := board.EncodeStateComment(state)

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/comments") && r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]string{{"body": comment}})
			return
		}
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	})

	claimed, err := adapter.ClaimTask(context.Background(), "owner/repo#5", board.SharedState{OwnerID: "me"})
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed {
		t.Error("expected ClaimTask to reject a live claim held by another owner")
	}
}

func TestClaimTaskSucceedsWhenNoExistingClaim(t *testing.T) {
	var sawLabel, sawComment bool
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/comments") && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]map[string]string{})
		case strings.HasSuffix(r.URL.Path, "/labels"):
			sawLabel = true
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/comments") && r.Method == http.MethodPost:
			sawComment = true
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	claimed, err := adapter.ClaimTask(context.Background(), "owner/repo#9", board.SharedState{OwnerID: "me"})
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if !claimed || !sawLabel || !sawComment {
		t.Errorf("claimed=%v sawLabel=%v sawComment=%v", claimed, sawLabel, sawComment)
	}
}

func TestConventionalScope(t *testing.T) {
	cases := map[string]string{
		"feat(api): add thing":  "api",
		"fix: no scope here":    "",
		"chore(ci tools): x":    "ci tools",
		"malformed(unbalanced":  "",
	}
	for title, want := range cases {
		if got := conventionalScope(title); got != want {
			t.Errorf("conventionalScope(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestParseIssueNumber(t *testing.T) {
	n, err := parseIssueNumber("owner/repo#42")
	if err != nil || n != 42 {
		t.Errorf("parseIssueNumber = %d, %v, want 42, nil", n, err)
	}
	if _, err := parseIssueNumber("no-hash-here"); err == nil {
		t.Error("expected an error for a malformed task id")
	}
}

func TestGetTaskUnexpectedStatus(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := adapter.GetTask(context.Background(), "owner/repo#1"); err == nil {
		t.Error("expected an error on a 404")
	} else if !strings.Contains(err.Error(), fmt.Sprint(http.StatusNotFound)) {
		t.Errorf("err = %v, want it to mention the status code", err)
	}
}
