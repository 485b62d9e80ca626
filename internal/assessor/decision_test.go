package assessor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDecisionJSONRoundTrip(t *testing.T) {
	decisions := []Decision{
		{Action: ActionMerge, Reason: "ci green"},
		{Action: ActionRepromptSame, Prompt: "fix the lint error", Reason: "lint"},
		{Action: ActionRepromptNewSession, Prompt: "start over with context"},
		{Action: ActionNewAttempt, AgentType: "copilot", Reason: "codex stuck"},
		{Action: ActionWait, WaitSeconds: 300, Reason: "ci pending"},
		{Action: ActionManualReview, Reason: "ambiguous failure"},
		{Action: ActionCloseAndReplan, Reason: "scope wrong"},
		{Action: ActionNoop},
	}
	for _, d := range decisions {
		data, err := json.Marshal(d)
		require.NoError(t, err)

		got, ok := ExtractDecisionJSON(string(data))
		require.True(t, ok, "failed to re-extract %s", d.Action)
		assert.Equal(t, d, got)
	}
}

func TestExtractDecisionJSONFromFencedOutput(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"action\": \"wait\", \"wait_seconds\": 60, \"reason\": \"ci running\"}\n```\nGood luck."
	d, ok := ExtractDecisionJSON(raw)
	require.True(t, ok)
	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, 60, d.WaitSeconds)
}

func TestExtractDecisionJSONFromEmbeddedObject(t *testing.T) {
	raw := `I considered the CI state and decided {"action": "merge", "reason": "all checks passed on {main}"} which seems safe.`
	d, ok := ExtractDecisionJSON(raw)
	require.True(t, ok)
	assert.Equal(t, ActionMerge, d.Action)
	assert.Equal(t, "all checks passed on {main}", d.Reason)
}

func TestParseDecisionDefaultsToManualReview(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "I think we should probably merge this one."},
		{"unknown action", `{"action": "deploy_to_prod"}`},
		{"broken json", `{"action": "merge",`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseDecision(tt.raw)
			assert.Equal(t, ActionManualReview, d.Action)
		})
	}
}
