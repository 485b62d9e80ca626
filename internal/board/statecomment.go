package board

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// stateCommentOpen and stateCommentClose bracket the JSON blob embedded in an HTML comment so
// it renders invisibly on GitHub/Jira while remaining machine-parseable.
const (
	stateCommentOpen  = "<!-- codex-monitor:state"
	stateCommentClose = "-->"
)

var stateCommentPattern = regexp.MustCompile(`(?s)<!-- codex-monitor:state\n(.*?)\n-->`)

// EncodeStateComment renders state as an HTML-comment-wrapped JSON blob
// suitable for appending to an issue/ticket comment body.
func EncodeStateComment(state SharedState) (string, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("board: marshal shared state: %w", err)
	}
	return fmt.Sprintf("%s\n%s\n%s", stateCommentOpen, data, stateCommentClose), nil
}

// DecodeStateComment extracts the most recent state blob from a body of
// comment text. Returns ok=false if no blob is present or it fails to parse
// — callers should treat that the same as "no shared state yet" rather than
// erroring the whole claim attempt.
func DecodeStateComment(body string) (state SharedState, ok bool) {
	matches := stateCommentPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return SharedState{}, false
	}
	last := matches[len(matches)-1][1]
	if err := json.Unmarshal([]byte(last), &state); err != nil {
		return SharedState{}, false
	}
	return state, true
}
