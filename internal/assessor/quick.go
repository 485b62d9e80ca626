package assessor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Heuristic thresholds for QuickAssess.
const (
	maxAttemptsBeforeManualReview = 4
	maxSessionRetries             = 3
)

// autoResolvableGlobs matches conflict files that are safe to take wholesale
// from one side of a rebase: lock files and generated artefacts whose content
// is reproducible from the rest of the tree.
var autoResolvableGlobs = []string{
	"pnpm-lock.yaml",
	"package-lock.json",
	"yarn.lock",
	"go.sum",
	"Cargo.lock",
	"Gemfile.lock",
	"poetry.lock",
	"composer.lock",
	"*.generated.*",
	"*.pb.go",
	"dist/*",
	"build/*",
}

// autoResolvable reports whether every file in files matches one of the
// auto-resolvable glob sets.
func autoResolvable(files []string) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !matchesAnyGlob(f) {
			return false
		}
	}
	return true
}

func matchesAnyGlob(file string) bool {
	base := filepath.Base(file)
	for _, glob := range autoResolvableGlobs {
		if ok, _ := filepath.Match(glob, file); ok {
			return true
		}
		if !strings.Contains(glob, "/") {
			if ok, _ := filepath.Match(glob, base); ok {
				return true
			}
		}
	}
	return false
}

// conflictResolutionPrompt builds the explicit resolution sequence sent back
// to the agent for an auto-resolvable rebase conflict.
func conflictResolutionPrompt(files []string) string {
	joined := strings.Join(files, " ")
	return fmt.Sprintf("git checkout --theirs %s && git add %s\ngit rebase --continue\nAfter that, run tests and push.", joined, joined)
}

// rebaseOntoUpstreamPrompt instructs the agent to rebase after an upstream
// PR merged under it.
func rebaseOntoUpstreamPrompt(upstream string) string {
	if upstream == "" {
		upstream = "origin/main"
	}
	return fmt.Sprintf("A PR merged into %s underneath your branch. Run:\ngit fetch && git rebase %s\nResolve any conflicts, then run tests and push with --force-with-lease.", upstream, upstream)
}

// QuickAssess is the heuristic tier of the assessor: a pure function over
// the assessment context that never calls an SDK. It returns nil when no
// heuristic applies, handing the context to the AI tier.
func QuickAssess(c Context) *Decision {
	if c.Trigger == TriggerRebaseFailed && autoResolvable(c.ConflictFiles) {
		return &Decision{
			Action: ActionRepromptSame,
			Prompt: conflictResolutionPrompt(c.ConflictFiles),
			Reason: "rebase conflict limited to auto-resolvable files",
		}
	}
	if c.AttemptCount >= maxAttemptsBeforeManualReview {
		return &Decision{
			Action: ActionManualReview,
			Reason: fmt.Sprintf("attempt count %d reached the cap", c.AttemptCount),
		}
	}
	if c.SessionRetries >= maxSessionRetries {
		return &Decision{
			Action:    ActionNewAttempt,
			AgentType: c.AlternateSDK,
			Reason:    fmt.Sprintf("%d session retries with %s, switching SDK", c.SessionRetries, c.CurrentSDK),
		}
	}
	if c.Trigger == TriggerPRMergedDownstream && !c.RebaseAttempted {
		return &Decision{
			Action: ActionRepromptSame,
			Prompt: rebaseOntoUpstreamPrompt(c.BaseBranch),
			Reason: "upstream moved, rebase not yet attempted",
		}
	}
	return nil
}
