package main

import (
	// Adapters register themselves with the agent registry on import.
	_ "github.com/boshu2/codex-monitor/internal/agent/claude"
	_ "github.com/boshu2/codex-monitor/internal/agent/codex"
	_ "github.com/boshu2/codex-monitor/internal/agent/copilot"
)

func main() {
	Execute()
}
