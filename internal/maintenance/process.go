package maintenance

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// execCommandContext is swappable so tests never shell out to real git/ps.
var execCommandContext = exec.CommandContext

// processInfo is one row of the process table, as much of it as the sweep
// needs.
type processInfo struct {
	pid     int
	age     time.Duration
	command string
}

// listProcesses reads the process table via ps. When ps cannot be run the
// error is returned, and the sweep logs it once and goes on to its other
// steps.
var listProcesses = func(ctx context.Context) ([]processInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := execCommandContext(cctx, "ps", "-eo", "pid,etimes,args")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parsePSOutput(string(out)), nil
}

// parsePSOutput parses `ps -eo pid,etimes,args` rows.
func parsePSOutput(out string) []processInfo {
	var procs []processInfo
	for i, line := range strings.Split(out, "\n") {
		if i == 0 { // header
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		secs, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, processInfo{
			pid:     pid,
			age:     time.Duration(secs) * time.Second,
			command: strings.Join(fields[2:], " "),
		})
	}
	return procs
}

// killProcess terminates pid with SIGTERM; swappable for tests.
var killProcess = func(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
