package ghcli

import "encoding/json"

// prViewJSON mirrors the subset of `gh pr view --json` codex-monitor depends
// on; gh's statusCheckRollup shape varies by provider (GitHub Actions vs
// external checks), so conclusion is read defensively.
type prViewJSON struct {
	Number            int `json:"number"`
	StatusCheckRollup []struct {
		Conclusion string `json:"conclusion"`
		Status     string `json:"status"`
	} `json:"statusCheckRollup"`
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

func parsePRView(number int, raw string) (*PR, error) {
	var parsed prViewJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	if parsed.Number != 0 {
		number = parsed.Number
	}
	pr := &PR{
		Number:    number,
		CIStatus:  aggregateCIStatus(parsed.StatusCheckRollup),
		Additions: parsed.Additions,
		Deletions: parsed.Deletions,
	}
	for _, f := range parsed.Files {
		pr.ChangedFiles = append(pr.ChangedFiles, f.Path)
	}
	return pr, nil
}

// aggregateCIStatus collapses a rollup of individual check runs into one
// status: any failure fails the whole rollup, any pending run makes it
// pending, otherwise it passes. An empty rollup (no checks configured) is
// treated as passing rather than unknown, matching gh's own "no checks" UX.
func aggregateCIStatus(checks []struct {
	Conclusion string `json:"conclusion"`
	Status     string `json:"status"`
}) CIStatus {
	if len(checks) == 0 {
		return CIPassing
	}
	sawPending := false
	for _, c := range checks {
		switch c.Status {
		case "IN_PROGRESS", "QUEUED", "PENDING", "":
			sawPending = true
		}
		switch c.Conclusion {
		case "FAILURE", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED":
			return CIFailing
		}
	}
	if sawPending {
		return CIPending
	}
	return CIPassing
}
