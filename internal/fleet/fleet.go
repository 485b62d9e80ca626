// Package fleet maintains the cross-workstation presence registry and a
// weakly consistent coordinator election. Presence is advisory: it decides
// which workstation issues planning prompts and how the global quota is
// shared, never who owns a task. Ownership is the board's shared-state
// protocol.
package fleet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/jsonfile"
)

// RoleCoordinator marks an instance eligible to run fleet-wide planning.
const RoleCoordinator = "coordinator"

// Presence is one workstation's liveness record.
type Presence struct {
	InstanceID          string    `json:"instance_id"`
	Label               string    `json:"label,omitempty"`
	Role                string    `json:"role"`
	Priority            int       `json:"priority"`
	Capabilities        []string  `json:"capabilities,omitempty"`
	Host                string    `json:"host"`
	Platform            string    `json:"platform"`
	PID                 int       `json:"pid"`
	StartedAt           time.Time `json:"started_at"`
	LastSeenAt          time.Time `json:"last_seen_at"`
	CoordinatorEligible bool      `json:"coordinator_eligible"`
}

type presenceFile struct {
	UpdatedAt time.Time  `json:"updated_at"`
	Instances []Presence `json:"instances"`
}

type instanceIDFile struct {
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Coordinator owns this workstation's presence record and reads the shared
// presence table for election and quota decisions.
type Coordinator struct {
	cfg      config.FleetConfig
	presence *jsonfile.Store

	mu   sync.Mutex
	self Presence
	now  func() time.Time
}

// New loads or synthesizes the instance id under
// <stateRoot>/<repoIdentity>/instance-id.json and binds the shared presence
// file next to it.
func New(cfg config.FleetConfig) (*Coordinator, error) {
	dir := filepath.Join(cfg.StateRoot, cfg.RepoIdentity)
	id, created, err := loadOrCreateInstanceID(filepath.Join(dir, "instance-id.json"))
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	c := &Coordinator{
		cfg:      cfg,
		presence: jsonfile.New(filepath.Join(dir, "presence.json")),
		now:      time.Now,
		self: Presence{
			InstanceID:          id,
			Label:               cfg.Label,
			Role:                cfg.Role,
			Priority:            cfg.Priority,
			Host:                host,
			Platform:            runtime.GOOS,
			PID:                 os.Getpid(),
			StartedAt:           created,
			LastSeenAt:          created,
			CoordinatorEligible: cfg.Role == RoleCoordinator,
		},
	}
	return c, nil
}

// loadOrCreateInstanceID reads instance-id.json or synthesizes
// "<hostname>-<8-hex>" and persists it for subsequent runs.
func loadOrCreateInstanceID(path string) (string, time.Time, error) {
	store := jsonfile.New(path)
	var rec instanceIDFile
	if err := store.Load(&rec); err == nil && rec.InstanceID != "" {
		return rec.InstanceID, rec.CreatedAt, nil
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "workstation"
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("fleet: generate instance id: %w", err)
	}
	rec = instanceIDFile{
		InstanceID: host + "-" + hex.EncodeToString(b),
		CreatedAt:  time.Now(),
	}
	if err := store.Save(&rec); err != nil {
		return "", time.Time{}, fmt.Errorf("fleet: persist instance id: %w", err)
	}
	return rec.InstanceID, rec.CreatedAt, nil
}

// InstanceID returns this workstation's stable instance id.
func (c *Coordinator) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.InstanceID
}

// Self returns a copy of the local presence record.
func (c *Coordinator) Self() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Heartbeat refreshes the local presence record in the shared file. Records
// past twice the TTL are evicted while we hold the file, so the table does
// not accumulate workstations that never came back.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.self.LastSeenAt = c.now()
	self := c.self
	c.mu.Unlock()

	var table presenceFile
	return c.presence.Update(&table, func() error {
		now := self.LastSeenAt
		kept := table.Instances[:0]
		for _, p := range table.Instances {
			if p.InstanceID == self.InstanceID {
				continue
			}
			if now.Sub(p.LastSeenAt) > 2*c.cfg.TTL {
				continue
			}
			kept = append(kept, p)
		}
		table.Instances = append(kept, self)
		table.UpdatedAt = now
		return nil
	})
}

// ActiveInstances returns every presence record seen within the TTL.
func (c *Coordinator) ActiveInstances() ([]Presence, error) {
	var table presenceFile
	if err := c.presence.Load(&table); err != nil {
		return nil, err
	}
	now := c.now()
	var active []Presence
	for _, p := range table.Instances {
		if now.Sub(p.LastSeenAt) <= c.cfg.TTL {
			active = append(active, p)
		}
	}
	return active, nil
}

// SelectCoordinator picks the coordinator from instances: filter by
// coordinator_eligible && role == "coordinator", falling back to all
// instances when none qualify, then sort by (priority asc, startedAt asc,
// instance_id asc) and take the first. The election is weakly consistent —
// two workstations reading slightly different tables may briefly disagree,
// which is acceptable because coordinator status is advisory.
func SelectCoordinator(instances []Presence) (Presence, bool) {
	if len(instances) == 0 {
		return Presence{}, false
	}
	var eligible []Presence
	for _, p := range instances {
		if p.CoordinatorEligible && p.Role == RoleCoordinator {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		eligible = instances
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.InstanceID < b.InstanceID
	})
	return eligible[0], true
}

// IsCoordinator reports whether this workstation currently wins the
// election among active instances. An empty or unreadable table means we
// are alone, which makes us coordinator by default.
func (c *Coordinator) IsCoordinator() bool {
	active, err := c.ActiveInstances()
	if err != nil || len(active) == 0 {
		return true
	}
	winner, ok := SelectCoordinator(active)
	if !ok {
		return true
	}
	return winner.InstanceID == c.InstanceID()
}

// QuotaShare divides globalMax evenly among active instances, never below
// one slot. A workstation that cannot read the table assumes it is alone.
func (c *Coordinator) QuotaShare(globalMax int) int {
	if globalMax <= 0 {
		return 0
	}
	active, err := c.ActiveInstances()
	if err != nil || len(active) <= 1 {
		return globalMax
	}
	share := globalMax / len(active)
	if share < 1 {
		share = 1
	}
	return share
}
