package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/artistsync/internal/shared"
)

// ImportKey identifies one logical import.
//
// Permanent keys look like "artist:<id>". Before the artist id is known the key is
// provisional and built from the first supplied identifier, so that two requests
// carrying the same identifier always collide.
type ImportKey string

const (
	entityPrefix      = "artist:"
	jobPrefix         = "job:"
	provisionalPrefix = "pending:"
)

// EntityKey returns the permanent key for an artist id.
func EntityKey(entityID string) ImportKey {
	return ImportKey(entityPrefix + entityID)
}

// JobKey returns the key used to guard a scheduler job against overlapping itself.
func JobKey(name string) ImportKey {
	return ImportKey(jobPrefix + name)
}

// DeriveKey picks the key for a new import request.
//
// A known entity id wins; otherwise the catalog id, the ticketing id, the normalized
// name and the other-provider id are tried in that order.
func DeriveKey(entityID string, ids Identifiers) (ImportKey, error) {
	if id := strings.TrimSpace(entityID); id != "" {
		return EntityKey(id), nil
	}
	if id := strings.TrimSpace(ids.CatalogID); id != "" {
		return ImportKey(provisionalPrefix + "catalog:" + id), nil
	}
	if id := strings.TrimSpace(ids.TicketingID); id != "" {
		return ImportKey(provisionalPrefix + "ticketing:" + id), nil
	}
	if name := shared.NormalizeName(ids.Name); name != "" {
		return ImportKey(provisionalPrefix + "name:" + name), nil
	}
	if id := strings.TrimSpace(ids.OtherID); id != "" {
		return ImportKey(provisionalPrefix + "other:" + id), nil
	}
	return "", fmt.Errorf("%w: at least one identifier is required", shared.ErrInvalidInput)
}

// Provisional reports whether the key was derived from an external identifier.
func (k ImportKey) Provisional() bool {
	return strings.HasPrefix(string(k), provisionalPrefix)
}

// EntityID returns the artist id of a permanent key.
func (k ImportKey) EntityID() (string, bool) {
	return strings.CutPrefix(string(k), entityPrefix)
}

func (k ImportKey) String() string {
	return string(k)
}

// Stage is the position of a run in its lifecycle.
type Stage string

const (
	StageInitializing   Stage = "initializing"
	StageResolving      Stage = "resolving"
	StageSyncingCore    Stage = "syncing-core"
	StageSyncingCatalog Stage = "syncing-catalog"
	StageSyncingEvents  Stage = "syncing-events"
	StageFinalizing     Stage = "finalizing"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

var stageRanks = map[Stage]int{
	StageInitializing:   0,
	StageResolving:      1,
	StageSyncingCore:    2,
	StageSyncingCatalog: 3,
	StageSyncingEvents:  4,
	StageFinalizing:     5,
	StageCompleted:      6,
	StageFailed:         6,
}

// ParseStage converts a string into a [Stage].
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, ok := stageRanks[st]; !ok {
		return "", fmt.Errorf("%w: unknown stage %q", shared.ErrInvalidArgument, s)
	}
	return st, nil
}

// Rank orders stages; a run may only move to an equal or higher rank.
func (s Stage) Rank() int {
	if r, ok := stageRanks[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether s is completed or failed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

func (s Stage) String() string {
	return string(s)
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerOnDemand  Trigger = "on-demand"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ImportStatus is the live status of one run, written after every step and polled by callers.
type ImportStatus struct {
	Key         ImportKey  `json:"import_key" yaml:"import_key"`
	RunID       string     `json:"run_id" yaml:"run_id"`
	Stage       Stage      `json:"stage" yaml:"stage"`
	Progress    int        `json:"progress" yaml:"progress"`
	Message     string     `json:"message" yaml:"message"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	EntityID    string     `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Trigger     Trigger    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// NewImportStatus returns a fresh initializing status with a new run id.
func NewImportStatus(key ImportKey, trigger Trigger, now time.Time) ImportStatus {
	return ImportStatus{
		Key:       key,
		RunID:     shared.GenerateID(),
		Stage:     StageInitializing,
		Message:   "import queued",
		Trigger:   trigger,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the run has finished.
func (s ImportStatus) Terminal() bool {
	return s.Stage.Terminal()
}

// Stale reports whether a non-terminal run started longer than window ago and counts as abandoned.
func (s ImportStatus) Stale(now time.Time, window time.Duration) bool {
	return !s.Terminal() && now.Sub(s.StartedAt) > window
}

// Clone returns a deep copy.
func (s ImportStatus) Clone() ImportStatus {
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// StepName names one step executor.
type StepName string

const (
	StepSyncCore       StepName = "sync-core"
	StepSyncCatalog    StepName = "sync-catalog"
	StepSyncEvents     StepName = "sync-events"
	StepCreateDefaults StepName = "create-defaults"
)

// Steps lists the step executors in execution order.
var Steps = []StepName{StepSyncCore, StepSyncCatalog, StepSyncEvents, StepCreateDefaults}

// StepState is the outcome of a step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StepResult is the audit record of one step in one run.
//
// For skipped steps Error holds the skip reason.
type StepResult struct {
	Step      StepName       `json:"step" yaml:"step"`
	State     StepState      `json:"state" yaml:"state"`
	StartedAt *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Attempts  int            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Payload   map[string]int `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Duration is the wall time of the step, or zero if it never ran.
func (r StepResult) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// RunReport aggregates the outcome of one run.
//
// Success is true iff identity resolution and the core sync both completed.
type RunReport struct {
	Success     bool         `json:"success" yaml:"success"`
	EntityID    string       `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	ImportKey   ImportKey    `json:"import_key" yaml:"import_key"`
	RunID       string       `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Identifiers Identifiers  `json:"identifiers" yaml:"identifiers"`
	Steps       []StepResult `json:"steps" yaml:"steps"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// Step returns the result for name.
func (r RunReport) Step(name StepName) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// States lists step states in execution order.
func (r RunReport) States() []StepState {
	states := make([]StepState, len(r.Steps))
	for i, s := range r.Steps {
		states[i] = s.State
	}
	return states
}

// ImportOptions selects the optional steps of a run.
type ImportOptions struct {
	SyncCatalog    bool `json:"sync_catalog" yaml:"sync_catalog"`
	SyncEvents     bool `json:"sync_events" yaml:"sync_events"`
	CreateDefaults bool `json:"create_defaults" yaml:"create_defaults"`
}

// FullImport runs every step.
func FullImport() ImportOptions {
	return ImportOptions{SyncCatalog: true, SyncEvents: true, CreateDefaults: true}
}

// LightImport refreshes events and defaults without re-walking the catalog.
func LightImport() ImportOptions {
	return ImportOptions{SyncEvents: true, CreateDefaults: true}
}

// OptionsForMode maps a job mode to import options.
func OptionsForMode(mode string) (ImportOptions, error) {
	switch mode {
	case shared.JobModeFull:
		return FullImport(), nil
	case shared.JobModeLight:
		return LightImport(), nil
	default:
		return ImportOptions{}, fmt.Errorf("%w: mode %q has no import options", shared.ErrInvalidArgument, mode)
	}
}

// Enabled reports whether a step is turned on. The core sync always is.
func (o ImportOptions) Enabled(step StepName) bool {
	switch step {
	case StepSyncCatalog:
		return o.SyncCatalog
	case StepSyncEvents:
		return o.SyncEvents
	case StepCreateDefaults:
		return o.CreateDefaults
	default:
		return true
	}
}
