package stores

import (
	"context"
	"errors"
	"time"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one recorded install or update call.
type Run struct {
	ID         string           `json:"id"`
	Operation  string           `json:"operation"`
	Country    string           `json:"country"`
	Domain     string           `json:"domain"`
	Version    string           `json:"version"`
	Source     string           `json:"source,omitempty"`
	Status     engine.RunStatus `json:"status"`
	HasChanges bool             `json:"has_changes"`
	Applied    taxonomy.Counts  `json:"applied"`
	RolledBack int              `json:"rolled_back"`
	Error      *string          `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Scope returns "country/domain".
func (r *Run) Scope() string {
	return r.Country + "/" + r.Domain
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Country string
	Domain  string
	Status  engine.RunStatus
	Limit   int
	Offset  int
}

// Orphan is a resource a failed run created but could not delete.
type Orphan struct {
	RunID      string        `json:"run_id"`
	Kind       taxonomy.Kind `json:"kind"`
	RemoteID   int64         `json:"remote_id"`
	NaturalKey string        `json:"natural_key"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Event is a persisted run event.
type Event struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	Kind       string    `json:"kind,omitempty"`
	NaturalKey string    `json:"natural_key,omitempty"`
	Message    string    `json:"message"`
	Details    string    `json:"details"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// Store defines the interface for run history persistence.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status engine.RunStatus, result *taxonomy.UpdateResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	LastSuccessfulRun(ctx context.Context, country, domain string) (*Run, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Orphan operations
	AddOrphans(ctx context.Context, runID string, orphans []taxonomy.CreatedResourceRecord) error
	ListOrphans(ctx context.Context, runID string) ([]*Orphan, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, limit int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
