package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRun(t *testing.T, store *SQLiteStore, id, country, domain, version string, startedAt time.Time) *Run {
	t.Helper()

	run := &Run{
		ID:        id,
		Operation: "update",
		Country:   country,
		Domain:    domain,
		Version:   version,
		StartedAt: startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run %s: %v", id, err)
	}
	return run
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestMemoryStoreUsesSingleConnection(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath, MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected 1 connection for an in-memory database, got %d", store.cfg.MaxOpenConns)
	}
}

func TestStoreMigrations_Idempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	createRun(t, store, "run-1", "de", "household", "1.0.0", time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("run did not survive reopening: %v", err)
	}
}

func TestRunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	createRun(t, store, "run-1", "DE", "Household", "1.2.0", started)

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusRunning {
		t.Errorf("expected status running, got %s", run.Status)
	}
	if run.Scope() != "de/household" {
		t.Errorf("expected lower-cased scope, got %s", run.Scope())
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, run.StartedAt)
	}
	if run.CompletedAt != nil || run.Duration() != 0 {
		t.Error("running run must not have a completion time")
	}

	err = store.CompleteRun(ctx, "run-1", engine.RunStatusSucceeded, &taxonomy.UpdateResult{
		RunID:      "run-1",
		Success:    true,
		HasChanges: true,
		Applied:    taxonomy.Counts{Tags: 2, StoragePaths: 1},
	})
	if err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("expected status succeeded, got %s", run.Status)
	}
	if !run.HasChanges || run.Applied.Tags != 2 || run.Applied.StoragePaths != 1 {
		t.Errorf("unexpected applied counts %+v", run.Applied)
	}
	if run.Error != nil {
		t.Errorf("expected no error, got %q", *run.Error)
	}
	if run.CompletedAt == nil {
		t.Error("expected completion time")
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.CompleteRun(ctx, "missing", engine.RunStatusSucceeded, &taxonomy.UpdateResult{Success: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.LastSuccessfulRun(ctx, "de", "household"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	createRun(t, store, "run-1", "de", "household", "1.0.0", time.Now())

	err := store.CreateRun(context.Background(), &Run{ID: "run-1", Operation: "install", Country: "de", Domain: "household", Version: "1.0.0"})
	if err == nil {
		t.Error("expected duplicate run ID to fail")
	}
}

func TestCompleteRun_KeepsEngineStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1", "de", "household", "1.0.0", time.Now())

	// The first creation failed, so the ledger was empty and nothing had to
	// be deleted. The run is still a rolled back transactional failure.
	rbErr := &engine.RollbackError{Cause: errors.New("tag rejected")}
	result := &taxonomy.UpdateResult{HasChanges: true, Error: rbErr.Error()}
	status := engine.StatusOf(result.HasChanges, rbErr)
	if status != engine.RunStatusRolledBack {
		t.Fatalf("engine status = %s, want rolled_back", status)
	}

	if err := store.CompleteRun(ctx, "run-1", status, result); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusRolledBack {
		t.Errorf("recorded status = %s, want rolled_back", run.Status)
	}
	if run.RolledBack != 0 {
		t.Errorf("expected nothing rolled back, got %d", run.RolledBack)
	}
}

func TestCompleteRun_RejectsNonTerminalStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1", "de", "household", "1.0.0", time.Now())

	if err := store.CompleteRun(ctx, "run-1", engine.RunStatusRunning, &taxonomy.UpdateResult{}); err == nil {
		t.Error("expected running to be rejected as a completion status")
	}
	if err := store.CompleteRun(ctx, "run-1", engine.RunStatus("done"), &taxonomy.UpdateResult{}); err == nil {
		t.Error("expected unknown status to be rejected")
	}
}

func TestCompleteRun_RecordsOrphans(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1", "de", "household", "1.0.0", time.Now())

	orphans := []taxonomy.CreatedResourceRecord{
		{Kind: taxonomy.KindDocumentType, ID: 12, NaturalKey: "Invoice"},
		{Kind: taxonomy.KindTag, ID: 7, NaturalKey: "Financial"},
	}
	err := store.CompleteRun(ctx, "run-1", engine.RunStatusPartial, &taxonomy.UpdateResult{
		HasChanges: true,
		RolledBack: 1,
		Orphans:    orphans,
		Error:      "creating custom field \"Amount\" failed; rolled back 1 of 3",
	})
	if err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusPartial {
		t.Errorf("expected partial, got %s", run.Status)
	}
	if run.Error == nil || *run.Error == "" {
		t.Error("expected error message to be stored")
	}
	if run.RolledBack != 1 {
		t.Errorf("expected 1 rolled back, got %d", run.RolledBack)
	}

	recorded, err := store.ListOrphans(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list orphans: %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("expected 2 orphans, got %d", len(recorded))
	}
	if recorded[0].Kind != taxonomy.KindDocumentType || recorded[0].RemoteID != 12 {
		t.Errorf("unexpected first orphan %+v", recorded[0])
	}

	// Re-recording the same orphans is a no-op.
	if err := store.AddOrphans(ctx, "run-1", orphans); err != nil {
		t.Fatalf("failed to add orphans: %v", err)
	}
	all, err := store.ListOrphans(ctx, "")
	if err != nil {
		t.Fatalf("failed to list orphans: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 orphans overall, got %d", len(all))
	}
}

func TestAddOrphans_UnknownRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.AddOrphans(context.Background(), "missing", []taxonomy.CreatedResourceRecord{
		{Kind: taxonomy.KindTag, ID: 1, NaturalKey: "Financial"},
	})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestListRuns_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	createRun(t, store, "run-1", "de", "household", "1.0.0", base)
	createRun(t, store, "run-2", "de", "business", "0.3.0", base.Add(time.Hour))
	createRun(t, store, "run-3", "de", "household", "1.1.0", base.Add(2*time.Hour))
	createRun(t, store, "run-4", "at", "household", "1.0.0", base.Add(3*time.Hour))

	if err := store.CompleteRun(ctx, "run-1", engine.RunStatusSucceeded, &taxonomy.UpdateResult{Success: true, HasChanges: true}); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	if err := store.CompleteRun(ctx, "run-3", engine.RunStatusFailed, &taxonomy.UpdateResult{Error: "gateway unavailable"}); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 4 || all[0].ID != "run-4" {
		t.Errorf("expected 4 runs newest first, got %d starting with %s", len(all), all[0].ID)
	}

	household, err := store.ListRuns(ctx, RunFilter{Country: "DE", Domain: "household"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(household) != 2 || household[0].ID != "run-3" || household[1].ID != "run-1" {
		t.Errorf("unexpected de/household runs: %v", runIDs(household))
	}

	failed, err := store.ListRuns(ctx, RunFilter{Status: engine.RunStatusFailed})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-3" {
		t.Errorf("unexpected failed runs: %v", runIDs(failed))
	}

	page, err := store.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 2 || page[0].ID != "run-3" {
		t.Errorf("unexpected page: %v", runIDs(page))
	}

	last, err := store.LastSuccessfulRun(ctx, "de", "household")
	if err != nil {
		t.Fatalf("failed to get last successful run: %v", err)
	}
	if last.ID != "run-1" || last.Version != "1.0.0" {
		t.Errorf("expected run-1 as last successful run, got %s", last.ID)
	}

	createRun(t, store, "run-5", "de", "household", "1.1.0", base.Add(4*time.Hour))
	if err := store.CompleteRun(ctx, "run-5", engine.RunStatusNoChanges, &taxonomy.UpdateResult{Success: true}); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	last, err = store.LastSuccessfulRun(ctx, "DE", "Household")
	if err != nil {
		t.Fatalf("failed to get last successful run: %v", err)
	}
	if last.ID != "run-5" || last.Status != engine.RunStatusNoChanges {
		t.Errorf("a run without changes also counts as successful, got %s (%s)", last.ID, last.Status)
	}
}

func TestDeleteRunsBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	createRun(t, store, "old", "de", "household", "1.0.0", base)
	createRun(t, store, "old-running", "de", "household", "1.0.0", base)
	createRun(t, store, "new", "de", "household", "1.1.0", base.Add(48*time.Hour))

	if err := store.CompleteRun(ctx, "old", engine.RunStatusPartial, &taxonomy.UpdateResult{
		Error:   "rolled back",
		Orphans: []taxonomy.CreatedResourceRecord{{Kind: taxonomy.KindTag, ID: 1, NaturalKey: "Financial"}},
	}); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	if err := store.AppendEvent(ctx, &Event{RunID: "old", Type: "run.started", Level: "info", Message: "started"}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	deleted, err := store.DeleteRunsBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 pruned run, got %d", deleted)
	}

	if _, err := store.GetRun(ctx, "old-running"); err != nil {
		t.Errorf("running runs must not be pruned: %v", err)
	}

	orphans, err := store.ListOrphans(ctx, "")
	if err != nil {
		t.Fatalf("failed to list orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("expected orphans to be pruned with their run, got %d", len(orphans))
	}

	events, err := store.GetEvents(ctx, "old", 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events to be pruned with their run, got %d", len(events))
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1", "de", "household", "1.0.0", time.Now())

	events := []*Event{
		{RunID: "run-1", Type: "run.started", Level: "info", Message: "update de/household"},
		{RunID: "run-1", Type: "resource.created", Level: "info", Kind: "tag", NaturalKey: "Financial", Message: "created tag", Details: `{"remote_id":4}`},
		{RunID: "run-1", Type: "run.completed", Level: "info", Message: "done"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected event ID to be assigned")
		}
	}

	got, err := store.GetEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != "run.started" || got[2].Type != "run.completed" {
		t.Errorf("events out of order: %s, %s", got[0].Type, got[2].Type)
	}
	if got[0].Details != "{}" {
		t.Errorf("expected default details, got %q", got[0].Details)
	}
	if got[1].NaturalKey != "Financial" || got[1].Details != `{"remote_id":4}` {
		t.Errorf("unexpected event %+v", got[1])
	}

	limited, err := store.GetEvents(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 events, got %d", len(limited))
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	return ids
}
