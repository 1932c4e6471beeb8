package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/gateway/memory"
	"github.com/papersync/papersync/pkg/taxonomy"
)

func TestDetectChangesEmptyRemote(t *testing.T) {
	gw := memory.New()
	def := householdDefinition(t)

	diff, err := engine.NewPlanner(gw).DetectChanges(context.Background(), def)
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	if !diff.HasChanges {
		t.Fatal("expected changes against an empty remote")
	}
	want := taxonomy.Counts{Tags: 5, DocumentTypes: 3, StoragePaths: 2, CustomFields: 3}
	if diff.Counts() != want {
		t.Errorf("Counts() = %v, want %v", diff.Counts(), want)
	}

	gotTags := naturalKeys(diff.NewTags)
	wantTags := []string{"Financial", "Insurance", "Health", "Taxes", "Vehicle"}
	if !equalStrings(gotTags, wantTags) {
		t.Errorf("NewTags = %v, want declaration order %v", gotTags, wantTags)
	}
}

func TestDetectChangesMatchesNamesCaseInsensitively(t *testing.T) {
	gw := memory.New()
	gw.Seed(taxonomy.KindTag, "financial")
	gw.Seed(taxonomy.KindDocumentType, "INVOICE")
	gw.Seed(taxonomy.KindCustomField, "due date")

	diff, err := engine.NewPlanner(gw).DetectChanges(context.Background(), householdDefinition(t))
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	for _, r := range diff.NewTags {
		if r.NaturalKey() == "Financial" {
			t.Error("remote tag \"financial\" should exclude desired \"Financial\"")
		}
	}
	if got := naturalKeys(diff.NewDocumentTypes); !equalStrings(got, []string{"Contract", "Tax Assessment"}) {
		t.Errorf("NewDocumentTypes = %v", got)
	}
	if got := naturalKeys(diff.NewCustomFields); !equalStrings(got, []string{"Amount", "Status"}) {
		t.Errorf("NewCustomFields = %v", got)
	}
}

func TestDetectChangesMatchesStoragePathsExactly(t *testing.T) {
	gw := memory.New()
	gw.Seed(taxonomy.KindStoragePath, "Finance/Invoices")
	gw.Seed(taxonomy.KindStoragePath, "finance//taxes/")

	diff, err := engine.NewPlanner(gw).DetectChanges(context.Background(), householdDefinition(t))
	if err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	// Case differs for invoices, so it is still missing; taxes only differs
	// in separators and is found.
	if got := naturalKeys(diff.NewStoragePaths); !equalStrings(got, []string{"finance/invoices"}) {
		t.Errorf("NewStoragePaths = %v, want [finance/invoices]", got)
	}
}

func TestDetectChangesFailsFast(t *testing.T) {
	for _, kind := range taxonomy.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			gw := memory.New()
			boom := errors.New("connection refused")
			gw.FailList(kind, boom)

			diff, err := engine.NewPlanner(gw).DetectChanges(context.Background(), householdDefinition(t))
			if err == nil {
				t.Fatal("expected an error")
			}
			if diff != nil {
				t.Errorf("expected no partial diff, got %+v", diff)
			}
			if !engine.IsGatewayUnavailable(err) {
				t.Errorf("IsGatewayUnavailable(%v) = false", err)
			}
			if !errors.Is(err, boom) {
				t.Errorf("error %v does not wrap the list failure", err)
			}
		})
	}
}

func TestDetectChangesPreservesCauseClass(t *testing.T) {
	gw := memory.New()
	gw.FailList(taxonomy.KindTag, engine.NewThrottledError("slow down", nil))

	_, err := engine.NewPlanner(gw).DetectChanges(context.Background(), householdDefinition(t))
	if !engine.IsThrottled(err) || !engine.IsRetryable(err) {
		t.Errorf("expected a throttled, retryable error, got %v", err)
	}
}

func TestDetectChangesIsReadOnly(t *testing.T) {
	gw := memory.New()
	gw.Seed(taxonomy.KindTag, "Financial")

	if _, err := engine.NewPlanner(gw).DetectChanges(context.Background(), householdDefinition(t)); err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}

	calls := gw.Calls()
	if len(calls) != 4 {
		t.Errorf("expected 4 list calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Op != memory.OpList {
			t.Errorf("unexpected %s call during diff", c.Op)
		}
	}
}

func TestDetectChangesListsConcurrently(t *testing.T) {
	gw := memory.New()

	var started sync.WaitGroup
	started.Add(4)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	gw.BeforeList(func(ctx context.Context, kind taxonomy.Kind) error {
		started.Done()
		select {
		case <-allStarted:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("list calls were not issued concurrently")
		}
	})

	if _, err := engine.NewPlanner(gw).DetectChanges(context.Background(), householdDefinition(t)); err != nil {
		t.Fatalf("DetectChanges() error = %v", err)
	}
}

func TestDetectChangesNilDefinition(t *testing.T) {
	_, err := engine.NewPlanner(memory.New()).DetectChanges(context.Background(), nil)
	if !engine.IsPermanent(err) {
		t.Errorf("expected a permanent validation error, got %v", err)
	}
}

func TestInventoryLookup(t *testing.T) {
	inv := engine.NewInventory(map[taxonomy.Kind][]taxonomy.RemoteResource{
		taxonomy.KindTag: {
			{Kind: taxonomy.KindTag, ID: 7, NaturalKey: "Financial"},
			{Kind: taxonomy.KindTag, ID: 9, NaturalKey: "FINANCIAL"},
		},
	})

	got, ok := inv.Lookup(taxonomy.KindTag, "financial")
	if !ok || got.ID != 7 {
		t.Errorf("Lookup() = %v, %v; want id 7", got, ok)
	}
	if _, ok := inv.Lookup(taxonomy.KindDocumentType, "financial"); ok {
		t.Error("lookup must not cross kinds")
	}
	if inv.Len(taxonomy.KindTag) != 2 {
		t.Errorf("Len() = %d, want 2", inv.Len(taxonomy.KindTag))
	}
}
