package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/stores"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// ExampleOpen records a run and reads it back as the last successful run
// of its scope.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	run := &stores.Run{
		ID:        "run-001",
		Operation: "install",
		Country:   "de",
		Domain:    "household",
		Version:   "1.2.0",
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	err = store.CompleteRun(ctx, run.ID, engine.RunStatusSucceeded, &taxonomy.UpdateResult{
		Success:    true,
		HasChanges: true,
		Applied:    taxonomy.Counts{Tags: 3, DocumentTypes: 2},
	})
	if err != nil {
		log.Fatal(err)
	}

	last, err := store.LastSuccessfulRun(ctx, "de", "household")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s %s %s created %d\n", last.ID, last.Status, last.Version, last.Applied.Total())
	// Output: run-001 succeeded 1.2.0 created 5
}
