package engine

import "github.com/papersync/papersync/pkg/taxonomy"

// Ledger is the append-only record of resources created during one apply
// run. It exists only to drive rollback and is never shared between runs.
type Ledger struct {
	records []taxonomy.CreatedResourceRecord
}

// Record appends a successful creation.
func (l *Ledger) Record(rec taxonomy.CreatedResourceRecord) {
	l.records = append(l.records, rec)
}

// Len returns the number of recorded creations.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Records returns the creations in the order they happened.
func (l *Ledger) Records() []taxonomy.CreatedResourceRecord {
	out := make([]taxonomy.CreatedResourceRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Reversed returns the creations last-created first, the order rollback
// deletes them in.
func (l *Ledger) Reversed() []taxonomy.CreatedResourceRecord {
	out := make([]taxonomy.CreatedResourceRecord, len(l.records))
	for i, rec := range l.records {
		out[len(l.records)-1-i] = rec
	}
	return out
}
