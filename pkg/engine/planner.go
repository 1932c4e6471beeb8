package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papersync/papersync/pkg/taxonomy"
	"github.com/papersync/papersync/pkg/telemetry"
)

// Planner is the diff engine. It reads the remote inventory through a
// Gateway and reports which desired resources are missing. It never writes.
type Planner struct {
	gateway Gateway
	now     func() time.Time
}

// NewPlanner creates a planner reading from gw.
func NewPlanner(gw Gateway) *Planner {
	return &Planner{
		gateway: gw,
		now:     time.Now,
	}
}

// Inventory is a point-in-time snapshot of the remote taxonomy, indexed by
// match key per kind.
type Inventory struct {
	resources map[taxonomy.Kind][]taxonomy.RemoteResource
	index     map[taxonomy.Kind]map[string]taxonomy.RemoteResource
}

// NewInventory indexes remote resources. The first resource wins when the
// remote system holds several with the same match key.
func NewInventory(byKind map[taxonomy.Kind][]taxonomy.RemoteResource) *Inventory {
	inv := &Inventory{
		resources: make(map[taxonomy.Kind][]taxonomy.RemoteResource, len(byKind)),
		index:     make(map[taxonomy.Kind]map[string]taxonomy.RemoteResource, len(byKind)),
	}
	for kind, items := range byKind {
		inv.resources[kind] = items
		idx := make(map[string]taxonomy.RemoteResource, len(items))
		for _, item := range items {
			key := taxonomy.MatchKey(kind, item.NaturalKey)
			if _, dup := idx[key]; !dup {
				idx[key] = item
			}
		}
		inv.index[kind] = idx
	}
	return inv
}

// Lookup finds the remote resource of kind whose natural key matches
// naturalKey. Names compare case-insensitively, storage paths by their
// normalized form.
func (inv *Inventory) Lookup(kind taxonomy.Kind, naturalKey string) (taxonomy.RemoteResource, bool) {
	r, ok := inv.index[kind][taxonomy.MatchKey(kind, naturalKey)]
	return r, ok
}

// Resources returns the remote resources of one kind as listed.
func (inv *Inventory) Resources(kind taxonomy.Kind) []taxonomy.RemoteResource {
	return inv.resources[kind]
}

// Len returns the number of remote resources of one kind.
func (inv *Inventory) Len(kind taxonomy.Kind) int {
	return len(inv.resources[kind])
}

// FetchInventory lists all four remote collections concurrently. The first
// failure cancels the remaining reads and is returned as a gateway
// unavailable error; no partial inventory is ever returned.
func (p *Planner) FetchInventory(ctx context.Context) (*Inventory, error) {
	kinds := taxonomy.Kinds()
	listed := make([][]taxonomy.RemoteResource, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			coll, err := CollectionFor(p.gateway, kind)
			if err != nil {
				return err
			}
			var items []taxonomy.RemoteResource
			err = telemetry.RecordGatewayOperation(gctx, string(kind), "list", func(ctx context.Context) error {
				var listErr error
				items, listErr = coll.List(ctx)
				return listErr
			})
			if err != nil {
				return NewGatewayUnavailableError(kind, err)
			}
			listed[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byKind := make(map[taxonomy.Kind][]taxonomy.RemoteResource, len(kinds))
	for i, kind := range kinds {
		byKind[kind] = listed[i]
	}
	return NewInventory(byKind), nil
}

// DetectChanges computes the resources of def that do not exist remotely.
// The remote inventory is read fresh on every call.
func (p *Planner) DetectChanges(ctx context.Context, def *taxonomy.Definition) (diff *taxonomy.Diff, err error) {
	if def == nil {
		return nil, NewPermanentError("taxonomy definition is nil", nil).WithCode(ErrCodeValidation)
	}

	ic := telemetry.StartOperation(ctx, "taxonomy.detect_changes",
		telemetry.AttrCountry.String(def.Country()),
		telemetry.AttrDomain.String(def.Domain()),
		telemetry.AttrVersion.String(def.Version().String()),
	)
	defer func() { ic.End(err) }()

	inv, err := p.FetchInventory(ic.Ctx)
	if err != nil {
		ic.Logger.WithError(err).Error("remote inventory unavailable")
		return nil, err
	}

	diff = ComputeDiff(def, inv, p.now().UTC())

	metrics := telemetry.MetricsFromContext(ctx)
	for _, kind := range taxonomy.Kinds() {
		metrics.SetPendingCreations(string(kind), len(diff.ForKind(kind)))
	}
	if ic.Span != nil {
		ic.Span.SetAttributes(telemetry.AttrPending.Int(diff.Len()))
	}
	ic.Logger.WithField("pending", diff.Counts().String()).Debug("diff computed")

	return diff, nil
}

// ComputeDiff filters def down to the resources absent from inv, keeping
// declaration order within each kind.
func ComputeDiff(def *taxonomy.Definition, inv *Inventory, computedAt time.Time) *taxonomy.Diff {
	buckets := make(map[taxonomy.Kind][]taxonomy.DesiredResource, 4)
	for _, kind := range taxonomy.Kinds() {
		for _, res := range def.OfKind(kind) {
			if _, exists := inv.Lookup(kind, res.NaturalKey()); exists {
				continue
			}
			buckets[kind] = append(buckets[kind], res)
		}
	}
	return taxonomy.NewDiff(buckets, computedAt)
}
