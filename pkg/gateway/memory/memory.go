// Package memory provides an in-process Gateway that behaves like the remote
// document-management service: it assigns IDs, rejects duplicate natural
// keys and reports unknown IDs on delete. Faults can be injected per kind and
// every call is logged, which makes it the reference double for engine tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// Operation names used in the call log.
const (
	OpList   = "list"
	OpCreate = "create"
	OpDelete = "delete"
)

// Call is one gateway invocation as seen by the fake.
type Call struct {
	Kind       taxonomy.Kind
	Op         string
	NaturalKey string
	ID         int64
	Err        error
}

// Hook runs before an operation is served. A non-nil error fails the call.
type Hook func(ctx context.Context, kind taxonomy.Kind) error

// Gateway is an in-memory engine.Gateway. The zero value is not usable;
// call New.
type Gateway struct {
	mu          sync.Mutex
	nextID      int64
	items       map[taxonomy.Kind][]taxonomy.RemoteResource
	calls       []Call
	createCount map[taxonomy.Kind]int

	listFaults   map[taxonomy.Kind]error
	createFaults map[taxonomy.Kind]map[int]error
	keyFaults    map[taxonomy.Kind]map[string]error
	deleteFaults map[taxonomy.Kind]map[string]error

	beforeList   Hook
	beforeCreate Hook
}

var _ engine.Gateway = (*Gateway)(nil)

// New returns an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{
		nextID:       1,
		items:        make(map[taxonomy.Kind][]taxonomy.RemoteResource),
		createCount:  make(map[taxonomy.Kind]int),
		listFaults:   make(map[taxonomy.Kind]error),
		createFaults: make(map[taxonomy.Kind]map[int]error),
		keyFaults:    make(map[taxonomy.Kind]map[string]error),
		deleteFaults: make(map[taxonomy.Kind]map[string]error),
	}
}

// Tags returns the tag collection.
func (g *Gateway) Tags() engine.ResourceCollection { return &collection{g: g, kind: taxonomy.KindTag} }

// DocumentTypes returns the document type collection.
func (g *Gateway) DocumentTypes() engine.ResourceCollection {
	return &collection{g: g, kind: taxonomy.KindDocumentType}
}

// StoragePaths returns the storage path collection.
func (g *Gateway) StoragePaths() engine.ResourceCollection {
	return &collection{g: g, kind: taxonomy.KindStoragePath}
}

// CustomFields returns the custom field collection.
func (g *Gateway) CustomFields() engine.ResourceCollection {
	return &collection{g: g, kind: taxonomy.KindCustomField}
}

// Seed stores a resource as if it had been created out of band. It is not
// logged as a call.
func (g *Gateway) Seed(kind taxonomy.Kind, naturalKey string) taxonomy.RemoteResource {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertLocked(kind, naturalKey, naturalKey)
}

// Snapshot returns the stored resources of kind ordered by ID.
func (g *Gateway) Snapshot(kind taxonomy.Kind) []taxonomy.RemoteResource {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]taxonomy.RemoteResource, len(g.items[kind]))
	copy(out, g.items[kind])
	return out
}

// Len returns the number of stored resources across all kinds.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, items := range g.items {
		n += len(items)
	}
	return n
}

// Calls returns the call log.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsTo returns the logged calls of one operation in call order.
func (g *Gateway) CallsTo(op string) []Call {
	var out []Call
	for _, c := range g.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (g *Gateway) ResetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}

// FailList makes every list call of kind fail with err. A nil err clears
// the fault.
func (g *Gateway) FailList(kind taxonomy.Kind, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.listFaults, kind)
		return
	}
	g.listFaults[kind] = err
}

// FailCreateAt makes the nth create call of kind fail with err, counting
// from 1 over the lifetime of the gateway.
func (g *Gateway) FailCreateAt(kind taxonomy.Kind, n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createFaults[kind] == nil {
		g.createFaults[kind] = make(map[int]error)
	}
	g.createFaults[kind][n] = err
}

// FailCreateOf makes creating the resource with the given natural key fail.
func (g *Gateway) FailCreateOf(kind taxonomy.Kind, naturalKey string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keyFaults[kind] == nil {
		g.keyFaults[kind] = make(map[string]error)
	}
	g.keyFaults[kind][taxonomy.MatchKey(kind, naturalKey)] = err
}

// FailDeleteOf makes deleting the resource of kind with the given natural
// key fail. Faults are keyed by natural key because the remote ID is only
// known once the resource has been created.
func (g *Gateway) FailDeleteOf(kind taxonomy.Kind, naturalKey string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteFaults[kind] == nil {
		g.deleteFaults[kind] = make(map[string]error)
	}
	g.deleteFaults[kind][taxonomy.MatchKey(kind, naturalKey)] = err
}

// BeforeList installs a hook run at the start of every list call.
func (g *Gateway) BeforeList(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.beforeList = h
}

// BeforeCreate installs a hook run at the start of every create call.
func (g *Gateway) BeforeCreate(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.beforeCreate = h
}

func (g *Gateway) insertLocked(kind taxonomy.Kind, naturalKey, name string) taxonomy.RemoteResource {
	res := taxonomy.RemoteResource{
		Kind:       kind,
		ID:         g.nextID,
		NaturalKey: naturalKey,
		Name:       name,
	}
	g.nextID++
	g.items[kind] = append(g.items[kind], res)
	return res
}

func (g *Gateway) logLocked(c Call) {
	g.calls = append(g.calls, c)
}

type collection struct {
	g    *Gateway
	kind taxonomy.Kind
}

func (c *collection) List(ctx context.Context) ([]taxonomy.RemoteResource, error) {
	c.g.mu.Lock()
	hook := c.g.beforeList
	c.g.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, c.kind); err != nil {
			c.log(Call{Kind: c.kind, Op: OpList, Err: err})
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.g.mu.Lock()
	defer c.g.mu.Unlock()

	if err := c.g.listFaults[c.kind]; err != nil {
		c.g.logLocked(Call{Kind: c.kind, Op: OpList, Err: err})
		return nil, err
	}
	c.g.logLocked(Call{Kind: c.kind, Op: OpList})

	out := make([]taxonomy.RemoteResource, len(c.g.items[c.kind]))
	copy(out, c.g.items[c.kind])
	return out, nil
}

func (c *collection) Create(ctx context.Context, res taxonomy.DesiredResource) (taxonomy.RemoteResource, error) {
	if res.Kind() != c.kind {
		return taxonomy.RemoteResource{}, engine.NewPermanentError(
			fmt.Sprintf("%s sent to the %s collection", res.Kind(), c.kind), nil).WithCode(engine.ErrCodeValidation)
	}

	c.g.mu.Lock()
	hook := c.g.beforeCreate
	c.g.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, c.kind); err != nil {
			c.log(Call{Kind: c.kind, Op: OpCreate, NaturalKey: res.NaturalKey(), Err: err})
			return taxonomy.RemoteResource{}, err
		}
	}

	c.g.mu.Lock()
	defer c.g.mu.Unlock()

	c.g.createCount[c.kind]++
	n := c.g.createCount[c.kind]

	fail := func(err error) (taxonomy.RemoteResource, error) {
		c.g.logLocked(Call{Kind: c.kind, Op: OpCreate, NaturalKey: res.NaturalKey(), Err: err})
		return taxonomy.RemoteResource{}, err
	}

	if err := c.g.createFaults[c.kind][n]; err != nil {
		return fail(err)
	}
	if err := c.g.keyFaults[c.kind][res.MatchKey()]; err != nil {
		return fail(err)
	}
	for _, existing := range c.g.items[c.kind] {
		if existing.MatchKey() == res.MatchKey() {
			return fail(engine.NewConflictError(
				fmt.Sprintf("%s already exists", existing), nil).WithCode(engine.ErrCodeAlreadyExists))
		}
	}

	created := c.g.insertLocked(c.kind, res.NaturalKey(), res.Name())
	c.g.logLocked(Call{Kind: c.kind, Op: OpCreate, NaturalKey: res.NaturalKey(), ID: created.ID})
	return created, nil
}

func (c *collection) Delete(ctx context.Context, id int64) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()

	items := c.g.items[c.kind]
	for i, existing := range items {
		if existing.ID != id {
			continue
		}
		if err := c.g.deleteFaults[c.kind][existing.MatchKey()]; err != nil {
			c.g.logLocked(Call{Kind: c.kind, Op: OpDelete, NaturalKey: existing.NaturalKey, ID: id, Err: err})
			return err
		}
		c.g.items[c.kind] = append(items[:i:i], items[i+1:]...)
		c.g.logLocked(Call{Kind: c.kind, Op: OpDelete, NaturalKey: existing.NaturalKey, ID: id})
		return nil
	}

	err := engine.NewPermanentError(fmt.Sprintf("%s %d does not exist", c.kind.Label(), id), nil).
		WithCode(engine.ErrCodeNotFound)
	c.g.logLocked(Call{Kind: c.kind, Op: OpDelete, ID: id, Err: err})
	return err
}

func (c *collection) log(call Call) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.g.logLocked(call)
}
