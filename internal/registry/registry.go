// Package registry maps synced model names to the handlers that apply
// operations to the store and translate portable SyncIds into local keys.
// Handlers are registered once at startup; ingestion dispatches through the
// registry instead of matching model names itself.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

var (
	// ErrInvalidValue marks a field map or SyncId that cannot be decoded.
	ErrInvalidValue = errors.New("invalid value")
	// ErrUnknownField marks a field name the model does not sync.
	ErrUnknownField = errors.New("unknown field")
	// ErrDuplicate is returned when a model name is registered twice.
	ErrDuplicate = errors.New("model already registered")
)

// MissingError reports a record that must exist locally before an operation
// can be applied: either the operation's own target or a record it
// references. Deleted is set when the record is absent because a delete for
// it was applied, so waiting for it is pointless.
type MissingError struct {
	Model   string
	ID      json.RawMessage
	Deleted bool
}

func (e *MissingError) Error() string {
	if e.Deleted {
		return fmt.Sprintf("%s %s deleted", e.Model, string(e.ID))
	}
	return fmt.Sprintf("%s %s not found", e.Model, string(e.ID))
}

// Missing builds a *MissingError.
func Missing(model string, id json.RawMessage) error {
	return &MissingError{Model: model, ID: id}
}

// Resolver translates a serialized SyncId of one model into the local
// primary key. ok is false when no such record exists.
type Resolver interface {
	Model() string
	Resolve(ctx context.Context, q store.Queryer, id json.RawMessage) (key int64, ok bool, err error)
}

// RecordHandler applies operations to one owned or shared model. Values
// passed to Create and Update have already been filtered by the caller's
// conflict rules; handlers only translate and write them.
type RecordHandler interface {
	Model() string
	Kind() types.SyncKind
	// Exists reports whether the record is present locally.
	Exists(ctx context.Context, tx *store.Tx, id json.RawMessage) (bool, error)
	// Create inserts the record. A nil or empty values map creates a record
	// with no fields set.
	Create(ctx context.Context, tx *store.Tx, id json.RawMessage, values types.FieldMap) error
	// Update overwrites the given fields of an existing record.
	Update(ctx context.Context, tx *store.Tx, id json.RawMessage, values types.FieldMap) error
	// Delete removes the record and reports whether a row was removed.
	Delete(ctx context.Context, tx *store.Tx, id json.RawMessage) (bool, error)
}

// RelationHandler applies operations to a join model identified by the
// SyncIds of its item and group records.
type RelationHandler interface {
	Relation() string
	ItemModel() string
	GroupModel() string
	Exists(ctx context.Context, tx *store.Tx, item, group json.RawMessage) (bool, error)
	Create(ctx context.Context, tx *store.Tx, item, group json.RawMessage) error
	Update(ctx context.Context, tx *store.Tx, item, group json.RawMessage, field string, value json.RawMessage) error
	Delete(ctx context.Context, tx *store.Tx, item, group json.RawMessage) (bool, error)
}

// Registry is safe for concurrent lookups once registration is done.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]RecordHandler
	relations map[string]RelationHandler
	resolvers map[string]Resolver
}

func New() *Registry {
	return &Registry{
		records:   make(map[string]RecordHandler),
		relations: make(map[string]RelationHandler),
		resolvers: make(map[string]Resolver),
	}
}

// Register adds a record handler. Handlers that also implement Resolver are
// registered as resolvers for their model.
func (r *Registry) Register(h RecordHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	model := h.Model()
	if _, ok := r.records[model]; ok {
		return fmt.Errorf("register %s: %w", model, ErrDuplicate)
	}
	if _, ok := r.relations[model]; ok {
		return fmt.Errorf("register %s: %w", model, ErrDuplicate)
	}
	switch h.Kind() {
	case types.SyncOwned, types.SyncShared:
	default:
		return fmt.Errorf("register %s: record handler with kind %q", model, h.Kind())
	}
	r.records[model] = h
	if res, ok := h.(Resolver); ok {
		r.resolvers[model] = res
	}
	return nil
}

// RegisterRelation adds a join-model handler.
func (r *Registry) RegisterRelation(h RelationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Relation()
	if _, ok := r.relations[name]; ok {
		return fmt.Errorf("register relation %s: %w", name, ErrDuplicate)
	}
	if _, ok := r.records[name]; ok {
		return fmt.Errorf("register relation %s: %w", name, ErrDuplicate)
	}
	r.relations[name] = h
	return nil
}

// RegisterResolver adds identity translation for a model that is referenced
// by synced records but not itself synced through this registry.
func (r *Registry) RegisterResolver(res Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resolvers[res.Model()]; ok {
		return fmt.Errorf("register resolver %s: %w", res.Model(), ErrDuplicate)
	}
	r.resolvers[res.Model()] = res
	return nil
}

// Record returns the handler for an owned or shared model.
func (r *Registry) Record(model string) (RecordHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.records[model]
	return h, ok
}

// Relation returns the handler for a join model.
func (r *Registry) Relation(name string) (RelationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.relations[name]
	return h, ok
}

// Resolve translates a foreign SyncId into a local key. An absent record
// yields a *MissingError, flagged Deleted when a tombstone is recorded for it.
func (r *Registry) Resolve(ctx context.Context, q store.Queryer, model string, id json.RawMessage) (int64, error) {
	r.mu.RLock()
	res, ok := r.resolvers[model]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("resolve %s: no resolver registered", model)
	}
	if types.IsNull(id) {
		return 0, fmt.Errorf("resolve %s: empty sync id: %w", model, ErrInvalidValue)
	}
	key, found, err := res.Resolve(ctx, q, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, r.missing(ctx, q, model, id)
	}
	return key, nil
}

func (r *Registry) missing(ctx context.Context, q store.Queryer, model string, id json.RawMessage) error {
	rid, err := types.CanonicalID(id)
	if err != nil {
		return Missing(model, id)
	}
	_, deleted, err := store.Tombstone(ctx, q, model, rid)
	if err != nil {
		return err
	}
	return &MissingError{Model: model, ID: id, Deleted: deleted}
}

// Models lists registered record and relation names in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.records)+len(r.relations))
	for name := range r.records {
		names = append(names, name)
	}
	for name := range r.relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
