// Package syncstate is the operation-log sync engine of a library. It builds
// HLC-stamped operations for local mutations, commits them atomically with
// those mutations, and applies operations received from other nodes.
package syncstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

const (
	DefaultOutboundBuffer = 64
	DefaultPendingLimit   = 10_000
	DefaultMaxDrift       = 500 * time.Millisecond
)

type options struct {
	outboundBuffer int
	pendingLimit   int
	maxDrift       time.Duration
	nodeName       string
	clockOpts      []hlc.Option
}

// Option configures a Manager.
type Option func(*options)

// WithOutboundBuffer sets the capacity of the outbound channel. Writers block
// once it is full.
func WithOutboundBuffer(n int) Option {
	return func(o *options) {
		o.outboundBuffer = n
	}
}

// WithPendingLimit bounds how many operations may wait for missing
// dependencies.
func WithPendingLimit(n int) Option {
	return func(o *options) {
		o.pendingLimit = n
	}
}

// WithMaxDrift sets how far ahead of local time a remote timestamp may be
// before it is reported.
func WithMaxDrift(d time.Duration) Option {
	return func(o *options) {
		o.maxDrift = d
	}
}

// WithNodeName names the local node row when it is first created.
func WithNodeName(name string) Option {
	return func(o *options) {
		o.nodeName = name
	}
}

// WithPhysicalClock overrides the wall clock feeding the HLC.
func WithPhysicalClock(now func() time.Time) Option {
	return func(o *options) {
		o.clockOpts = append(o.clockOpts, hlc.WithPhysicalClock(now))
	}
}

// Manager owns the per-node clock, the outbound channel and the pending
// buffer of one library replica.
type Manager struct {
	db       *store.DB
	reg      *registry.Registry
	clock    *hlc.Clock
	node     uuid.UUID
	logger   zerolog.Logger
	maxDrift time.Duration

	outbound chan types.CRDTOperation
	pending  *PendingBuffer

	subMu   sync.RWMutex
	subs    map[int]chan types.CRDTOperation
	nextSub int

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a manager for node. It makes sure the node has a row in the
// store and seeds the clock past every logged timestamp.
func New(ctx context.Context, db *store.DB, reg *registry.Registry, node uuid.UUID, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if node == uuid.Nil {
		return nil, fmt.Errorf("sync manager: nil node id")
	}
	o := options{
		outboundBuffer: DefaultOutboundBuffer,
		pendingLimit:   DefaultPendingLimit,
		maxDrift:       DefaultMaxDrift,
		nodeName:       node.String(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	err := db.InTx(ctx, func(tx *store.Tx) error {
		_, err := store.UpsertNode(ctx, tx, node, o.nodeName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register local node: %w", err)
	}
	last, err := store.MaxTimestamp(ctx, db)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "sync").Str("node", node.String()).Logger()
	clock := hlc.New(node, o.clockOpts...)
	clock.Seed(last)

	return &Manager{
		db:       db,
		reg:      reg,
		clock:    clock,
		node:     node,
		logger:   logger,
		maxDrift: o.maxDrift,
		outbound: make(chan types.CRDTOperation, o.outboundBuffer),
		pending:  NewPendingBuffer(o.pendingLimit, logger),
		subs:     make(map[int]chan types.CRDTOperation),
		closed:   make(chan struct{}),
	}, nil
}

// Node returns the local node id.
func (m *Manager) Node() uuid.UUID { return m.node }

// Clock exposes the node's HLC.
func (m *Manager) Clock() *hlc.Clock { return m.clock }

// DB returns the store the manager writes to.
func (m *Manager) DB() *store.DB { return m.db }

// Registry returns the model registry used for dispatch.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Outbound delivers every committed local operation, in commit order, to the
// transport. The channel is never closed; consumers stop on their context.
func (m *Manager) Outbound() <-chan types.CRDTOperation { return m.outbound }

// Pending lists operations waiting for missing dependencies.
func (m *Manager) Pending() []PendingEntry { return m.pending.Entries() }

// PendingLen reports how many operations are parked.
func (m *Manager) PendingLen() int { return m.pending.Len() }

// Close stops delivering to the outbound channel and closes subscriber
// channels. Writes after Close still commit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.subMu.Lock()
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
		m.subMu.Unlock()
	})
}

// Subscribe returns a channel receiving every operation committed locally or
// applied by ingestion. Notifications are dropped when the channel is full.
// The returned func unsubscribes.
func (m *Manager) Subscribe(buffer int) (<-chan types.CRDTOperation, func()) {
	ch := make(chan types.CRDTOperation, buffer)

	m.subMu.Lock()
	select {
	case <-m.closed:
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) notify(op types.CRDTOperation) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, ch := range m.subs {
		select {
		case ch <- op:
		default:
			notifyDropped.Inc()
			m.logger.Warn().Str("op_id", op.ID.String()).Msg("subscriber too slow, dropped notification")
		}
	}
}

// send hands a committed operation to the outbound channel, blocking while
// it is full. Failure to deliver never fails the write.
func (m *Manager) send(ctx context.Context, op types.CRDTOperation) {
	select {
	case <-m.closed:
		outboundDropped.Inc()
		m.logger.Warn().Str("op_id", op.ID.String()).Msg("sync manager closed, operation not sent")
		return
	default:
	}

	select {
	case m.outbound <- op:
	case <-m.closed:
		outboundDropped.Inc()
		m.logger.Warn().Str("op_id", op.ID.String()).Msg("sync manager closed, operation not sent")
	case <-ctx.Done():
		outboundDropped.Inc()
		m.logger.Warn().Err(ctx.Err()).Str("op_id", op.ID.String()).Msg("operation not sent before context ended")
	}
}

// GetOps returns the full shared-operation history ordered by timestamp.
// Rows that cannot be decoded are logged and skipped.
func (m *Manager) GetOps(ctx context.Context) ([]types.CRDTOperation, error) {
	ops, bad, err := store.SharedOperations(ctx, m.db)
	if err != nil {
		return nil, &SyncError{Code: CodeStorage, Err: err}
	}
	m.logDecodeFailures(bad)
	return ops, nil
}

// OpsSince returns logged operations of every kind newer than since, ordered
// by (timestamp, node). limit <= 0 returns all of them.
func (m *Manager) OpsSince(ctx context.Context, since hlc.NTP64, limit int) ([]types.CRDTOperation, error) {
	ops, bad, err := store.OperationsSince(ctx, m.db, since, limit)
	if err != nil {
		return nil, &SyncError{Code: CodeStorage, Err: err}
	}
	m.logDecodeFailures(bad)
	return ops, nil
}

func (m *Manager) logDecodeFailures(bad []store.DecodeFailure) {
	for _, b := range bad {
		m.logger.Warn().
			Err(b.Err).
			Str("table", b.Table).
			Hex("op_id", b.ID).
			Msg("skipping undecodable logged operation")
	}
}
