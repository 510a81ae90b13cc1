package syncstate

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/library-sync/internal/types"
)

// ErrPendingFull is returned when an operation cannot be parked because the
// buffer already holds its limit.
var ErrPendingFull = errors.New("pending buffer full")

// PendingKey identifies a record that parked operations are waiting for.
type PendingKey struct {
	Model string `json:"model"`
	ID    string `json:"id"`
}

// PendingEntry summarizes the operations waiting on one record.
type PendingEntry struct {
	PendingKey
	Operations []uuid.UUID `json:"operations"`
}

// PendingBuffer holds operations that cannot be applied yet because a record
// they depend on has not been created locally. Operations are released in
// arrival order once that record's Create is ingested.
type PendingBuffer struct {
	mu      sync.Mutex
	limit   int
	size    int
	pending map[PendingKey][]types.CRDTOperation
	parked  map[uuid.UUID]PendingKey
	logger  zerolog.Logger
}

// NewPendingBuffer constructs a buffer holding at most limit operations.
// limit <= 0 means unbounded.
func NewPendingBuffer(limit int, logger zerolog.Logger) *PendingBuffer {
	return &PendingBuffer{
		limit:   limit,
		pending: make(map[PendingKey][]types.CRDTOperation),
		parked:  make(map[uuid.UUID]PendingKey),
		logger:  logger,
	}
}

// Park queues op behind key. Parking an operation that is already waiting is
// a no-op.
func (b *PendingBuffer) Park(key PendingKey, op types.CRDTOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.parked[op.ID]; ok {
		return nil
	}
	if b.limit > 0 && b.size >= b.limit {
		pendingDropped.Inc()
		return ErrPendingFull
	}
	b.pending[key] = append(b.pending[key], op)
	b.parked[op.ID] = key
	b.size++
	pendingSize.Inc()

	b.logger.Debug().
		Str("model", key.Model).
		Str("record", key.ID).
		Str("operation", op.ID.String()).
		Str("node", op.Node.String()).
		Msg("parked operation pending missing dependency")
	return nil
}

// Take removes and returns every operation waiting on key.
func (b *PendingBuffer) Take(key PendingKey) []types.CRDTOperation {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[key]
	if len(queue) == 0 {
		return nil
	}
	delete(b.pending, key)
	for _, op := range queue {
		delete(b.parked, op.ID)
	}
	b.size -= len(queue)
	pendingSize.Sub(float64(len(queue)))
	pendingDrained.Add(float64(len(queue)))
	return queue
}

// Len reports how many operations are parked.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Entries lists parked operations grouped by the record they wait for.
func (b *PendingBuffer) Entries() []PendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]PendingEntry, 0, len(b.pending))
	for key, queue := range b.pending {
		ids := make([]uuid.UUID, len(queue))
		for i, op := range queue {
			ids[i] = op.ID
		}
		entries = append(entries, PendingEntry{PendingKey: key, Operations: ids})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Model != entries[j].Model {
			return entries[i].Model < entries[j].Model
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}
