// Package snapshot exports a node's operation log to object storage and
// bootstraps fresh replicas from the newest export of every node.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/library-sync/internal/codec"
	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
)

const (
	defaultInterval = 5 * time.Minute
	metaLastUpload  = "snapshot_latest"
	contentType     = "application/json"
)

// Payload is the document stored for each snapshot. Operations are in the
// JSON wire form, ordered by (timestamp, node).
type Payload struct {
	Library    string            `json:"library"`
	Node       uuid.UUID         `json:"node"`
	Latest     hlc.NTP64         `json:"latest"`
	CreatedAt  time.Time         `json:"created_at"`
	Operations []json.RawMessage `json:"operations"`
}

// Key is the object path of a snapshot. The timestamp is zero padded so
// keys of one node sort chronologically.
func Key(library string, node uuid.UUID, latest hlc.NTP64) string {
	return fmt.Sprintf("%s%s/%020d.json", prefix(library), node, uint64(latest))
}

func prefix(library string) string {
	return fmt.Sprintf("snapshots/%s/", library)
}

// Worker periodically uploads the full operation log when it has grown
// since the last upload.
type Worker struct {
	m       *syncstate.Manager
	objects ObjectStore
	library string

	interval time.Duration
	logger   zerolog.Logger
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(m *syncstate.Manager, objects ObjectStore, library string, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		m:        m,
		objects:  objects,
		library:  library,
		interval: interval,
		logger:   logger.With().Str("component", "snapshot").Logger(),
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				snapshotFailures.Inc()
				w.logger.Error().Err(err).Msg("snapshot emission failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce uploads a snapshot if operations were logged since the previous
// one. It returns the object key, or "" when nothing was uploaded.
func (w *Worker) RunOnce(ctx context.Context) (string, error) {
	if w.objects == nil {
		return "", fmt.Errorf("object storage client not configured")
	}
	db := w.m.DB()

	latest, err := store.MaxTimestamp(ctx, db)
	if err != nil {
		return "", fmt.Errorf("read latest timestamp: %w", err)
	}
	if latest == 0 {
		return "", nil
	}
	last, ok, err := db.Meta(ctx, db, metaLastUpload)
	if err != nil {
		return "", err
	}
	if ok {
		prev, err := hlc.ParseNTP64(string(last))
		if err == nil && prev >= latest {
			return "", nil
		}
	}

	payload, err := Build(ctx, w.m, w.library)
	if err != nil {
		return "", err
	}
	payload.Latest = latest

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode snapshot payload: %w", err)
	}
	key := Key(w.library, w.m.Node(), latest)
	if err := w.objects.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	if err := db.SetMeta(ctx, db, metaLastUpload, []byte(latest.String())); err != nil {
		return "", fmt.Errorf("persist snapshot marker: %w", err)
	}

	snapshotsUploaded.Inc()
	snapshotOps.Set(float64(len(payload.Operations)))
	w.logger.Info().Str("key", key).Int("operations", len(payload.Operations)).Msg("snapshot created")
	return key, nil
}

// Build collects every logged operation of m into a payload.
func Build(ctx context.Context, m *syncstate.Manager, library string) (Payload, error) {
	ops, err := m.OpsSince(ctx, 0, 0)
	if err != nil {
		return Payload{}, fmt.Errorf("read operations: %w", err)
	}
	payload := Payload{
		Library:    library,
		Node:       m.Node(),
		CreatedAt:  time.Now().UTC(),
		Operations: make([]json.RawMessage, 0, len(ops)),
	}
	for _, op := range ops {
		raw, err := codec.JSON{}.Encode(op)
		if err != nil {
			return Payload{}, fmt.Errorf("encode operation %s: %w", op.ID, err)
		}
		payload.Operations = append(payload.Operations, raw)
		if op.Timestamp > payload.Latest {
			payload.Latest = op.Timestamp
		}
	}
	return payload, nil
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
