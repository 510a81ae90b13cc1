package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/library-sync/internal/codec"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

// RestoreResult summarizes a bootstrap. Applied includes operations that
// were already in the local log.
type RestoreResult struct {
	Snapshots  int `json:"snapshots"`
	Operations int `json:"operations"`
	Applied    int `json:"applied"`
	Parked     int `json:"parked"`
	Failed     int `json:"failed"`
}

// Latest returns the newest snapshot key of every node under library.
func Latest(ctx context.Context, objects ObjectStore, library string) (map[uuid.UUID]string, error) {
	p := prefix(library)
	keys, err := objects.List(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	latest := make(map[uuid.UUID]string)
	for _, key := range keys {
		node, file, ok := strings.Cut(strings.TrimPrefix(key, p), "/")
		if !ok || !strings.HasSuffix(file, ".json") {
			continue
		}
		id, err := uuid.Parse(node)
		if err != nil {
			continue
		}
		if key > latest[id] {
			latest[id] = key
		}
	}
	return latest, nil
}

// Restore downloads the newest snapshot of every node and ingests them.
// Operations already in the local log are skipped by ingestion, so Restore
// can be repeated.
func Restore(ctx context.Context, m *syncstate.Manager, objects ObjectStore, library string, logger zerolog.Logger) (RestoreResult, error) {
	var res RestoreResult
	latest, err := Latest(ctx, objects, library)
	if err != nil {
		return res, err
	}

	payloads := make([]Payload, 0, len(latest))
	for _, key := range sortedValues(latest) {
		data, err := objects.Get(ctx, key)
		if err != nil {
			return res, fmt.Errorf("download %s: %w", key, err)
		}
		payload, err := DecodePayload(data)
		if err != nil {
			return res, fmt.Errorf("decode %s: %w", key, err)
		}
		payloads = append(payloads, payload)
	}
	return Ingest(ctx, m, payloads, logger)
}

// Ingest applies the union of the payloads' operations in (timestamp, node)
// order. Store failures abort; other ingest failures are counted.
func Ingest(ctx context.Context, m *syncstate.Manager, payloads []Payload, logger zerolog.Logger) (RestoreResult, error) {
	res := RestoreResult{Snapshots: len(payloads)}
	seen := make(map[uuid.UUID]struct{})
	var ops []types.CRDTOperation
	for _, payload := range payloads {
		for i, raw := range payload.Operations {
			op, err := codec.JSON{}.Decode(raw)
			if err != nil {
				res.Failed++
				logger.Warn().Err(err).Str("node", payload.Node.String()).Int("index", i).Msg("skipping undecodable snapshot operation")
				continue
			}
			if _, dup := seen[op.ID]; dup {
				continue
			}
			seen[op.ID] = struct{}{}
			ops = append(ops, op)
		}
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].HLC().Less(ops[j].HLC()) })
	res.Operations = len(ops)

	for _, op := range ops {
		err := m.IngestOp(ctx, op)
		switch {
		case err == nil:
			res.Applied++
		case syncstate.IsMissingDependency(err):
			res.Parked++
		case syncstate.IsStorage(err):
			return res, fmt.Errorf("restore operation %s: %w", op.ID, err)
		default:
			res.Failed++
		}
	}

	logger.Info().
		Int("snapshots", res.Snapshots).
		Int("operations", res.Operations).
		Int("applied", res.Applied).
		Int("parked", res.Parked).
		Int("failed", res.Failed).
		Msg("restored from snapshots")
	return res, nil
}

func sortedValues(m map[uuid.UUID]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
