package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/hlc"
)

// FieldClock returns the timestamp of the last write applied to one field of
// a record. ok is false when the field has never been written through sync.
func FieldClock(ctx context.Context, q Queryer, model string, recordID []byte, field string) (hlc.Timestamp, bool, error) {
	var (
		ts   int64
		node []byte
	)
	err := q.QueryRow(ctx, `
SELECT timestamp, node FROM field_clock WHERE model = ? AND record_id = ? AND field = ?`,
		model, recordID, field).Scan(&ts, &node)
	if errors.Is(err, sql.ErrNoRows) {
		return hlc.Timestamp{}, false, nil
	}
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("read field clock %s.%s: %w", model, field, err)
	}
	return scanTimestamp(ts, node)
}

// SetFieldClock records ts as the last write for a field unless a newer one
// is already stored.
func SetFieldClock(ctx context.Context, q Queryer, model string, recordID []byte, field string, ts hlc.Timestamp) error {
	_, err := q.Exec(ctx, `
INSERT INTO field_clock (model, record_id, field, timestamp, node) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (model, record_id, field) DO UPDATE SET timestamp = excluded.timestamp, node = excluded.node
WHERE excluded.timestamp > field_clock.timestamp
   OR (excluded.timestamp = field_clock.timestamp AND excluded.node > field_clock.node)`,
		model, recordID, field, sqlTime(ts.Time), ts.Node[:])
	if err != nil {
		return fmt.Errorf("write field clock %s.%s: %w", model, field, err)
	}
	return nil
}

// FieldClocks returns every clock recorded for a record, keyed by field.
func FieldClocks(ctx context.Context, q Queryer, model string, recordID []byte) (map[string]hlc.Timestamp, error) {
	rows, err := q.Query(ctx, `SELECT field, timestamp, node FROM field_clock WHERE model = ? AND record_id = ?`, model, recordID)
	if err != nil {
		return nil, fmt.Errorf("read field clocks %s: %w", model, err)
	}
	defer rows.Close()

	clocks := make(map[string]hlc.Timestamp)
	for rows.Next() {
		var (
			field string
			ts    int64
			node  []byte
		)
		if err := rows.Scan(&field, &ts, &node); err != nil {
			return nil, err
		}
		clock, _, err := scanTimestamp(ts, node)
		if err != nil {
			return nil, err
		}
		clocks[field] = clock
	}
	return clocks, rows.Err()
}

// ClearFieldClock drops the clock of one field.
func ClearFieldClock(ctx context.Context, q Queryer, model string, recordID []byte, field string) error {
	if _, err := q.Exec(ctx, `DELETE FROM field_clock WHERE model = ? AND record_id = ? AND field = ?`, model, recordID, field); err != nil {
		return fmt.Errorf("clear field clock %s.%s: %w", model, field, err)
	}
	return nil
}

// ClearFieldClocks drops every field clock of a record.
func ClearFieldClocks(ctx context.Context, q Queryer, model string, recordID []byte) error {
	if _, err := q.Exec(ctx, `DELETE FROM field_clock WHERE model = ? AND record_id = ?`, model, recordID); err != nil {
		return fmt.Errorf("clear field clocks %s: %w", model, err)
	}
	return nil
}

// Tombstone returns the timestamp of the newest delete of a record. It is
// kept when the record is recreated so older writes stay excluded.
func Tombstone(ctx context.Context, q Queryer, model string, recordID []byte) (hlc.Timestamp, bool, error) {
	var (
		ts   int64
		node []byte
	)
	err := q.QueryRow(ctx, `SELECT timestamp, node FROM tombstone WHERE model = ? AND record_id = ?`,
		model, recordID).Scan(&ts, &node)
	if errors.Is(err, sql.ErrNoRows) {
		return hlc.Timestamp{}, false, nil
	}
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("read tombstone %s: %w", model, err)
	}
	return scanTimestamp(ts, node)
}

// SetTombstone records a delete, keeping the newest one.
func SetTombstone(ctx context.Context, q Queryer, model string, recordID []byte, ts hlc.Timestamp) error {
	_, err := q.Exec(ctx, `
INSERT INTO tombstone (model, record_id, timestamp, node) VALUES (?, ?, ?, ?)
ON CONFLICT (model, record_id) DO UPDATE SET timestamp = excluded.timestamp, node = excluded.node
WHERE excluded.timestamp > tombstone.timestamp
   OR (excluded.timestamp = tombstone.timestamp AND excluded.node > tombstone.node)`,
		model, recordID, sqlTime(ts.Time), ts.Node[:])
	if err != nil {
		return fmt.Errorf("write tombstone %s: %w", model, err)
	}
	return nil
}

// timestamp columns are signed 64-bit. NTP64 values are stored with the sign
// bit flipped so that SQL ordering matches unsigned ordering past 2038, when
// the seconds field reaches 1<<31.
const sqlTimeOffset = 1 << 63

func sqlTime(t hlc.NTP64) int64 { return int64(uint64(t) ^ sqlTimeOffset) }

func fromSQLTime(v int64) hlc.NTP64 { return hlc.NTP64(uint64(v) ^ sqlTimeOffset) }

func scanTimestamp(ts int64, node []byte) (hlc.Timestamp, bool, error) {
	id, err := uuid.FromBytes(node)
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("decode clock node: %w", err)
	}
	return hlc.Timestamp{Time: fromSQLTime(ts), Node: id}, true, nil
}
