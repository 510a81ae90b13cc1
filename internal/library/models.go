package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

// keyFunc turns a serialized SyncId into the key columns and values that
// locate the row. It returns a *registry.MissingError when the id is scoped
// under a parent that does not exist locally.
type keyFunc func(ctx context.Context, q store.Queryer, reg *registry.Registry, id json.RawMessage) (cols []string, args []any, err error)

// table is the registry handler for one synced table.
type table struct {
	model   string
	kind    types.SyncKind
	name    string
	key     keyFunc
	columns map[string]column
	reg     *registry.Registry
}

func newTable(reg *registry.Registry, model string, kind types.SyncKind, name string, key keyFunc, cols ...column) *table {
	t := &table{
		model:   model,
		kind:    kind,
		name:    name,
		key:     key,
		columns: make(map[string]column, len(cols)),
		reg:     reg,
	}
	for _, c := range cols {
		t.columns[c.field] = c
	}
	return t
}

func (t *table) Model() string        { return t.model }
func (t *table) Kind() types.SyncKind { return t.kind }

func (t *table) Exists(ctx context.Context, tx *store.Tx, id json.RawMessage) (bool, error) {
	cols, args, err := t.key(ctx, tx, t.reg, id)
	if err != nil {
		var missing *registry.MissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+t.name+` WHERE `+where(cols), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", t.model, err)
	}
	return true, nil
}

func (t *table) Create(ctx context.Context, tx *store.Tx, id json.RawMessage, values types.FieldMap) error {
	cols, args, err := t.key(ctx, tx, t.reg, id)
	if err != nil {
		return err
	}
	valueCols, valueArgs, err := t.decodeValues(ctx, tx, values)
	if err != nil {
		return err
	}
	cols = append(cols, valueCols...)
	args = append(args, valueArgs...)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.name, strings.Join(cols, ", "), placeholders)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", t.model, err)
	}
	return nil
}

func (t *table) Update(ctx context.Context, tx *store.Tx, id json.RawMessage, values types.FieldMap) error {
	if len(values) == 0 {
		return nil
	}
	keyCols, keyArgs, err := t.key(ctx, tx, t.reg, id)
	if err != nil {
		return err
	}
	valueCols, valueArgs, err := t.decodeValues(ctx, tx, values)
	if err != nil {
		return err
	}

	sets := make([]string, len(valueCols))
	for i, c := range valueCols {
		sets[i] = c + " = ?"
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, t.name, strings.Join(sets, ", "), where(keyCols))
	res, err := tx.Exec(ctx, query, append(valueArgs, keyArgs...)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.model, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registry.Missing(t.model, id)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, tx *store.Tx, id json.RawMessage) (bool, error) {
	cols, args, err := t.key(ctx, tx, t.reg, id)
	if err != nil {
		var missing *registry.MissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}
	res, err := tx.Exec(ctx, `DELETE FROM `+t.name+` WHERE `+where(cols), args...)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", t.model, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// decodeValues returns columns in field-name order so generated statements
// are stable.
func (t *table) decodeValues(ctx context.Context, q store.Queryer, values types.FieldMap) ([]string, []any, error) {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	cols := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		c, ok := t.columns[f]
		if !ok {
			return nil, nil, fmt.Errorf("%s.%s: %w", t.model, f, registry.ErrUnknownField)
		}
		raw := values[f]
		var (
			arg any
			err error
		)
		if c.kind == kindRef && !types.IsNull(raw) {
			arg, err = t.reg.Resolve(ctx, q, c.ref, raw)
			// A reference to a deleted record is stored as null, as the
			// foreign key's ON DELETE SET NULL does for rows written earlier.
			var missing *registry.MissingError
			if errors.As(err, &missing) && missing.Deleted {
				arg, err = nil, nil
			}
		} else {
			arg, err = c.decode(raw)
		}
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, c.name)
		args = append(args, arg)
	}
	return cols, args, nil
}

func where(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// pubTable is a table identified by a pub_id column. Other records can
// reference it, so it also resolves SyncIds to local keys.
type pubTable struct {
	*table
}

func (p pubTable) Resolve(ctx context.Context, q store.Queryer, id json.RawMessage) (int64, bool, error) {
	return resolvePubID(ctx, q, p.name, id)
}

type pubIDKey struct {
	PubID uuid.UUID `json:"pub_id"`
}

func decodePubID(id json.RawMessage) (uuid.UUID, error) {
	var key pubIDKey
	if err := json.Unmarshal(id, &key); err != nil {
		return uuid.Nil, fmt.Errorf("sync id %s: %v: %w", string(id), err, registry.ErrInvalidValue)
	}
	if key.PubID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("sync id %s: missing pub_id: %w", string(id), registry.ErrInvalidValue)
	}
	return key.PubID, nil
}

func pubIDColumns(_ context.Context, _ store.Queryer, _ *registry.Registry, id json.RawMessage) ([]string, []any, error) {
	pub, err := decodePubID(id)
	if err != nil {
		return nil, nil, err
	}
	return []string{"pub_id"}, []any{pub[:]}, nil
}

func resolvePubID(ctx context.Context, q store.Queryer, tableName string, id json.RawMessage) (int64, bool, error) {
	pub, err := decodePubID(id)
	if err != nil {
		return 0, false, err
	}
	var key int64
	err = q.QueryRow(ctx, `SELECT id FROM `+tableName+` WHERE pub_id = ?`, pub[:]).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve %s: %w", tableName, err)
	}
	return key, true, nil
}

type filePathKey struct {
	Location json.RawMessage `json:"location"`
	ID       *int64          `json:"id"`
}

// filePathColumns resolves the location part of a FilePath SyncId.
func filePathColumns(ctx context.Context, q store.Queryer, reg *registry.Registry, id json.RawMessage) ([]string, []any, error) {
	var key filePathKey
	if err := json.Unmarshal(id, &key); err != nil {
		return nil, nil, fmt.Errorf("sync id %s: %v: %w", string(id), err, registry.ErrInvalidValue)
	}
	if key.ID == nil || types.IsNull(key.Location) {
		return nil, nil, fmt.Errorf("sync id %s: incomplete file path id: %w", string(id), registry.ErrInvalidValue)
	}
	location, err := reg.Resolve(ctx, q, ModelLocation, key.Location)
	if err != nil {
		return nil, nil, err
	}
	return []string{"location_id", "id"}, []any{location, *key.ID}, nil
}

// nodeResolver translates Node SyncIds; node rows are maintained by the store.
type nodeResolver struct{}

func (nodeResolver) Model() string { return ModelNode }

func (nodeResolver) Resolve(ctx context.Context, q store.Queryer, id json.RawMessage) (int64, bool, error) {
	return resolvePubID(ctx, q, "node", id)
}
