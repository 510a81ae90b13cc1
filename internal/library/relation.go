package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

// joinTable handles a relation stored as a join row keyed by the local keys
// of its item and group.
type joinTable struct {
	relation   string
	name       string
	itemModel  string
	itemCol    string
	groupModel string
	groupCol   string
	columns    map[string]column
	reg        *registry.Registry
}

func (j *joinTable) Relation() string   { return j.relation }
func (j *joinTable) ItemModel() string  { return j.itemModel }
func (j *joinTable) GroupModel() string { return j.groupModel }

func (j *joinTable) keys(ctx context.Context, q store.Queryer, item, group json.RawMessage) (int64, int64, error) {
	itemKey, err := j.reg.Resolve(ctx, q, j.itemModel, item)
	if err != nil {
		return 0, 0, err
	}
	groupKey, err := j.reg.Resolve(ctx, q, j.groupModel, group)
	if err != nil {
		return 0, 0, err
	}
	return itemKey, groupKey, nil
}

func (j *joinTable) Exists(ctx context.Context, tx *store.Tx, item, group json.RawMessage) (bool, error) {
	itemKey, groupKey, err := j.keys(ctx, tx, item, group)
	if err != nil {
		var missing *registry.MissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}
	var one int
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? AND %s = ?`, j.name, j.itemCol, j.groupCol),
		itemKey, groupKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", j.relation, err)
	}
	return true, nil
}

func (j *joinTable) Create(ctx context.Context, tx *store.Tx, item, group json.RawMessage) error {
	itemKey, groupKey, err := j.keys(ctx, tx, item, group)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT DO NOTHING`, j.name, j.itemCol, j.groupCol),
		itemKey, groupKey)
	if err != nil {
		return fmt.Errorf("insert %s: %w", j.relation, err)
	}
	return nil
}

func (j *joinTable) Update(ctx context.Context, tx *store.Tx, item, group json.RawMessage, field string, value json.RawMessage) error {
	c, ok := j.columns[field]
	if !ok {
		return fmt.Errorf("%s.%s: %w", j.relation, field, registry.ErrUnknownField)
	}
	arg, err := c.decode(value)
	if err != nil {
		return err
	}
	itemKey, groupKey, err := j.keys(ctx, tx, item, group)
	if err != nil {
		return err
	}
	res, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ? AND %s = ?`, j.name, c.name, j.itemCol, j.groupCol),
		arg, itemKey, groupKey)
	if err != nil {
		return fmt.Errorf("update %s: %w", j.relation, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registry.Missing(j.relation, types.RelationID(item, group))
	}
	return nil
}

func (j *joinTable) Delete(ctx context.Context, tx *store.Tx, item, group json.RawMessage) (bool, error) {
	itemKey, groupKey, err := j.keys(ctx, tx, item, group)
	if err != nil {
		var missing *registry.MissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}
	res, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`, j.name, j.itemCol, j.groupCol),
		itemKey, groupKey)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", j.relation, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
