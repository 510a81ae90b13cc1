package library

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/types"
)

type valueKind int

const (
	kindText valueKind = iota
	kindInt
	kindBool
	kindTime
	kindRef
)

// column maps a synced field onto a SQL column. Reference columns carry the
// SyncId of another model and are stored as that record's local key.
type column struct {
	field string
	name  string
	kind  valueKind
	ref   string
}

func text(field string) column    { return column{field: field, name: field, kind: kindText} }
func integer(field string) column { return column{field: field, name: field, kind: kindInt} }
func boolean(field string) column { return column{field: field, name: field, kind: kindBool} }
func datetime(field string) column {
	return column{field: field, name: field, kind: kindTime}
}

func ref(field, name, model string) column {
	return column{field: field, name: name, kind: kindRef, ref: model}
}

// decode converts a serialized field value into a SQL argument. Reference
// columns are resolved by the caller.
func (c column) decode(raw json.RawMessage) (any, error) {
	if types.IsNull(raw) {
		return nil, nil
	}
	switch c.kind {
	case kindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, c.invalid(err)
		}
		return s, nil
	case kindInt:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, c.invalid(err)
		}
		return n, nil
	case kindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, c.invalid(err)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case kindTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, c.invalid(err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, c.invalid(err)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, fmt.Errorf("field %s: column kind %d: %w", c.field, c.kind, registry.ErrInvalidValue)
}

func (c column) invalid(err error) error {
	return fmt.Errorf("field %s: %v: %w", c.field, err, registry.ErrInvalidValue)
}
