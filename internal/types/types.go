// Package types defines the replicated operation model shared by the write
// path, ingestion, transport and storage layers.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SyncKind classifies how a model is synchronized.
type SyncKind string

const (
	// SyncOwned models are replicated as whole item snapshots by their owner.
	SyncOwned SyncKind = "owned"
	// SyncShared models are replicated field by field under a portable id.
	SyncShared SyncKind = "shared"
	// SyncRelation models are join rows keyed by two shared ids.
	SyncRelation SyncKind = "relation"
)

// DataKind is the mutation carried by an operation.
type DataKind string

const (
	DataCreate     DataKind = "create"
	DataCreateMany DataKind = "create_many"
	DataUpdate     DataKind = "update"
	DataDelete     DataKind = "delete"
)

// FieldMap holds already-serialized field values keyed by field name.
type FieldMap map[string]json.RawMessage

// Field is a single named, serialized value.
type Field struct {
	Name  string
	Value json.RawMessage
}

// F serializes v under name. It panics if v cannot be encoded as JSON, so it
// is meant for plain values (strings, numbers, bools, SyncIds).
func F(name string, v any) Field {
	return Field{Name: name, Value: MustValue(v)}
}

// Fields collects fields into a FieldMap.
func Fields(fields ...Field) FieldMap {
	m := make(FieldMap, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	return m
}

// MustValue encodes v as JSON and panics on failure.
func MustValue(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("types: encode value %T: %v", v, err))
	}
	return raw
}

// IsNull reports whether the serialized value is empty or JSON null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// CanonicalID returns a stable byte form of a serialized SyncId: object keys
// sorted and insignificant whitespace removed. Two encodings of the same id
// always canonicalize identically.
func CanonicalID(raw json.RawMessage) ([]byte, error) {
	if IsNull(raw) {
		return nil, fmt.Errorf("empty sync id")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode sync id: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode sync id: %w", err)
	}
	return out, nil
}

// RelationID combines the SyncIds of a join row's item and group into one
// identity, used wherever a relation row needs a single key.
func RelationID(item, group json.RawMessage) json.RawMessage {
	out := make([]byte, 0, len(item)+len(group)+3)
	out = append(out, '[')
	out = append(out, item...)
	out = append(out, ',')
	out = append(out, group...)
	out = append(out, ']')
	return out
}
