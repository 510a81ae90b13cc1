package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/hlc"
)

// CRDTOperation is one immutable, replicable mutation.
type CRDTOperation struct {
	ID        uuid.UUID
	Node      uuid.UUID
	Timestamp hlc.NTP64
	Typ       OperationType
}

// OperationType is the tagged payload of an operation: *OwnedOperation,
// *SharedOperation or *RelationOperation.
type OperationType interface {
	Kind() SyncKind
	ModelName() string
	isOperationType()
}

// HLC returns the operation's timestamp qualified by its origin node.
func (op CRDTOperation) HLC() hlc.Timestamp {
	return hlc.Timestamp{Time: op.Timestamp, Node: op.Node}
}

// Owned returns the owned payload, if any.
func (op CRDTOperation) Owned() (*OwnedOperation, bool) {
	o, ok := op.Typ.(*OwnedOperation)
	return o, ok
}

// Shared returns the shared payload, if any.
func (op CRDTOperation) Shared() (*SharedOperation, bool) {
	s, ok := op.Typ.(*SharedOperation)
	return s, ok
}

// Relation returns the relation payload, if any.
func (op CRDTOperation) Relation() (*RelationOperation, bool) {
	r, ok := op.Typ.(*RelationOperation)
	return r, ok
}

// OwnedOperation carries whole-item mutations for an owned model.
type OwnedOperation struct {
	Model string               `json:"model" msgpack:"model"`
	Items []OwnedOperationItem `json:"items" msgpack:"items"`
}

func (*OwnedOperation) Kind() SyncKind      { return SyncOwned }
func (o *OwnedOperation) ModelName() string { return o.Model }
func (*OwnedOperation) isOperationType()    {}

// OwnedOperationItem is one item of an owned operation. ID is null for
// create_many, whose values carry their own ids.
type OwnedOperationItem struct {
	ID   json.RawMessage    `json:"id" msgpack:"id"`
	Data OwnedOperationData `json:"data" msgpack:"data"`
}

// OwnedOperationData is Create(values), CreateMany{many, skip_duplicates},
// Update(values) or Delete.
type OwnedOperationData struct {
	Kind           DataKind           `json:"kind" msgpack:"kind"`
	Values         FieldMap           `json:"values,omitempty" msgpack:"values,omitempty"`
	Many           []OwnedCreateValue `json:"many,omitempty" msgpack:"many,omitempty"`
	SkipDuplicates bool               `json:"skip_duplicates,omitempty" msgpack:"skip_duplicates,omitempty"`
}

// OwnedCreateValue is one record of a create_many item.
type OwnedCreateValue struct {
	ID     json.RawMessage `json:"id" msgpack:"id"`
	Values FieldMap        `json:"values" msgpack:"values"`
}

// SharedCreateKind distinguishes atomic creates (existence only) from
// unique creates that carry initial field values.
type SharedCreateKind string

const (
	CreateAtomic SharedCreateKind = "atomic"
	CreateUnique SharedCreateKind = "unique"
)

// SharedOperation mutates one record of a shared model.
type SharedOperation struct {
	Model    string              `json:"model" msgpack:"model"`
	RecordID json.RawMessage     `json:"record_id" msgpack:"record_id"`
	Data     SharedOperationData `json:"data" msgpack:"data"`
}

func (*SharedOperation) Kind() SyncKind      { return SyncShared }
func (s *SharedOperation) ModelName() string { return s.Model }
func (*SharedOperation) isOperationType()    {}

// SharedOperationData is Create(Atomic|Unique(values)), Update{field, value}
// or Delete.
type SharedOperationData struct {
	Kind   DataKind         `json:"kind" msgpack:"kind"`
	Create SharedCreateKind `json:"create,omitempty" msgpack:"create,omitempty"`
	Values FieldMap         `json:"values,omitempty" msgpack:"values,omitempty"`
	Field  string           `json:"field,omitempty" msgpack:"field,omitempty"`
	Value  json.RawMessage  `json:"value,omitempty" msgpack:"value,omitempty"`
}

// RelationOperation mutates one join row identified by (item, group).
type RelationOperation struct {
	Relation      string                `json:"relation" msgpack:"relation"`
	RelationItem  json.RawMessage       `json:"relation_item" msgpack:"relation_item"`
	RelationGroup json.RawMessage       `json:"relation_group" msgpack:"relation_group"`
	Data          RelationOperationData `json:"data" msgpack:"data"`
}

func (*RelationOperation) Kind() SyncKind      { return SyncRelation }
func (r *RelationOperation) ModelName() string { return r.Relation }
func (*RelationOperation) isOperationType()    {}

// RelationOperationData is Create, Update{field, value} or Delete.
type RelationOperationData struct {
	Kind  DataKind        `json:"kind" msgpack:"kind"`
	Field string          `json:"field,omitempty" msgpack:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty" msgpack:"value,omitempty"`
}

// Wire is the flat, codec-friendly form of a CRDTOperation. Exactly one of
// Owned, Shared or Relation is set.
type Wire struct {
	ID        uuid.UUID          `json:"id" msgpack:"id"`
	Node      uuid.UUID          `json:"node" msgpack:"node"`
	Timestamp hlc.NTP64          `json:"timestamp" msgpack:"timestamp"`
	Owned     *OwnedOperation    `json:"owned,omitempty" msgpack:"owned,omitempty"`
	Shared    *SharedOperation   `json:"shared,omitempty" msgpack:"shared,omitempty"`
	Relation  *RelationOperation `json:"relation,omitempty" msgpack:"relation,omitempty"`
}

// ToWire flattens the operation.
func (op CRDTOperation) ToWire() Wire {
	w := Wire{ID: op.ID, Node: op.Node, Timestamp: op.Timestamp}
	switch typ := op.Typ.(type) {
	case *OwnedOperation:
		w.Owned = typ
	case *SharedOperation:
		w.Shared = typ
	case *RelationOperation:
		w.Relation = typ
	}
	return w
}

// Operation rebuilds the tagged operation and validates it.
func (w Wire) Operation() (CRDTOperation, error) {
	op := CRDTOperation{ID: w.ID, Node: w.Node, Timestamp: w.Timestamp}
	set := 0
	if w.Owned != nil {
		op.Typ = w.Owned
		set++
	}
	if w.Shared != nil {
		op.Typ = w.Shared
		set++
	}
	if w.Relation != nil {
		op.Typ = w.Relation
		set++
	}
	if set != 1 {
		return CRDTOperation{}, fmt.Errorf("operation %s: expected exactly one payload, got %d", w.ID, set)
	}
	if err := op.Validate(); err != nil {
		return CRDTOperation{}, err
	}
	return op, nil
}

// MarshalJSON encodes the operation in its Wire form.
func (op CRDTOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.ToWire())
}

// UnmarshalJSON decodes and validates a Wire-form operation.
func (op *CRDTOperation) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := w.Operation()
	if err != nil {
		return err
	}
	*op = decoded
	return nil
}

var errNilPayload = errors.New("missing payload")

// Validate checks the envelope and payload are well formed. It does not
// consult the model registry.
func (op CRDTOperation) Validate() error {
	if op.ID == uuid.Nil {
		return fmt.Errorf("operation: nil id")
	}
	if op.Node == uuid.Nil {
		return fmt.Errorf("operation %s: nil node", op.ID)
	}
	if op.Typ == nil {
		return fmt.Errorf("operation %s: %w", op.ID, errNilPayload)
	}
	if op.Typ.ModelName() == "" {
		return fmt.Errorf("operation %s: empty model", op.ID)
	}

	var err error
	switch typ := op.Typ.(type) {
	case *OwnedOperation:
		err = typ.validate()
	case *SharedOperation:
		err = typ.validate()
	case *RelationOperation:
		err = typ.validate()
	}
	if err != nil {
		return fmt.Errorf("operation %s: %w", op.ID, err)
	}
	return nil
}

func (o *OwnedOperation) validate() error {
	if len(o.Items) == 0 {
		return errors.New("owned operation without items")
	}
	for i, item := range o.Items {
		switch item.Data.Kind {
		case DataCreateMany:
			for j, v := range item.Data.Many {
				if !json.Valid(v.ID) {
					return fmt.Errorf("item %d value %d: invalid id", i, j)
				}
			}
			continue
		case DataCreate, DataUpdate, DataDelete:
		default:
			return fmt.Errorf("item %d: unknown data kind %q", i, item.Data.Kind)
		}
		if !json.Valid(item.ID) || IsNull(item.ID) {
			return fmt.Errorf("item %d: invalid id", i)
		}
	}
	return nil
}

func (s *SharedOperation) validate() error {
	if !json.Valid(s.RecordID) || IsNull(s.RecordID) {
		return errors.New("invalid record id")
	}
	switch s.Data.Kind {
	case DataCreate:
		if s.Data.Create != CreateAtomic && s.Data.Create != CreateUnique {
			return fmt.Errorf("unknown create kind %q", s.Data.Create)
		}
	case DataUpdate:
		if s.Data.Field == "" {
			return errors.New("update without field")
		}
		if len(s.Data.Value) > 0 && !json.Valid(s.Data.Value) {
			return fmt.Errorf("update %s: invalid value", s.Data.Field)
		}
	case DataDelete:
	default:
		return fmt.Errorf("unknown data kind %q", s.Data.Kind)
	}
	return nil
}

func (r *RelationOperation) validate() error {
	if !json.Valid(r.RelationItem) || IsNull(r.RelationItem) {
		return errors.New("invalid relation item")
	}
	if !json.Valid(r.RelationGroup) || IsNull(r.RelationGroup) {
		return errors.New("invalid relation group")
	}
	switch r.Data.Kind {
	case DataCreate, DataDelete:
	case DataUpdate:
		if r.Data.Field == "" {
			return errors.New("relation update without field")
		}
	default:
		return fmt.Errorf("unknown data kind %q", r.Data.Kind)
	}
	return nil
}
