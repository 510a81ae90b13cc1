// Package codec converts operations to and from the byte encodings used on
// the wire, in snapshots and by the CLI.
package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/types"
)

// Codec encodes single operations. Decode validates the envelope.
type Codec interface {
	Name() string
	ContentType() string
	Encode(op types.CRDTOperation) ([]byte, error)
	Decode(data []byte) (types.CRDTOperation, error)
}

var codecs = map[string]Codec{
	"json":    JSON{},
	"msgpack": MsgPack{},
	"proto":   Proto{},
}

// ByName returns the codec registered under name (json, msgpack, proto).
func ByName(name string) (Codec, error) {
	c, ok := codecs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (want one of %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists the registered codec names.
func Names() []string {
	out := make([]string, 0, len(codecs))
	for name := range codecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// JSON is the canonical encoding.
type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Encode(op types.CRDTOperation) ([]byte, error) {
	return json.Marshal(op)
}

func (JSON) Decode(data []byte) (types.CRDTOperation, error) {
	var op types.CRDTOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return types.CRDTOperation{}, fmt.Errorf("decode json operation: %w", err)
	}
	return op, nil
}

// MsgPack is the compact encoding used by the pub/sub transport. Field
// values stay raw JSON inside the envelope.
type MsgPack struct{}

func (MsgPack) Name() string        { return "msgpack" }
func (MsgPack) ContentType() string { return "application/msgpack" }

func (MsgPack) Encode(op types.CRDTOperation) ([]byte, error) {
	return msgpack.Marshal(op.ToWire())
}

func (MsgPack) Decode(data []byte) (types.CRDTOperation, error) {
	var w types.Wire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return types.CRDTOperation{}, fmt.Errorf("decode msgpack operation: %w", err)
	}
	return w.Operation()
}

// Proto encodes the operation as a google.protobuf.Struct so tools without
// generated bindings can read it. The timestamp travels as a decimal string
// since Struct numbers are doubles.
type Proto struct{}

func (Proto) Name() string        { return "proto" }
func (Proto) ContentType() string { return "application/x-protobuf" }

func (Proto) Encode(op types.CRDTOperation) ([]byte, error) {
	w := op.ToWire()
	var (
		key     string
		payload any
	)
	switch {
	case w.Owned != nil:
		key, payload = string(types.SyncOwned), w.Owned
	case w.Shared != nil:
		key, payload = string(types.SyncShared), w.Shared
	case w.Relation != nil:
		key, payload = string(types.SyncRelation), w.Relation
	default:
		return nil, fmt.Errorf("encode proto operation %s: missing payload", op.ID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(map[string]any{
		"id":        w.ID.String(),
		"node":      w.Node.String(),
		"timestamp": w.Timestamp.String(),
		key:         fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode proto operation %s: %w", op.ID, err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (Proto) Decode(data []byte) (types.CRDTOperation, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return types.CRDTOperation{}, fmt.Errorf("decode proto operation: %w", err)
	}
	m := s.AsMap()

	var (
		w   types.Wire
		err error
	)
	if w.ID, err = uuidField(m, "id"); err != nil {
		return types.CRDTOperation{}, err
	}
	if w.Node, err = uuidField(m, "node"); err != nil {
		return types.CRDTOperation{}, err
	}
	ts, _ := m["timestamp"].(string)
	if w.Timestamp, err = hlc.ParseNTP64(ts); err != nil {
		return types.CRDTOperation{}, fmt.Errorf("decode proto operation: timestamp: %w", err)
	}

	targets := map[string]any{
		string(types.SyncOwned):    &w.Owned,
		string(types.SyncShared):   &w.Shared,
		string(types.SyncRelation): &w.Relation,
	}
	for key, target := range targets {
		v, ok := m[key]
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return types.CRDTOperation{}, err
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return types.CRDTOperation{}, fmt.Errorf("decode proto operation: %s: %w", key, err)
		}
	}
	return w.Operation()
}

func uuidField(m map[string]any, key string) (uuid.UUID, error) {
	s, _ := m[key].(string)
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode proto operation: %s: %w", key, err)
	}
	return id, nil
}
