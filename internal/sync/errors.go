package syncstate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/registry"
)

// Code categorizes sync failures so the loop driving ingestion can decide
// between retrying, parking, skipping and dead-lettering.
type Code string

const (
	// CodeStorage is an underlying store failure. Fatal to the operation,
	// not to the engine.
	CodeStorage Code = "STORAGE"

	// CodeSerialization marks a malformed operation, field map or SyncId.
	// Never retried.
	CodeSerialization Code = "SERIALIZATION"

	// CodeMissingDependency means a referenced record is not present yet.
	// The operation is parked until that record's Create is applied.
	CodeMissingDependency Code = "MISSING_DEPENDENCY"

	// CodeUnsupported marks an unknown model or kind.
	CodeUnsupported Code = "UNSUPPORTED_OPERATION"
)

// SyncError describes why an operation could not be written or ingested.
type SyncError struct {
	Code  Code
	OpID  uuid.UUID
	Model string

	// Missing is the absent record for CodeMissingDependency.
	Missing *registry.MissingError

	Err error
}

func (e *SyncError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: operation %s (%s): %v", e.Code, e.OpID, e.Model, e.Err)
	}
	return fmt.Sprintf("%s: operation %s: %v", e.Code, e.OpID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func codeOf(err error) (Code, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// IsStorage reports whether err is a store failure.
func IsStorage(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeStorage
}

// IsSerialization reports whether err marks a corrupt operation.
func IsSerialization(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeSerialization
}

// IsMissingDependency reports whether the operation was parked.
func IsMissingDependency(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeMissingDependency
}

// IsUnsupported reports whether the operation names an unknown model or kind.
func IsUnsupported(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeUnsupported
}

var errUnsupported = errors.New("no handler registered")

func unsupported(model string, kind any) error {
	return &SyncError{Code: CodeUnsupported, Model: model, Err: fmt.Errorf("%v on %s: %w", kind, model, errUnsupported)}
}

// classify maps an error raised while applying op onto the taxonomy.
func classify(opID uuid.UUID, model string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		out := *se
		out.OpID = opID
		if out.Model == "" {
			out.Model = model
		}
		return &out
	}

	out := &SyncError{Code: CodeStorage, OpID: opID, Model: model, Err: err}
	var missing *registry.MissingError
	switch {
	case errors.As(err, &missing):
		out.Code = CodeMissingDependency
		out.Missing = missing
	case errors.Is(err, registry.ErrInvalidValue), errors.Is(err, registry.ErrUnknownField):
		out.Code = CodeSerialization
	}
	return out
}
