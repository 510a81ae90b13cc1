package types

// SyncID is the portable, replica-stable identity of a record. It is
// serialized into operations in place of the store's local primary key.
type SyncID interface {
	SyncModel() string
}

// OwnedSyncID identifies a record of an owned model.
type OwnedSyncID interface {
	SyncID
	ownedSyncID()
}

// SharedSyncID identifies a record of a shared model.
type SharedSyncID interface {
	SyncID
	sharedSyncID()
}

// OwnedMarker classifies a SyncId as belonging to an owned model. Embed it
// in the id struct.
type OwnedMarker struct{}

func (OwnedMarker) ownedSyncID() {}

// SharedMarker classifies a SyncId as belonging to a shared model. Embed it
// in the id struct.
type SharedMarker struct{}

func (SharedMarker) sharedSyncID() {}

// Relation describes a join model between two shared models. Item and group
// are fixed by the type parameters so a relation cannot be built from the
// wrong pair of ids.
type Relation[I SharedSyncID, G SharedSyncID] struct {
	Name string
}
