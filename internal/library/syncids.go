package library

import (
	"github.com/google/uuid"

	"github.com/example/library-sync/internal/types"
)

// Model names as they appear in operations.
const (
	ModelNode        = "Node"
	ModelLocation    = "Location"
	ModelFilePath    = "FilePath"
	ModelObject      = "Object"
	ModelTag         = "Tag"
	ModelVolume      = "Volume"
	RelationTagOnObj = "TagOnObject"
)

// NodeSyncID references a device. Nodes are not synced themselves; they are
// only referenced by other records.
type NodeSyncID struct {
	PubID uuid.UUID `json:"pub_id"`
}

func (NodeSyncID) SyncModel() string { return ModelNode }

type LocationSyncID struct {
	types.SharedMarker `json:"-"`
	PubID              uuid.UUID `json:"pub_id"`
}

func (LocationSyncID) SyncModel() string { return ModelLocation }

// FilePathSyncID is scoped under its location; the id is only unique within
// that location.
type FilePathSyncID struct {
	types.SharedMarker `json:"-"`
	Location           LocationSyncID `json:"location"`
	ID                 int64          `json:"id"`
}

func (FilePathSyncID) SyncModel() string { return ModelFilePath }

type ObjectSyncID struct {
	types.SharedMarker `json:"-"`
	PubID              uuid.UUID `json:"pub_id"`
}

func (ObjectSyncID) SyncModel() string { return ModelObject }

type TagSyncID struct {
	types.SharedMarker `json:"-"`
	PubID              uuid.UUID `json:"pub_id"`
}

func (TagSyncID) SyncModel() string { return ModelTag }

// VolumeSyncID identifies a volume. Volumes belong to the node that
// detected them and are synced as owned items.
type VolumeSyncID struct {
	types.OwnedMarker `json:"-"`
	PubID             uuid.UUID `json:"pub_id"`
}

func (VolumeSyncID) SyncModel() string { return ModelVolume }

// TagOnObject joins objects (item) to tags (group).
var TagOnObject = types.Relation[ObjectSyncID, TagSyncID]{Name: RelationTagOnObj}
