// Package library defines the synced models of a library: their SyncIds,
// how their fields map onto the store, and the handlers that apply
// operations to them.
package library

import (
	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/types"
)

type modelDef struct {
	model   string
	kind    types.SyncKind
	table   string
	pubID   bool
	columns []column
}

var models = []modelDef{
	{
		model: ModelLocation, kind: types.SyncShared, table: "location", pubID: true,
		columns: []column{
			text("name"),
			text("path"),
			ref("node", "node_id", ModelNode),
			integer("total_capacity"),
			integer("available_capacity"),
			boolean("is_archived"),
			boolean("hidden"),
			datetime("date_created"),
		},
	},
	{
		model: ModelObject, kind: types.SyncShared, table: "object", pubID: true,
		columns: []column{
			integer("kind"),
			boolean("favorite"),
			boolean("important"),
			text("note"),
			boolean("hidden"),
			datetime("date_created"),
			datetime("date_accessed"),
		},
	},
	{
		model: ModelFilePath, kind: types.SyncShared, table: "file_path",
		columns: []column{
			boolean("is_dir"),
			text("cas_id"),
			text("materialized_path"),
			text("name"),
			text("extension"),
			boolean("hidden"),
			integer("size_in_bytes"),
			integer("inode"),
			ref("object", "object_id", ModelObject),
			datetime("date_created"),
			datetime("date_modified"),
			datetime("date_indexed"),
		},
	},
	{
		model: ModelTag, kind: types.SyncShared, table: "tag", pubID: true,
		columns: []column{
			text("name"),
			text("color"),
			datetime("date_created"),
			datetime("date_modified"),
		},
	},
	{
		model: ModelVolume, kind: types.SyncOwned, table: "volume", pubID: true,
		columns: []column{
			ref("node", "node_id", ModelNode),
			text("name"),
			text("mount_point"),
			integer("total_bytes_capacity"),
			integer("total_bytes_available"),
			text("disk_type"),
			text("filesystem"),
			boolean("is_system"),
		},
	},
}

var tagOnObjectColumns = []column{datetime("date_created")}

// refTables maps referenceable models to their tables.
var refTables = map[string]string{
	ModelNode:     "node",
	ModelLocation: "location",
	ModelObject:   "object",
	ModelTag:      "tag",
}

// Register installs handlers for every synced model into reg.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterResolver(nodeResolver{}); err != nil {
		return err
	}

	for _, def := range models {
		var h registry.RecordHandler
		if def.pubID {
			h = pubTable{newTable(reg, def.model, def.kind, def.table, pubIDColumns, def.columns...)}
		} else {
			h = newTable(reg, def.model, def.kind, def.table, filePathColumns, def.columns...)
		}
		if err := reg.Register(h); err != nil {
			return err
		}
	}

	join := &joinTable{
		relation:   RelationTagOnObj,
		name:       "tag_on_object",
		itemModel:  ModelObject,
		itemCol:    "object_id",
		groupModel: ModelTag,
		groupCol:   "tag_id",
		columns:    make(map[string]column),
		reg:        reg,
	}
	for _, c := range tagOnObjectColumns {
		join.columns[c.field] = c
	}
	return reg.RegisterRelation(join)
}

// NewRegistry returns a registry with every library model installed.
func NewRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
