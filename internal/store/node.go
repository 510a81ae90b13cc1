package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	metaSchemaVersion = "schema_version"
	metaLocalNode     = "local_node"

	// PlaceholderNodeName marks node rows created because an operation from
	// an unknown peer arrived before its node record.
	PlaceholderNodeName = "PLACEHOLDER"
)

// Meta reads a library_meta value.
func (d *DB) Meta(ctx context.Context, q Queryer, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRow(ctx, `SELECT value FROM library_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts a library_meta value.
func (d *DB) SetMeta(ctx context.Context, q Queryer, key string, value []byte) error {
	_, err := q.Exec(ctx, `
INSERT INTO library_meta (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// LocalNode returns this library's node identity, generating and persisting
// one (with its node row) on first use.
func (d *DB) LocalNode(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.InTx(ctx, func(tx *Tx) error {
		raw, ok, err := d.Meta(ctx, tx, metaLocalNode)
		if err != nil {
			return err
		}
		if ok {
			id, err = uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("decode local node id: %w", err)
			}
		} else {
			id = uuid.New()
			if err := d.SetMeta(ctx, tx, metaLocalNode, id[:]); err != nil {
				return err
			}
		}
		_, err = UpsertNode(ctx, tx, id, name)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// UpsertNode ensures a node row exists for pubID and returns its local id.
// An existing row keeps its name unless it is still a placeholder.
func UpsertNode(ctx context.Context, q Queryer, pubID uuid.UUID, name string) (int64, error) {
	_, err := q.Exec(ctx, `
INSERT INTO node (pub_id, name, platform, date_created) VALUES (?, ?, 0, ?)
ON CONFLICT (pub_id) DO UPDATE SET name = excluded.name
WHERE node.name = ? AND excluded.name <> ?`,
		pubID[:], name, time.Now().UTC().Format(time.RFC3339Nano), PlaceholderNodeName, PlaceholderNodeName)
	if err != nil {
		return 0, fmt.Errorf("upsert node %s: %w", pubID, err)
	}
	id, ok, err := NodeID(ctx, q, pubID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("upsert node %s: row missing after insert", pubID)
	}
	return id, nil
}

// NodeID resolves a node's public id to its local row id.
func NodeID(ctx context.Context, q Queryer, pubID uuid.UUID) (int64, bool, error) {
	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM node WHERE pub_id = ?`, pubID[:]).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup node %s: %w", pubID, err)
	}
	return id, true, nil
}

// Node is a row of the node table.
type Node struct {
	ID          int64
	PubID       uuid.UUID
	Name        string
	DateCreated string
}

// Nodes lists every known node, placeholders included.
func Nodes(ctx context.Context, q Queryer) ([]Node, error) {
	rows, err := q.Query(ctx, `SELECT id, pub_id, name, date_created FROM node ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			n   Node
			pub []byte
		)
		if err := rows.Scan(&n.ID, &pub, &n.Name, &n.DateCreated); err != nil {
			return nil, err
		}
		if n.PubID, err = uuid.FromBytes(pub); err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
