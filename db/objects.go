package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/botpod/botpod/domain"
)

const (
	//Objects
	sqlInsertObject = `INSERT INTO objects(uri, owner, local, json, created_at) VALUES (?, ?, ?, ?, ?)
	                   ON CONFLICT(uri) DO UPDATE SET owner = excluded.owner, local = excluded.local, json = excluded.json`
	sqlSelectObject = `SELECT json FROM objects WHERE uri = ?`
	sqlUpdateObject = `UPDATE objects SET json = ? WHERE uri = ?`
	sqlDeleteObject = `DELETE FROM objects WHERE uri = ?`

	//Collection membership, shared by bot collections (parent = username)
	//and object collections (parent = object URI)
	sqlInsertMember = `INSERT OR IGNORE INTO collection_items(parent, collection, item, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteMember = `DELETE FROM collection_items WHERE parent = ? AND collection = ? AND item = ?`
	sqlCountMember  = `SELECT COUNT(1) FROM collection_items WHERE parent = ? AND collection = ? AND item = ?`
	sqlSelectItems  = `SELECT item FROM collection_items WHERE parent = ? AND collection = ? ORDER BY created_at ASC, rowid ASC`
	sqlCountItems   = `SELECT COUNT(1) FROM collection_items WHERE parent = ? AND collection = ?`
)

// CreateObject stores (or replaces) a document keyed by its URI.
func (db *DB) CreateObject(ctx context.Context, doc domain.Document, owner string, local bool) error {
	raw, err := doc.Marshal()
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertObject, doc.ID(), owner, local, string(raw), time.Now())
		return err
	})
}

// ReadObject returns the stored document with the given URI, or nil if
// unknown.
func (db *DB) ReadObject(ctx context.Context, uri string) (domain.Document, error) {
	var raw string
	err := db.db.QueryRowContext(ctx, sqlSelectObject, uri).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return domain.ParseDocument([]byte(raw))
}

// UpdateObject overwrites the stored document with the given URI.
func (db *DB) UpdateObject(ctx context.Context, doc domain.Document) error {
	raw, err := doc.Marshal()
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateObject, string(raw), doc.ID())
		return err
	})
}

// DeleteObject removes the stored document with the given URI.
func (db *DB) DeleteObject(ctx context.Context, uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteObject, uri)
		return err
	})
}

// AddMember records item in the named collection of parent. Duplicate adds
// are ignored, which is what gives the processor its idempotence.
func (db *DB) AddMember(ctx context.Context, parent, collection, item string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertMember, parent, collection, item, time.Now())
		return err
	})
}

// RemoveMember clears item from the named collection of parent. Removing an
// absent item is not an error.
func (db *DB) RemoveMember(ctx context.Context, parent, collection, item string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteMember, parent, collection, item)
		return err
	})
}

// IsMember reports whether item is in the named collection of parent.
func (db *DB) IsMember(ctx context.Context, parent, collection, item string) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountMember, parent, collection, item).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// EachMember calls fn for every item in the named collection of parent, in
// insertion order, stopping at the first error.
func (db *DB) EachMember(ctx context.Context, parent, collection string, fn func(item string) error) error {
	rows, err := db.db.QueryContext(ctx, sqlSelectItems, parent, collection)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReadMembers returns up to limit items of the named collection of parent.
// limit <= 0 means no limit.
func (db *DB) ReadMembers(ctx context.Context, parent, collection string, limit int) ([]string, error) {
	var items []string
	err := db.EachMember(ctx, parent, collection, func(item string) error {
		if limit > 0 && len(items) >= limit {
			return nil
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// CountMembers returns the size of the named collection of parent.
func (db *DB) CountMembers(ctx context.Context, parent, collection string) (int, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountItems, parent, collection).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
