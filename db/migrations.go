package db

import (
	"database/sql"
	"log/slog"
)

const (
	sqlCreateBotsTable = `CREATE TABLE IF NOT EXISTS bots (
		username TEXT NOT NULL PRIMARY KEY,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateInstanceKeysTable = `CREATE TABLE IF NOT EXISTS instance_keys (
		id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL
	)`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		uri TEXT NOT NULL PRIMARY KEY,
		owner TEXT NOT NULL,
		local INTEGER DEFAULT 0,
		json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectsIndices = `CREATE INDEX IF NOT EXISTS idx_objects_owner ON objects(owner)`

	sqlCreateCollectionItemsTable = `CREATE TABLE IF NOT EXISTS collection_items (
		parent TEXT NOT NULL,
		collection TEXT NOT NULL,
		item TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(parent, collection, item)
	)`

	sqlCreateCollectionItemsIndices = `CREATE INDEX IF NOT EXISTS idx_collection_items_parent
		ON collection_items(parent, collection)`
)

// RunMigrations creates the schema. Every statement is idempotent, so this
// runs unconditionally at startup.
func (db *DB) RunMigrations() error {
	slog.Info("running database migrations")
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			sqlCreateBotsTable,
			sqlCreateInstanceKeysTable,
			sqlCreateObjectsTable,
			sqlCreateObjectsIndices,
			sqlCreateCollectionItemsTable,
			sqlCreateCollectionItemsIndices,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
