package db

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/botpod/botpod/domain"
	_ "modernc.org/sqlite"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const (
	//Bots
	sqlInsertBot = `INSERT INTO bots(username, display_name, summary, public_key_pem, private_key_pem, created_at)
	                VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectBot = `SELECT username, display_name, summary, public_key_pem, private_key_pem, created_at
	                FROM bots WHERE username = ?`
	sqlCountBot = `SELECT COUNT(1) FROM bots WHERE username = ?`

	//Instance keypair
	sqlInsertInstanceKey = `INSERT INTO instance_keys(id, public_key_pem, private_key_pem) VALUES (1, ?, ?)`
	sqlSelectInstanceKey = `SELECT public_key_pem, private_key_pem FROM instance_keys WHERE id = 1`
)

// Open opens (or creates) the database at path. Used directly by tests;
// production code goes through GetDB.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		slog.Warn("failed to enable WAL mode", "err", err)
	} else {
		slog.Info("database journal mode", "mode", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		return nil, err
	}
	return db, nil
}

// GetDB returns the process-wide database, opening it on first use.
func GetDB(path string) *DB {
	dbOnce.Do(func() {
		db, err := Open(path)
		if err != nil {
			panic(err)
		}
		dbInstance = db
	})
	return dbInstance
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) wrapTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateBot stores a local bot with its keypair.
func (db *DB) CreateBot(ctx context.Context, bot *domain.Bot) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertBot,
			bot.Username, bot.DisplayName, bot.Summary,
			bot.PublicKeyPem, bot.PrivateKeyPem, bot.CreatedAt)
		return err
	})
}

// ReadBot returns the bot with the given username, or nil if unknown.
func (db *DB) ReadBot(ctx context.Context, username string) (*domain.Bot, error) {
	var bot domain.Bot
	row := db.db.QueryRowContext(ctx, sqlSelectBot, username)
	err := row.Scan(&bot.Username, &bot.DisplayName, &bot.Summary,
		&bot.PublicKeyPem, &bot.PrivateKeyPem, &bot.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// BotExists reports whether a local bot with this username exists.
func (db *DB) BotExists(ctx context.Context, username string) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountBot, username).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// PrivateKeyPEM returns the signing key of a local bot.
func (db *DB) PrivateKeyPEM(ctx context.Context, username string) (string, error) {
	bot, err := db.ReadBot(ctx, username)
	if err != nil {
		return "", err
	}
	if bot == nil {
		return "", sql.ErrNoRows
	}
	return bot.PrivateKeyPem, nil
}

// InstanceKeyPEM returns the private key of the server-level identity.
func (db *DB) InstanceKeyPEM(ctx context.Context) (string, error) {
	_, priv, err := db.ReadInstanceKey(ctx)
	return priv, err
}

// ReadInstanceKey returns the instance keypair (public, private).
func (db *DB) ReadInstanceKey(ctx context.Context) (string, string, error) {
	var pub, priv string
	err := db.db.QueryRowContext(ctx, sqlSelectInstanceKey).Scan(&pub, &priv)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return pub, priv, nil
}

// SaveInstanceKey stores the instance keypair. Only ever called once, at
// first startup.
func (db *DB) SaveInstanceKey(ctx context.Context, pub, priv string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertInstanceKey, pub, priv)
		return err
	})
}
