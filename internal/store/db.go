package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/todosync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the session-scoped entity cache. It lives in a private in-memory
// SQLite database and is discarded with the session.
//
// All access is expected from the engine's event loop, so merges are
// read-modify-write without further locking.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates an empty in-memory cache. Events for changed entities are
// published on b, which may be nil.
func Open(b *bus.Bus) (*DB, error) {
	// Each connection to an in-memory database sees its own database, so
	// the pool is pinned to a single connection that is never recycled.
	dsn := fmt.Sprintf("file:%s?mode=memory&_foreign_keys=on", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// OpenMigrated opens a cache and applies the schema.
func OpenMigrated(b *bus.Bus) (*DB, error) {
	db, err := Open(b)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Reset drops every cached entity. Used when the session is invalidated.
func (db *DB) Reset() error {
	for _, table := range []string{"tasks", "messages", "chats"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	db.bus.Emit(bus.KindCacheChat, Change{List: true})
	return nil
}

func (db *DB) emit(kind string, c Change) {
	db.bus.Emit(kind, c)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
