// Package db persists rooms, raw update frames and compacted snapshots for
// the relay server.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update is one stored update frame. IDs increase in insertion order within
// a store.
type Update struct {
	ID   int64
	Data []byte
}

type Stats struct {
	RoomCount   int
	UpdateCount int
}

// Store is implemented by the SQLite and Postgres backends.
type Store interface {
	CreateRoom(ctx context.Context, id, name string) error
	// GetRoom returns nil, nil when the room does not exist.
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)
	DeleteRoom(ctx context.Context, id string) error

	// SaveUpdate creates the room if needed and bumps its timestamp.
	SaveUpdate(ctx context.Context, roomID string, data []byte) error
	GetAllUpdates(ctx context.Context, roomID string) ([]Update, error)
	GetUpdateCount(ctx context.Context, roomID string) (int, error)
	// DeleteUpdatesThrough drops updates with ID <= lastID.
	DeleteUpdatesThrough(ctx context.Context, roomID string, lastID int64) error

	SaveSnapshot(ctx context.Context, roomID string, snapshot []byte, updateCount int) error
	// GetSnapshot returns nil, 0, nil when the room has no snapshot.
	GetSnapshot(ctx context.Context, roomID string) ([]byte, int, error)

	GetStats(ctx context.Context) (Stats, error)
	Close() error
}

type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// Path of the SQLite database file.
	Path string
	// URL is the Postgres connection string.
	URL string
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.URL, logger)
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}
}
