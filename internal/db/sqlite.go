package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("sqlite store initialized")
	return &SQLite{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS document_updates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	update_data BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_document_updates_room_id ON document_updates(room_id);

CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id TEXT PRIMARY KEY,
	snapshot_data BLOB NOT NULL,
	update_count INTEGER DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
);
`

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateRoom(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)", id, name)
	return err
}

func (s *SQLite) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?", id,
	).Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *SQLite) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *SQLite) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	return err
}

func (s *SQLite) SaveUpdate(ctx context.Context, roomID string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id, name) VALUES (?, '')", roomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO document_updates (room_id, update_data) VALUES (?, ?)", roomID, data,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", roomID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetAllUpdates(ctx context.Context, roomID string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, update_data FROM document_updates WHERE room_id = ? ORDER BY id ASC", roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.Data); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (s *SQLite) GetUpdateCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM document_updates WHERE room_id = ?", roomID,
	).Scan(&count)
	return count, err
}

func (s *SQLite) DeleteUpdatesThrough(ctx context.Context, roomID string, lastID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM document_updates WHERE room_id = ? AND id <= ?", roomID, lastID,
	)
	return err
}

func (s *SQLite) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte, updateCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, snapshot_data, update_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			update_count = excluded.update_count,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, snapshot, updateCount)
	return err
}

func (s *SQLite) GetSnapshot(ctx context.Context, roomID string) ([]byte, int, error) {
	var snapshot []byte
	var updateCount int
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot_data, update_count FROM room_snapshots WHERE room_id = ?", roomID,
	).Scan(&snapshot, &updateCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	return snapshot, updateCount, err
}

func (s *SQLite) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&st.RoomCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_updates").Scan(&st.UpdateCount); err != nil {
		return Stats{}, err
	}
	return st, nil
}
