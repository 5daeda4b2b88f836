package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func OpenPostgres(ctx context.Context, url string, logger zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	cfg := pool.Config().ConnConfig
	logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("postgres store initialized")
	return &Postgres{pool: pool}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_updates (
	id BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	update_data BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_document_updates_room_id ON document_updates(room_id);

CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id TEXT PRIMARY KEY REFERENCES rooms(id) ON DELETE CASCADE,
	snapshot_data BYTEA NOT NULL,
	update_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateRoom(ctx context.Context, id, name string) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO rooms (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", id, name)
	return err
}

func (p *Postgres) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	err := p.pool.QueryRow(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = $1", id,
	).Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (p *Postgres) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT $1 OFFSET $2",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Room, error) {
		var room Room
		err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
		return room, err
	})
}

func (p *Postgres) DeleteRoom(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM rooms WHERE id = $1", id)
	return err
}

func (p *Postgres) SaveUpdate(ctx context.Context, roomID string, data []byte) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO rooms (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", roomID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO document_updates (room_id, update_data) VALUES ($1, $2)", roomID, data,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "UPDATE rooms SET updated_at = now() WHERE id = $1", roomID)
		return err
	})
}

func (p *Postgres) GetAllUpdates(ctx context.Context, roomID string) ([]Update, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, update_data FROM document_updates WHERE room_id = $1 ORDER BY id ASC", roomID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Update, error) {
		var u Update
		err := row.Scan(&u.ID, &u.Data)
		return u, err
	})
}

func (p *Postgres) GetUpdateCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM document_updates WHERE room_id = $1", roomID,
	).Scan(&count)
	return count, err
}

func (p *Postgres) DeleteUpdatesThrough(ctx context.Context, roomID string, lastID int64) error {
	_, err := p.pool.Exec(ctx,
		"DELETE FROM document_updates WHERE room_id = $1 AND id <= $2", roomID, lastID)
	return err
}

func (p *Postgres) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte, updateCount int) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, snapshot_data, update_count, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			update_count = excluded.update_count,
			updated_at = now()
	`, roomID, snapshot, updateCount)
	return err
}

func (p *Postgres) GetSnapshot(ctx context.Context, roomID string) ([]byte, int, error) {
	var snapshot []byte
	var updateCount int
	err := p.pool.QueryRow(ctx,
		"SELECT snapshot_data, update_count FROM room_snapshots WHERE room_id = $1", roomID,
	).Scan(&snapshot, &updateCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	return snapshot, updateCount, err
}

func (p *Postgres) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := p.pool.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM rooms), (SELECT COUNT(*) FROM document_updates)",
	).Scan(&st.RoomCount, &st.UpdateCount)
	return st, err
}
