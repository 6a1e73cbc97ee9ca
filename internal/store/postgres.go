// Package store implements the relational persistence layer on PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/pipeline"
)

// Postgres is a pgx-pool backed store. It satisfies pipeline.DataStore and
// additionally keeps the client session table current for the transport.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Connect opens the pool and verifies the database is reachable.
func Connect(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// InitSchema creates the tables and indexes if they do not exist yet.
func (p *Postgres) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS iot_devices (
			device_id    TEXT PRIMARY KEY,
			device_name  TEXT NOT NULL,
			device_type  TEXT NOT NULL,
			device_token TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'Offline',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			user_id      BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS device_data (
			id           BIGSERIAL PRIMARY KEY,
			device_id    TEXT NOT NULL REFERENCES iot_devices(device_id),
			timestamp    TIMESTAMPTZ NOT NULL,
			displacement DOUBLE PRECISION NOT NULL,
			force        DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_data_device_id
			ON device_data (device_id)`,
		`CREATE TABLE IF NOT EXISTS client_sessions (
			id                BIGSERIAL PRIMARY KEY,
			client_id         TEXT NOT NULL UNIQUE,
			websocket_id      TEXT,
			connected         BOOLEAN NOT NULL DEFAULT TRUE,
			last_connected_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	p.logger.Info().Msg("Database schema ready")
	return nil
}

// SaveDeviceData writes one batch in a single transaction: the device row is
// created if absent, then all rows go in via COPY. Any failure rolls the
// whole batch back.
func (p *Postgres) SaveDeviceData(ctx context.Context, device pipeline.DeviceInfo, rows []pipeline.DataRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM iot_devices WHERE device_id = $1)`,
		device.ID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	if !exists {
		_, err = tx.Exec(ctx,
			`INSERT INTO iot_devices (device_id, device_name, device_type, device_token, status)
			 VALUES ($1, $2, $3, $4, 'Offline')
			 ON CONFLICT (device_id) DO NOTHING`,
			device.ID, device.Name, device.Type, device.Token,
		)
		if err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"device_data"},
		[]string{"device_id", "timestamp", "displacement", "force"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.DeviceID, r.Timestamp, r.Displacement, r.Force}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy device_data: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SaveClientSession records a client connection, reviving the row if the
// client reconnects. websocketID identifies the specific connection.
func (p *Postgres) SaveClientSession(ctx context.Context, clientID, websocketID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO client_sessions (client_id, websocket_id, connected, last_connected_at)
		 VALUES ($1, $2, TRUE, now())
		 ON CONFLICT (client_id) DO UPDATE
		 SET websocket_id = $2, connected = TRUE, last_connected_at = now()`,
		clientID, websocketID,
	)
	if err != nil {
		return fmt.Errorf("save client session: %w", err)
	}
	return nil
}

// MarkClientDisconnected flips the connected flag on a client's session row.
func (p *Postgres) MarkClientDisconnected(ctx context.Context, clientID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE client_sessions
		 SET connected = FALSE
		 WHERE client_id = $1`,
		clientID,
	)
	if err != nil {
		return fmt.Errorf("mark client disconnected: %w", err)
	}
	return nil
}
