package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"loopcast/internal/models"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS stream_sessions (
    id TEXT PRIMARY KEY,
    video_path TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    broadcast_id TEXT NOT NULL DEFAULT '',
    ingest_stream_id TEXT NOT NULL DEFAULT '',
    ingest_url TEXT NOT NULL DEFAULT '',
    ingest_key_fingerprint TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    last_output_line TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ
)`

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AppName         string
}

// PostgresRepository persists session history in Postgres via pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pool against the configured DSN and ensures
// the session table exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.AppName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure session schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) SaveSession(ctx context.Context, session models.StreamSession) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO stream_sessions (
    id, video_path, title, state, broadcast_id, ingest_stream_id,
    ingest_url, ingest_key_fingerprint, failure_reason, last_output_line,
    started_at, ended_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    broadcast_id = EXCLUDED.broadcast_id,
    ingest_stream_id = EXCLUDED.ingest_stream_id,
    ingest_url = EXCLUDED.ingest_url,
    ingest_key_fingerprint = EXCLUDED.ingest_key_fingerprint,
    failure_reason = EXCLUDED.failure_reason,
    last_output_line = EXCLUDED.last_output_line,
    ended_at = EXCLUDED.ended_at`,
		session.ID,
		session.VideoPath,
		session.Title,
		string(session.State),
		session.BroadcastID,
		session.IngestStreamID,
		session.IngestURL,
		FingerprintKey(session.IngestKey),
		session.FailureReason,
		session.LastOutputLine,
		session.StartedAt,
		session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, filter SessionFilter) ([]models.StreamSession, error) {
	query := `
SELECT id, video_path, title, state, broadcast_id, ingest_stream_id,
       ingest_url, failure_reason, last_output_line, started_at, ended_at
FROM stream_sessions`
	args := []any{}
	if filter.State != "" {
		query += " WHERE state = $1"
		args = append(args, strings.ToLower(filter.State))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.StreamSession
	for rows.Next() {
		var session models.StreamSession
		var state string
		if err := rows.Scan(
			&session.ID,
			&session.VideoPath,
			&session.Title,
			&state,
			&session.BroadcastID,
			&session.IngestStreamID,
			&session.IngestURL,
			&session.FailureReason,
			&session.LastOutputLine,
			&session.StartedAt,
			&session.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		parsed, err := models.ParseSessionState(state)
		if err != nil {
			return nil, err
		}
		session.State = parsed
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
