// Package db provides database connection helpers, schema migration, and the
// small data access helpers the bot needs: a key-value table for runtime
// overrides, an append-only chat log, clip records, and OAuth token storage.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection. The caller supplies the DSN (the
// config package resolves DB_DSN and its default).
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id SERIAL PRIMARY KEY,
			channel TEXT NOT NULL,
			username TEXT,
			message TEXT,
			from_bot BOOLEAN DEFAULT FALSE,
			abs_timestamp TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS clips (
			id SERIAL PRIMARY KEY,
			moment_id TEXT UNIQUE,
			channel TEXT,
			title TEXT,
			event_type TEXT,
			intensity DOUBLE PRECISION,
			url TEXT,
			state TEXT,
			simulated BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_channel_abs ON chat_messages(channel, abs_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_clips_channel_created ON clips(channel, created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV upserts a key-value pair.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the value for key, or "" when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// AppendChatMessage records one chat line in the append-only log.
func AppendChatMessage(ctx context.Context, dbx *sql.DB, channel, username, message string, fromBot bool, at time.Time) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO chat_messages (channel, username, message, from_bot, abs_timestamp) VALUES ($1,$2,$3,$4,$5)`,
		channel, username, message, fromBot, at)
	return err
}

// InsertClip records a serviced clip request.
func InsertClip(ctx context.Context, dbx *sql.DB, momentID, channel, title, eventType string, intensity float64, url, state string, simulated bool) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO clips (moment_id, channel, title, event_type, intensity, url, state, simulated)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (moment_id) DO NOTHING`,
		momentID, channel, title, eventType, intensity, url, state, simulated)
	return err
}

// ClipRecord is a stored clip row.
type ClipRecord struct {
	MomentID  string    `json:"moment_id"`
	Channel   string    `json:"channel"`
	Title     string    `json:"title"`
	EventType string    `json:"event_type"`
	Intensity float64   `json:"intensity"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	Simulated bool      `json:"simulated"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentClips lists the most recent stored clips, newest first.
func RecentClips(ctx context.Context, dbx *sql.DB, limit int) ([]ClipRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := dbx.QueryContext(ctx,
		`SELECT moment_id, channel, title, event_type, intensity, url, state, simulated, created_at
		 FROM clips ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []ClipRecord
	for rows.Next() {
		var c ClipRecord
		if err := rows.Scan(&c.MomentID, &c.Channel, &c.Title, &c.EventType, &c.Intensity, &c.URL, &c.State, &c.Simulated, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertOAuthToken stores or updates an OAuth token for a provider.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES($1,$2,$3,$4,$5,NOW())
		ON CONFLICT(provider) DO UPDATE SET
		  access_token=EXCLUDED.access_token,
		  refresh_token=EXCLUDED.refresh_token,
		  expires_at=EXCLUDED.expires_at,
		  scope=EXCLUDED.scope,
		  updated_at=NOW()`, provider, access, refresh, expiry, scope)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	return access, refresh, expiry, scope, nil
}
