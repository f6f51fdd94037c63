package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id BIGSERIAL PRIMARY KEY,
        username VARCHAR(50) UNIQUE NOT NULL,
        password VARCHAR(255) NOT NULL,
        admin BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,

	`CREATE TABLE IF NOT EXISTS rosters (
        user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
        status_text VARCHAR(140) NOT NULL DEFAULT '',
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,

	`CREATE TABLE IF NOT EXISTS roster_links (
        owner_id BIGINT NOT NULL REFERENCES rosters(user_id) ON DELETE CASCADE,
        peer_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        kind VARCHAR(16) NOT NULL CHECK (kind IN ('buddy', 'request_out', 'request_in', 'blocked')),
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (owner_id, peer_id),
        CHECK (owner_id <> peer_id)
    )`,

	// Posts and comments belong to the wider platform; these definitions
	// only exist so a development database has something to read.
	`CREATE TABLE IF NOT EXISTS posts (
        id BIGSERIAL PRIMARY KEY,
        author_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        title TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,

	`CREATE TABLE IF NOT EXISTS comments (
        id BIGSERIAL PRIMARY KEY,
        post_id BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
        author_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        body TEXT NOT NULL DEFAULT '',
        deleted BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS comments_author_idx ON comments (author_id) WHERE NOT deleted`,

	`CREATE TABLE IF NOT EXISTS conversations (
        id BIGSERIAL PRIMARY KEY,
        type VARCHAR(10) NOT NULL CHECK (type IN ('dm', 'room')),
        post_id BIGINT REFERENCES posts(id) ON DELETE CASCADE,
        dm_key VARCHAR(41) UNIQUE,
        created_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        last_msg_at TIMESTAMPTZ,
        last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        CHECK (type = 'dm' OR post_id IS NOT NULL),
        CHECK ((type = 'dm') = (dm_key IS NOT NULL))
    )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_post_room_idx ON conversations (post_id) WHERE type = 'room'`,

	`CREATE TABLE IF NOT EXISTS participants (
        conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
        user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
        joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (conversation_id, user_id)
    )`,
	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
        id BIGSERIAL PRIMARY KEY,
        conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
        sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        body VARCHAR(5000) NOT NULL,
        search_text TEXT NOT NULL DEFAULT '',
        client_msg_id UUID,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        edited_at TIMESTAMPTZ,
        deleted_at TIMESTAMPTZ
    )`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id, conversation_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_msg_idx ON messages (conversation_id, client_msg_id)`,
	// search_text is the body folded the same way search queries are.
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS search_text TEXT NOT NULL DEFAULT ''`,
	`DROP INDEX IF EXISTS messages_body_fts_idx`,
	`CREATE INDEX IF NOT EXISTS messages_search_fts_idx ON messages USING GIN (to_tsvector('simple', search_text))`,

	`CREATE TABLE IF NOT EXISTS reactions (
        message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
        user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        emoji VARCHAR(64) NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (message_id, user_id, emoji)
    )`,

	`CREATE TABLE IF NOT EXISTS receipts (
        conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
        user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
        last_seen_message_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
        last_seen_message_at TIMESTAMPTZ,
        last_seen_at TIMESTAMPTZ,
        PRIMARY KEY (conversation_id, user_id)
    )`,
}

// migrationLock serializes AutoMigrate across instances sharing a database.
const migrationLock = 0x62756464

// AutoMigrate applies the schema in one transaction under an advisory lock,
// so instances starting together do not race on the catalog.
func (d *Database) AutoMigrate(ctx context.Context) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	for _, query := range schema {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}
