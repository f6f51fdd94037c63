// Package dbtest gives repository tests a migrated Postgres database. Tests
// are skipped unless TEST_DB_DSN is set. Nothing is truncated: helpers
// create fresh users and posts so tests in different packages can share one
// database.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"

	"go-buddychat/internal/db"
)

const EnvDSN = "TEST_DB_DSN"

// Open connects to TEST_DB_DSN and applies the schema.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip(EnvDSN + " not set")
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.AutoMigrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database.Conn
}

// User inserts a user with a unique name starting with prefix.
func User(t testing.TB, conn *sql.DB, prefix string) int64 {
	t.Helper()
	name := prefix + "_" + uuid.NewString()[:12]
	var id int64
	if err := conn.QueryRowContext(context.Background(),
		`INSERT INTO users (username, password) VALUES ($1, 'x') RETURNING id`, name).Scan(&id); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func Post(t testing.TB, conn *sql.DB, authorID int64) int64 {
	t.Helper()
	var id int64
	if err := conn.QueryRowContext(context.Background(),
		`INSERT INTO posts (author_id, title) VALUES ($1, 'test post') RETURNING id`, authorID).Scan(&id); err != nil {
		t.Fatalf("insert post: %v", err)
	}
	return id
}

func Comment(t testing.TB, conn *sql.DB, postID, authorID int64, deleted bool) {
	t.Helper()
	if _, err := conn.ExecContext(context.Background(),
		`INSERT INTO comments (post_id, author_id, body, deleted) VALUES ($1, $2, 'nice', $3)`,
		postID, authorID, deleted); err != nil {
		t.Fatalf("insert comment: %v", err)
	}
}
