package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/db"
)

var ErrUnknownUser = apperr.New(apperr.CodeNotFound, "user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WithPair runs fn against the current links between a and b and writes
// back whatever fn returns, all in one transaction. Both roster rows are
// created if missing and locked in id order so that concurrent transitions
// on the same pair serialize. The returned bool reports whether anything
// changed.
func (r *Repository) WithPair(ctx context.Context, a, b int64, fn func(Pair) (Pair, error)) (Pair, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Pair{}, false, err
	}
	defer tx.Rollback()

	// Rows are inserted in id order too; reciprocal first-time requests
	// would otherwise deadlock on each other's uncommitted row.
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO rosters (user_id) VALUES (LEAST($1::bigint, $2::bigint)), (GREATEST($1::bigint, $2::bigint))
        ON CONFLICT (user_id) DO NOTHING`, a, b); err != nil {
		if db.IsForeignKeyViolation(err) {
			return Pair{}, false, ErrUnknownUser
		}
		return Pair{}, false, fmt.Errorf("upsert rosters: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT user_id FROM rosters WHERE user_id IN ($1, $2) ORDER BY user_id FOR UPDATE`, a, b); err != nil {
		return Pair{}, false, fmt.Errorf("lock rosters: %w", err)
	}

	cur, err := loadPair(ctx, tx, a, b)
	if err != nil {
		return Pair{}, false, err
	}
	next, err := fn(cur)
	if err != nil {
		return cur, false, err
	}
	if next.AB == cur.AB && next.BA == cur.BA {
		return cur, false, nil
	}

	if next.AB != cur.AB {
		if err := writeLink(ctx, tx, a, b, next.AB); err != nil {
			return cur, false, err
		}
	}
	if next.BA != cur.BA {
		if err := writeLink(ctx, tx, b, a, next.BA); err != nil {
			return cur, false, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rosters SET updated_at = NOW() WHERE user_id IN ($1, $2)`, a, b); err != nil {
		return cur, false, err
	}
	if err := tx.Commit(); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadPair(ctx context.Context, q querier, a, b int64) (Pair, error) {
	p := Pair{A: a, B: b}
	rows, err := q.QueryContext(ctx,
		`SELECT owner_id, kind FROM roster_links
         WHERE (owner_id = $1 AND peer_id = $2) OR (owner_id = $2 AND peer_id = $1)`, a, b)
	if err != nil {
		return p, err
	}
	defer rows.Close()

	for rows.Next() {
		var owner int64
		var kind LinkKind
		if err := rows.Scan(&owner, &kind); err != nil {
			return p, err
		}
		if owner == a {
			p.AB = kind
		} else {
			p.BA = kind
		}
	}
	return p, rows.Err()
}

func writeLink(ctx context.Context, tx *sql.Tx, owner, peer int64, kind LinkKind) error {
	if kind == LinkNone {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM roster_links WHERE owner_id = $1 AND peer_id = $2`, owner, peer)
		return err
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO roster_links (owner_id, peer_id, kind) VALUES ($1, $2, $3)
        ON CONFLICT (owner_id, peer_id) DO UPDATE SET kind = EXCLUDED.kind, created_at = NOW()`,
		owner, peer, kind)
	return err
}

// Pair reads both directions in one statement.
func (r *Repository) Pair(ctx context.Context, a, b int64) (Pair, error) {
	return loadPair(ctx, r.db, a, b)
}

// Roster returns a user's sets. A user who never touched the roster gets
// an empty one.
func (r *Repository) Roster(ctx context.Context, userID int64) (Roster, error) {
	ro := Roster{UserID: userID, Buddies: []int64{}, RequestsOut: []int64{}, RequestsIn: []int64{}, Blocked: []int64{}}

	err := r.db.QueryRowContext(ctx,
		`SELECT status_text, updated_at FROM rosters WHERE user_id = $1`, userID).
		Scan(&ro.StatusText, &ro.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ro, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT peer_id, kind FROM roster_links WHERE owner_id = $1 ORDER BY created_at, peer_id`, userID)
	if err != nil {
		return ro, err
	}
	defer rows.Close()

	for rows.Next() {
		var peer int64
		var kind LinkKind
		if err := rows.Scan(&peer, &kind); err != nil {
			return ro, err
		}
		ro.add(peer, kind)
	}
	return ro, rows.Err()
}

// MutualBuddies returns the users that userID lists as a buddy and that
// list userID back.
func (r *Repository) MutualBuddies(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT a.peer_id FROM roster_links a
        JOIN roster_links b ON b.owner_id = a.peer_id AND b.peer_id = a.owner_id AND b.kind = 'buddy'
        WHERE a.owner_id = $1 AND a.kind = 'buddy'
        ORDER BY a.peer_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) SetStatusText(ctx context.Context, userID int64, text string) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO rosters (user_id, status_text, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (user_id) DO UPDATE SET status_text = EXCLUDED.status_text, updated_at = NOW()`,
		userID, text)
	if db.IsForeignKeyViolation(err) {
		return ErrUnknownUser
	}
	return err
}

func (r *Repository) StatusTexts(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, status_text FROM rosters WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		out[id] = text
	}
	return out, rows.Err()
}
