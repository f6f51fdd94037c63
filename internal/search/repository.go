package search

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Search matches terms against live messages in conversations userID
// belongs to. search_text holds the folded body; the expression must match
// its GIN index.
func (r *Repository) Search(ctx context.Context, userID int64, terms []string, limit int) ([]Result, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.username, ''), m.body,
               m.client_msg_id, m.created_at, m.edited_at,
               ts_rank(to_tsvector('simple', m.search_text), q) AS rank
        FROM plainto_tsquery('simple', $2) q,
             messages m
        JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
        LEFT JOIN users u ON u.id = m.sender_id
        WHERE m.deleted_at IS NULL
          AND to_tsvector('simple', m.search_text) @@ q
        ORDER BY rank DESC, m.created_at DESC, m.id DESC
        LIMIT $3`, userID, strings.Join(terms, " "), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Result{}
	for rows.Next() {
		var res Result
		var clientID uuid.NullUUID
		var editedAt sql.NullTime
		if err := rows.Scan(&res.ID, &res.ConversationID, &res.SenderID, &res.Username, &res.Body,
			&clientID, &res.CreatedAt, &editedAt, &res.Rank); err != nil {
			return nil, err
		}
		if clientID.Valid {
			res.ClientMsgID = &clientID.UUID
		}
		if editedAt.Valid {
			res.EditedAt = &editedAt.Time
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
