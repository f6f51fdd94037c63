package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/db"
	"go-buddychat/internal/textnorm"
)

var (
	ErrUnknownUser = apperr.New(apperr.CodeNotFound, "user not found")
	ErrUnknownPost = apperr.New(apperr.CodeNotFound, "post not found")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func dmKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

const conversationColumns = `c.id, c.type, c.post_id, c.created_by, c.created_at, c.last_msg_at, c.last_activity_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, c *Conversation, extra ...any) error {
	var postID, createdBy sql.NullInt64
	var lastMsgAt sql.NullTime
	dest := append([]any{&c.ID, &c.Type, &postID, &createdBy, &c.CreatedAt, &lastMsgAt, &c.LastActivityAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if postID.Valid {
		c.PostID = &postID.Int64
	}
	c.CreatedBy = createdBy.Int64
	if lastMsgAt.Valid {
		c.LastMsgAt = &lastMsgAt.Time
	}
	return nil
}

// FindOrCreateDirect returns the one DM between a and b, creating it with
// both members when missing.
func (r *Repository) FindOrCreateDirect(ctx context.Context, a, b, createdBy int64, now time.Time) (Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
        INSERT INTO conversations (type, dm_key, created_by, created_at, last_activity_at)
        VALUES ('dm', $1, $2, $3, $3)
        ON CONFLICT (dm_key) DO NOTHING
        RETURNING id`, dmKey(a, b), createdBy, now).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM conversations WHERE dm_key = $1`, dmKey(a, b)).Scan(&id); err != nil {
			return Conversation{}, err
		}
	case err != nil:
		return Conversation{}, err
	default:
		if err := addMembers(ctx, tx, id, []int64{a, b}, now); err != nil {
			return Conversation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return r.mustConversation(ctx, id)
}

// FindOrCreateRoom returns the room of postID with members added, creating
// the room on first use. Adding members counts as room activity.
func (r *Repository) FindOrCreateRoom(ctx context.Context, postID, createdBy int64, members []int64, now time.Time) (Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
        INSERT INTO conversations (type, post_id, created_by, created_at, last_activity_at)
        VALUES ('room', $1, $2, $3, $3)
        ON CONFLICT (post_id) WHERE type = 'room' DO NOTHING
        RETURNING id`, postID, createdBy, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `
            UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2)
            WHERE type = 'room' AND post_id = $1
            RETURNING id`, postID, now).Scan(&id)
	}
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Conversation{}, ErrUnknownPost
		}
		return Conversation{}, err
	}

	if err := addMembers(ctx, tx, id, members, now); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return r.mustConversation(ctx, id)
}

func addMembers(ctx context.Context, tx *sql.Tx, convID int64, members []int64, now time.Time) error {
	for _, userID := range members {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO participants (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, convID, userID, now)
		if err != nil {
			if db.IsForeignKeyViolation(err) {
				return ErrUnknownUser
			}
			return err
		}
	}
	return nil
}

func (r *Repository) mustConversation(ctx context.Context, id int64) (Conversation, error) {
	c, ok, err := r.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %d vanished", id)
	}
	return c, nil
}

func (r *Repository) GetConversation(ctx context.Context, id int64) (Conversation, bool, error) {
	var c Conversation
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
	if err := scanConversation(row, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, err
	}

	members, err := r.members(ctx, []int64{id})
	if err != nil {
		return Conversation{}, false, err
	}
	c.MemberIDs = members[id]
	return c, true, nil
}

// members loads the member ids of each conversation in join order.
func (r *Repository) members(ctx context.Context, convIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(convIDs))
	if len(convIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT conversation_id, user_id FROM participants
        WHERE conversation_id = ANY($1)
        ORDER BY joined_at, user_id`, convIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID int64
		if err := rows.Scan(&convID, &userID); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], userID)
	}
	return out, rows.Err()
}

// RemoveMember takes userID out of convID. removed is false when the user
// was not a member.
func (r *Repository) RemoveMember(ctx context.Context, convID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2`, convID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) IsMember(ctx context.Context, convID, userID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		convID, userID).Scan(&ok)
	return ok, err
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, u.username, m.body, m.client_msg_id, m.created_at, m.edited_at, m.deleted_at`

func scanMessage(row rowScanner, m *Message) error {
	var clientID uuid.NullUUID
	var editedAt, deletedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Username, &m.Body, &clientID, &m.CreatedAt, &editedAt, &deletedAt); err != nil {
		return err
	}
	if clientID.Valid {
		m.ClientMsgID = &clientID.UUID
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return nil
}

// InsertMessage stores m and advances the conversation's last message and
// activity times in the same transaction. When m carries a ClientMsgID that
// was already used in the conversation, the stored message is returned and
// created is false.
func (r *Repository) InsertMessage(ctx context.Context, m Message) (Message, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, err
	}
	defer tx.Rollback()

	var clientID uuid.NullUUID
	if m.ClientMsgID != nil {
		clientID = uuid.NullUUID{UUID: *m.ClientMsgID, Valid: true}
	}

	err = tx.QueryRowContext(ctx, `
        INSERT INTO messages (conversation_id, sender_id, body, search_text, client_msg_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (conversation_id, client_msg_id) DO NOTHING
        RETURNING id`, m.ConversationID, m.SenderID, m.Body, textnorm.Fold(m.Body), clientID, m.CreatedAt).Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		var existing Message
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+`
            FROM messages m JOIN users u ON u.id = m.sender_id
            WHERE m.conversation_id = $1 AND m.client_msg_id = $2`, m.ConversationID, clientID)
		if err := scanMessage(row, &existing); err != nil {
			return Message{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE conversations
        SET last_msg_at = GREATEST(COALESCE(last_msg_at, $2), $2),
            last_activity_at = GREATEST(last_activity_at, $2)
        WHERE id = $1`, m.ConversationID, m.CreatedAt); err != nil {
		return Message{}, false, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT username FROM users WHERE id = $1`, m.SenderID).Scan(&m.Username); err != nil {
		return Message{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (r *Repository) GetMessage(ctx context.Context, id int64) (Message, bool, error) {
	var m Message
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
        FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`, id)
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	return m, true, nil
}

// UpdateMessageBody edits a message that is not deleted.
func (r *Repository) UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) (Message, bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET body = $2, search_text = $3, edited_at = $4
        WHERE id = $1 AND deleted_at IS NULL`, id, body, textnorm.Fold(body), editedAt)
	if err != nil {
		return Message{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, false, nil
	}
	return r.GetMessage(ctx, id)
}

// SoftDeleteMessage marks a message deleted and clears its body. Deleting
// twice keeps the first deletion time.
func (r *Repository) SoftDeleteMessage(ctx context.Context, id int64, deletedAt time.Time) (Message, error) {
	if _, err := r.db.ExecContext(ctx, `
        UPDATE messages SET body = '', search_text = '', deleted_at = $2
        WHERE id = $1 AND deleted_at IS NULL`, id, deletedAt); err != nil {
		return Message{}, err
	}
	m, ok, err := r.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, sql.ErrNoRows
	}
	return m, nil
}

// ListMessages returns live messages ascending by (created_at, id).
func (r *Repository) ListMessages(ctx context.Context, convID int64, page Page) ([]Message, error) {
	var after, cursorAt sql.NullTime
	var cursorID int64
	if page.After != nil {
		after = sql.NullTime{Time: *page.After, Valid: true}
	}
	if page.Cursor != nil {
		cursorAt = sql.NullTime{Time: page.Cursor.At, Valid: true}
		cursorID = page.Cursor.ID
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+`
        FROM messages m JOIN users u ON u.id = m.sender_id
        WHERE m.conversation_id = $1
          AND m.deleted_at IS NULL
          AND ($2::timestamptz IS NULL OR m.created_at > $2)
          AND ($3::timestamptz IS NULL OR (m.created_at, m.id) > ($3, $4))
        ORDER BY m.created_at, m.id
        LIMIT $5`, convID, after, cursorAt, cursorID, page.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const receiptColumns = `conversation_id, user_id, last_seen_message_id, last_seen_message_at, last_seen_at`

func scanReceipt(row rowScanner, rc *Receipt) error {
	var msgID sql.NullInt64
	var msgAt, seenAt sql.NullTime
	if err := row.Scan(&rc.ConversationID, &rc.UserID, &msgID, &msgAt, &seenAt); err != nil {
		return err
	}
	if msgID.Valid {
		rc.LastSeenMessageID = &msgID.Int64
	}
	if msgAt.Valid {
		rc.LastSeenMessageAt = &msgAt.Time
	}
	if seenAt.Valid {
		rc.LastSeenAt = &seenAt.Time
	}
	return nil
}

// AdvanceReceipt moves the user's receipt to m unless it already points at
// m or a later message. advanced reports whether it moved.
func (r *Repository) AdvanceReceipt(ctx context.Context, userID int64, m Message, seenAt time.Time) (Receipt, bool, error) {
	var rc Receipt
	row := r.db.QueryRowContext(ctx, `
        INSERT INTO receipts (conversation_id, user_id, last_seen_message_id, last_seen_message_at, last_seen_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET
            last_seen_message_id = EXCLUDED.last_seen_message_id,
            last_seen_message_at = EXCLUDED.last_seen_message_at,
            last_seen_at = GREATEST(receipts.last_seen_at, EXCLUDED.last_seen_at)
        WHERE receipts.last_seen_message_at IS NULL
           OR (receipts.last_seen_message_at, COALESCE(receipts.last_seen_message_id, 0))
              < (EXCLUDED.last_seen_message_at, EXCLUDED.last_seen_message_id)
        RETURNING `+receiptColumns, m.ConversationID, userID, m.ID, m.CreatedAt, seenAt)
	err := scanReceipt(row, &rc)
	if err == nil {
		return rc, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, false, err
	}

	row = r.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts
        WHERE conversation_id = $1 AND user_id = $2`, m.ConversationID, userID)
	if err := scanReceipt(row, &rc); err != nil {
		return Receipt{}, false, err
	}
	return rc, false, nil
}

func (r *Repository) ListReceipts(ctx context.Context, convID int64) ([]Receipt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts
        WHERE conversation_id = $1 ORDER BY user_id`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Receipt{}
	for rows.Next() {
		var rc Receipt
		if err := scanReceipt(rows, &rc); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// visibleTo is the room visibility rule for viewer $1. A post room is
// listed for the post's author, for anyone who has sent a message in it and
// for anyone with a live comment on the post. Direct conversations are
// always listed. It is evaluated before LIMIT so that hidden rooms never
// push visible ones out of a capped list.
const visibleTo = `(c.type = 'dm'
            OR EXISTS (SELECT 1 FROM posts po WHERE po.id = c.post_id AND po.author_id = $1)
            OR EXISTS (SELECT 1 FROM messages sm WHERE sm.conversation_id = c.id AND sm.sender_id = $1)
            OR EXISTS (SELECT 1 FROM comments cm WHERE cm.post_id = c.post_id AND cm.author_id = $1 AND NOT cm.deleted))`

func (o ListOrder) orderBy() string {
	if o == OrderActivity {
		return `GREATEST(COALESCE(c.last_msg_at, c.last_activity_at), c.last_activity_at) DESC, c.id DESC`
	}
	return `c.last_msg_at DESC NULLS LAST, c.last_activity_at DESC, c.id DESC`
}

// ListConversations returns the conversations visible to userID in the
// given order, with the number of unseen messages from other members.
func (r *Repository) ListConversations(ctx context.Context, userID int64, order ListOrder, limit int) ([]ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+conversationColumns+`,
            (SELECT COUNT(*) FROM messages m
             WHERE m.conversation_id = c.id
               AND m.deleted_at IS NULL
               AND m.sender_id <> $1
               AND (rc.last_seen_message_at IS NULL
                    OR (m.created_at, m.id) > (rc.last_seen_message_at, COALESCE(rc.last_seen_message_id, 0)))
            ) AS unread
        FROM participants p
        JOIN conversations c ON c.id = p.conversation_id
        LEFT JOIN receipts rc ON rc.conversation_id = c.id AND rc.user_id = $1
        WHERE p.user_id = $1
          AND `+visibleTo+`
        ORDER BY `+order.orderBy()+`
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ConversationSummary{}
	var ids []int64
	for rows.Next() {
		var s ConversationSummary
		if err := scanConversation(rows, &s.Conversation, &s.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	members, err := r.members(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].MemberIDs = members[out[i].ID]
	}
	return out, nil
}

// AddReaction stores rc unless the user already put that emoji on the
// message, in which case the stored reaction is returned and created is
// false.
func (r *Repository) AddReaction(ctx context.Context, rc Reaction) (Reaction, bool, error) {
	err := r.db.QueryRowContext(ctx, `
        INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (message_id, user_id, emoji) DO NOTHING
        RETURNING created_at`, rc.MessageID, rc.UserID, rc.Emoji, rc.CreatedAt).Scan(&rc.CreatedAt)
	if err == nil {
		return rc, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Reaction{}, false, err
	}
	err = r.db.QueryRowContext(ctx, `
        SELECT created_at FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		rc.MessageID, rc.UserID, rc.Emoji).Scan(&rc.CreatedAt)
	return rc, false, err
}

func (r *Repository) RemoveReaction(ctx context.Context, msgID, userID int64, emoji string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`, msgID, userID, emoji)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListReactions returns the reactions on a message, oldest first.
func (r *Repository) ListReactions(ctx context.Context, msgID int64) ([]Reaction, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT message_id, user_id, emoji, created_at FROM reactions
        WHERE message_id = $1 ORDER BY created_at, user_id, emoji`, msgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Reaction{}
	for rows.Next() {
		var rc Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.Emoji, &rc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
