package search

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go-buddychat/internal/chat"
	"go-buddychat/internal/db/dbtest"
)

func TestRepositorySearch(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()
	chats := chat.NewRepository(conn)
	svc := NewService(NewRepository(conn), slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now().UTC().Truncate(time.Microsecond)

	a, b, outsider := dbtest.User(t, conn, "se_a"), dbtest.User(t, conn, "se_b"), dbtest.User(t, conn, "se_out")
	shared, err := chats.FindOrCreateDirect(ctx, a, b, a, now)
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}
	private, err := chats.FindOrCreateDirect(ctx, b, outsider, b, now)
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	insert := func(convID, sender int64, body string) chat.Message {
		t.Helper()
		now = now.Add(time.Millisecond)
		m, _, err := chats.InsertMessage(ctx, chat.Message{ConversationID: convID, SenderID: sender, Body: body, CreatedAt: now})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		return m
	}
	ligature := insert(shared.ID, a, "Sent you the ﬁle")
	upper := insert(shared.ID, b, "FILE received")
	gone := insert(shared.ID, a, "old file")
	insert(private.ID, b, "secret file")
	insert(shared.ID, a, "unrelated")
	if _, err := chats.SoftDeleteMessage(ctx, gone.ID, now); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}

	results, err := svc.SearchMessages(ctx, a, "ﬁle", 0)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	found := map[int64]bool{}
	for _, r := range results {
		found[r.ID] = true
	}
	if len(results) != 2 || !found[ligature.ID] || !found[upper.ID] {
		t.Errorf("expected messages %d and %d, got %+v", ligature.ID, upper.ID, results)
	}
	for _, r := range results {
		if r.Body == "" || r.Rank <= 0 {
			t.Errorf("unexpected result %+v", r)
		}
	}

	if results, _ := svc.SearchMessages(ctx, outsider, "file", 0); len(results) != 1 {
		t.Errorf("outsider should only see their own conversation, got %+v", results)
	}

	// Edits refresh what search sees.
	if _, _, err := chats.UpdateMessageBody(ctx, upper.ID, "got the photo", now.Add(time.Second)); err != nil {
		t.Fatalf("UpdateMessageBody: %v", err)
	}
	results, _ = svc.SearchMessages(ctx, a, "PHOTO", 0)
	if len(results) != 1 || results[0].ID != upper.ID {
		t.Errorf("expected the edited message, got %+v", results)
	}
	if results, _ := svc.SearchMessages(ctx, a, "received", 0); len(results) != 0 {
		t.Errorf("old body still matches: %+v", results)
	}
}
