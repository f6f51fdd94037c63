package visibility

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/chat"
	"go-buddychat/internal/telemetry"
)

// Conversations lists the conversations visible to a user.
type Conversations interface {
	ListConversations(ctx context.Context, actorID int64, order chat.ListOrder) ([]chat.ConversationSummary, error)
}

type Service struct {
	convs  Conversations
	logger *slog.Logger
	tracer trace.Tracer
}

func NewService(convs Conversations, logger *slog.Logger) *Service {
	return &Service{
		convs:  convs,
		logger: logger,
		tracer: otel.Tracer("go-buddychat/visibility"),
	}
}

// UserChatRooms returns the conversations visible to actorID, most recent
// activity first.
func (s *Service) UserChatRooms(ctx context.Context, actorID int64) (rooms []Room, err error) {
	ctx, span := s.tracer.Start(ctx, "visibility.UserChatRooms", trace.WithAttributes(
		attribute.Int64("visibility.actor_id", actorID),
	))
	defer func() { telemetry.End(span, err) }()

	convs, err := s.convs.ListConversations(ctx, actorID, chat.OrderActivity)
	if err != nil {
		return nil, apperr.Unavailable("list conversations", err)
	}

	rooms = make([]Room, 0, len(convs))
	for _, c := range convs {
		rooms = append(rooms, Room{ConversationSummary: c, Activity: Activity(c.Conversation)})
	}
	s.logger.DebugContext(ctx, "chat rooms resolved", "actor_id", actorID, "visible", len(rooms))
	return rooms, nil
}
