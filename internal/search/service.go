package search

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/telemetry"
)

type Store interface {
	Search(ctx context.Context, userID int64, terms []string, limit int) ([]Result, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("go-buddychat/search"),
	}
}

// SearchMessages returns up to limit messages matching query from the
// actor's conversations. A query without terms matches nothing.
func (s *Service) SearchMessages(ctx context.Context, actorID int64, query string, limit int) (results []Result, err error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return []Result{}, nil
	}
	limit = clampLimit(limit)

	ctx, span := s.tracer.Start(ctx, "search.SearchMessages", trace.WithAttributes(
		attribute.Int64("search.actor_id", actorID),
		attribute.Int("search.terms", len(terms)),
		attribute.Int("search.limit", limit),
	))
	defer func() { telemetry.End(span, err) }()

	results, err = s.store.Search(ctx, actorID, terms, limit)
	if err != nil {
		return nil, apperr.Unavailable("search messages", err)
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
