package search

import (
	"net/http"

	myMiddleware "go-buddychat/internal/middleware"
	"go-buddychat/internal/web"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

// SearchMessages serves GET /api/messages/search?q=<text>&limit=<n>.
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	limit, err := web.IntQuery(r, "limit")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	results, err := h.Service.SearchMessages(r.Context(), actor.ID, r.URL.Query().Get("q"), limit)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, results)
}
