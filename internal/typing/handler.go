package typing

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

func (h *Handler) Set(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	roomID, err := web.IDParam(r, "roomID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req SetRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	if err := h.Service.SetTyping(r.Context(), actor.ID, roomID, req.IsTyping); err != nil {
		web.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	roomID, err := web.IDParam(r, "roomID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	inds, err := h.Service.TypingUsers(r.Context(), actor.ID, roomID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, inds)
}
