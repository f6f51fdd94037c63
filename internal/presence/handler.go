package presence

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
	var req SetRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	p, err := h.Service.SetPresence(r.Context(), actor.ID, req.State, req.StatusText)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, p)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	p, err := h.Service.Heartbeat(r.Context(), actor.ID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, p)
}

func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	if err := h.Service.ClearPresence(r.Context(), actor.ID); err != nil {
		web.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	userID, err := web.IDParam(r, "userID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	p, err := h.Service.Get(r.Context(), actor.ID, userID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, p)
}
