package roster

import (
	"context"
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

func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	ro, err := h.Service.Roster(r.Context(), actor.ID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, ro)
}

func (h *Handler) BuddyList(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	buddies, err := h.Service.BuddyList(r.Context(), actor.ID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, buddies)
}

func (h *Handler) GetRelation(w http.ResponseWriter, r *http.Request) {
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
	rel, err := h.Service.Relation(r.Context(), actor.ID, userID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, RelationResponse{UserID: userID, Relation: rel})
}

// RequestBuddy takes the target from the body: POST /api/roster/requests.
func (h *Handler) RequestBuddy(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req TargetRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}
	rel, err := h.Service.RequestBuddy(r.Context(), actor.ID, req.UserID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, RelationResponse{UserID: req.UserID, Relation: rel})
}

func (h *Handler) AcceptBuddy(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, h.Service.AcceptBuddy)
}

func (h *Handler) DeclineBuddy(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, h.Service.DeclineBuddy)
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, h.Service.CancelRequest)
}

func (h *Handler) RemoveBuddy(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, h.Service.RemoveBuddy)
}

func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, h.Service.Block)
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, h.Service.Unblock)
}

// withTarget runs a transition on the {userID} URL parameter.
func (h *Handler) withTarget(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) (Relation, error)) {
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
	rel, err := op(r.Context(), actor.ID, userID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, RelationResponse{UserID: userID, Relation: rel})
}

func (h *Handler) SetStatusText(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req StatusRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}
	if err := h.Service.SetStatusText(r.Context(), actor.ID, req.StatusText); err != nil {
		web.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
