package chat

import (
	"net/http"
	"time"

	"go-buddychat/internal/apperr"
	myMiddleware "go-buddychat/internal/middleware"
	"go-buddychat/internal/web"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req CreateConversationRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	c, err := h.Service.CreateConversation(r.Context(), actor.ID, req)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, c)
}

// StartDirect finds or creates the DM with another user.
func (h *Handler) StartDirect(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req DirectRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	c, err := h.Service.EnsureDirect(r.Context(), actor.ID, req.UserID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, c)
}

func (h *Handler) JoinPostRoom(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	postID, err := web.IDParam(r, "postID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	c, err := h.Service.JoinPostRoom(r.Context(), actor.ID, postID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, c)
}

func (h *Handler) MyConversations(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	list, err := h.Service.MyConversations(r.Context(), actor.ID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, list)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	convID, err := web.IDParam(r, "conversationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	c, err := h.Service.GetConversation(r.Context(), actor.ID, convID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, c)
}

// ListMessages serves GET .../messages?after=<RFC3339>&afterId=<id>&limit=<n>.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	convID, err := web.IDParam(r, "conversationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	var after *time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			web.Error(w, r, apperr.New(apperr.CodeInvalidArgument, "invalid after"))
			return
		}
		after = &t
	}
	afterID, err := web.IntQuery(r, "afterId")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	limit, err := web.IntQuery(r, "limit")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	msgs, err := h.Service.ListMessages(r.Context(), actor.ID, convID, after, int64(afterID), limit)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	convID, err := web.IDParam(r, "conversationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req SendMessageRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	m, err := h.Service.SendMessage(r.Context(), actor.ID, convID, req.Body, req.ClientMsgID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusCreated, m)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	msgID, err := web.IDParam(r, "messageID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req EditMessageRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	m, err := h.Service.EditMessage(r.Context(), actor.ID, msgID, req.Body)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	msgID, err := web.IDParam(r, "messageID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	m, err := h.Service.SoftDeleteMessage(r.Context(), actor.ID, msgID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, m)
}

func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	convID, err := web.IDParam(r, "conversationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req MarkSeenRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}
	if req.MessageID <= 0 {
		web.Error(w, r, apperr.New(apperr.CodeInvalidArgument, "invalid messageId"))
		return
	}

	rc, err := h.Service.MarkSeen(r.Context(), actor.ID, convID, req.MessageID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, rc)
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	convID, err := web.IDParam(r, "conversationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	rcs, err := h.Service.ListReceipts(r.Context(), actor.ID, convID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, rcs)
}

// LeaveRoom serves POST /api/conversations/{conversationID}/leave.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	convID, err := web.IDParam(r, "conversationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	if err := h.Service.LeaveRoom(r.Context(), actor.ID, convID); err != nil {
		web.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	msgID, err := web.IDParam(r, "messageID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var req ReactionRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	rc, err := h.Service.AddReaction(r.Context(), actor.ID, msgID, req.Emoji)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, rc)
}

// RemoveReaction takes the emoji from the query string so it needs no path
// escaping.
func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	msgID, err := web.IDParam(r, "messageID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	if err := h.Service.RemoveReaction(r.Context(), actor.ID, msgID, r.URL.Query().Get("emoji")); err != nil {
		web.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListReactions(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}
	msgID, err := web.IDParam(r, "messageID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	out, err := h.Service.ListReactions(r.Context(), actor.ID, msgID)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, out)
}
