package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/conversation"
	"github.com/tickerchat/tickerchat/internal/log"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type conversationHandler struct {
	store  ConversationStore
	logger log.Logger
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	conv, err := h.store.CreateConversation(r.Context(), req.Title)
	if err != nil {
		h.logger.Error("failed to create conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	convs, err := h.store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *conversationHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return
		}
		h.logger.Error("failed to get conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to get conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *conversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return
		}
		h.logger.Error("failed to list messages", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []agent.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *conversationHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
			return
		}
		h.logger.Error("failed to delete conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID parses the {id} path segment, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid conversation ID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses limit/offset query parameters with bounds, writing a 400
// on failure.
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
			return 0, 0, false
		}
		limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be non-negative")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
