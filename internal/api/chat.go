package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/conversation"
	"github.com/tickerchat/tickerchat/internal/log"
	"github.com/tickerchat/tickerchat/internal/stream"
)

// maxChatBodyBytes bounds the chat request body.
const maxChatBodyBytes = 1024 * 1024

// chatRequest is the body of POST /api/chat/stream. ConversationID is
// optional; when absent a new conversation is created and its ID is carried
// in the X-Conversation-ID response header.
type chatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

type chatHandler struct {
	orchestrator *agent.Orchestrator
	store        ConversationStore
	bufferSize   int
	logger       log.Logger

	// active tracks in-flight turns by conversation ID for cancellation.
	active sync.Map // uuid.UUID -> *activeTurn
}

// activeTurn is one registered in-flight turn. Entries are compared by
// pointer identity so a request rejected with ConversationBusy can never
// evict the running turn's registration.
type activeTurn struct {
	cancel context.CancelFunc
}

// stream runs one conversation turn and streams its events as SSE. Rejections
// that happen before any event (bad input, unknown conversation, busy
// conversation) are plain JSON errors; once streaming starts every outcome is
// delivered as a terminal SSE event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_message", "message is required")
		return
	}

	ctx := r.Context()
	conv, err := h.resolveConversation(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
		case errors.Is(err, errBadConversationID):
			writeError(w, http.StatusBadRequest, "invalid_conversation_id", "conversationId must be a UUID")
		default:
			h.logger.Error("failed to resolve conversation", "error", err)
			writeError(w, http.StatusInternalServerError, "conversation_failed", "failed to resolve conversation")
		}
		return
	}
	w.Header().Set("X-Conversation-ID", conv.ID.String())

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// When another turn already holds the registration this request is about
	// to be rejected busy; it must neither replace nor remove that entry.
	reg := &activeTurn{cancel: cancel}
	h.active.LoadOrStore(conv.ID, reg)
	defer h.active.CompareAndDelete(conv.ID, reg)

	tr := stream.NewTransport(h.bufferSize, h.logger)
	runErr := make(chan error, 1)
	go func() {
		_, err := h.orchestrator.RunTurn(turnCtx, conv.ID, req.Message, tr)
		tr.Close()
		runErr <- err
	}()

	var writer *stream.SSEWriter
	drainErr := tr.Run(ctx, func(ev agent.StreamEvent) error {
		if writer == nil {
			var err error
			if writer, err = stream.NewSSEWriter(w); err != nil {
				return err
			}
		}
		return writer.WriteEvent(ev)
	})
	if drainErr != nil {
		// Consumer-side failure; the producer notices via buffer overflow.
		h.logger.Debug("stream consumer stopped", "conversation_id", conv.ID, "error", drainErr)
	}

	err = <-runErr
	if writer == nil {
		// The turn never produced an event: report the rejection as JSON.
		switch {
		case errors.Is(err, agent.ErrConversationBusy):
			writeError(w, http.StatusConflict, "conversation_busy", "a turn is already in flight for this conversation")
		case err != nil:
			h.logger.Error("turn rejected", "conversation_id", conv.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "turn_failed", "unable to start turn")
		default:
			writeError(w, http.StatusInternalServerError, "no_events", "turn produced no events")
		}
		return
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("turn ended with error", "conversation_id", conv.ID, "error", err)
	}
}

// cancel aborts the in-flight turn of a conversation, if any.
func (h *chatHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid conversation ID")
		return
	}

	entry, ok := h.active.Load(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no_active_turn", "no turn in flight for this conversation")
		return
	}
	entry.(*activeTurn).cancel()

	h.logger.Info("turn cancellation requested", "conversation_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

var errBadConversationID = errors.New("invalid conversation id")

// resolveConversation loads the target conversation or creates one with a
// title derived from the first message.
func (h *chatHandler) resolveConversation(ctx context.Context, req chatRequest) (*conversation.Conversation, error) {
	if req.ConversationID == "" {
		return h.store.CreateConversation(ctx, conversation.DeriveTitle(req.Message))
	}
	id, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return nil, errBadConversationID
	}
	return h.store.GetConversation(ctx, id)
}
