// Package api exposes the conversation service over HTTP: conversation CRUD,
// the SSE chat stream, turn cancellation, and health probes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/conversation"
	"github.com/tickerchat/tickerchat/internal/log"
)

// ConversationStore is the persistence surface the API needs beyond what the
// orchestrator already owns. Both the Postgres and in-memory stores satisfy
// it.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]conversation.Conversation, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, id uuid.UUID, limit, offset int) ([]agent.Message, error)
	Ping(ctx context.Context) error
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger       log.Logger
	Orchestrator *agent.Orchestrator // Required
	Store        ConversationStore   // Required
	Cache        Pinger              // Optional; reported by the readiness probe
	BufferSize   int                 // Per-turn event buffer; 0 = stream.DefaultBufferSize
}

// Server is the JSON/SSE HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ch := &chatHandler{
		orchestrator: cfg.Orchestrator,
		store:        cfg.Store,
		bufferSize:   cfg.BufferSize,
		logger:       logger,
	}
	cv := &conversationHandler{store: cfg.Store, logger: logger}

	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/chat/stream", ch.stream)
	mux.HandleFunc("POST /api/chat/{id}/cancel", ch.cancel)

	// Conversation CRUD
	mux.HandleFunc("GET /api/conversations", cv.list)
	mux.HandleFunc("POST /api/conversations", cv.create)
	mux.HandleFunc("GET /api/conversations/{id}", cv.get)
	mux.HandleFunc("GET /api/conversations/{id}/messages", cv.messages)
	mux.HandleFunc("DELETE /api/conversations/{id}", cv.delete)

	// Middleware stack (outermost first): Recovery -> RequestID -> Logging.
	// RequestID must be before Logging so request_id is available in log
	// attributes.
	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes outside the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Store, cfg.Cache))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
