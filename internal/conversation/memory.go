package conversation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickerchat/tickerchat/internal/agent"
)

// MemoryStore is an in-process implementation of the conversation store.
// It is safe for concurrent use and enforces the same per-conversation
// turn-lock semantics as the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*memConversation
}

type memConversation struct {
	conv       Conversation
	messages   []agent.Message
	turnActive bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[uuid.UUID]*memConversation)}
}

var _ agent.Store = (*MemoryStore)(nil)

// CreateConversation creates a conversation with the given title.
func (s *MemoryStore) CreateConversation(_ context.Context, title string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	conv := Conversation{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = &memConversation{conv: conv}
	copied := conv
	return &copied, nil
}

// GetConversation returns the conversation or ErrNotFound.
func (s *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	conv := mc.conv
	conv.MessageCount = len(mc.messages)
	return &conv, nil
}

// ListConversations returns conversations ordered by most recent update.
func (s *MemoryStore) ListConversations(_ context.Context, limit, offset int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Conversation, 0, len(s.convs))
	for _, mc := range s.convs {
		conv := mc.conv
		conv.MessageCount = len(mc.messages)
		all = append(all, conv)
	}
	slices.SortFunc(all, func(a, b Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// DeleteConversation removes the conversation and its messages.
func (s *MemoryStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

// ListMessages returns a page of the conversation's messages in sequence
// order.
func (s *MemoryStore) ListMessages(_ context.Context, id uuid.UUID, limit, offset int) ([]agent.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	msgs := mc.messages
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return slices.Clone(msgs), nil
}

// LoadHistory returns all messages of the conversation in sequence order.
// An unknown conversation yields empty history; the store creates it lazily
// on first append.
func (s *MemoryStore) LoadHistory(_ context.Context, id uuid.UUID) ([]agent.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(mc.messages), nil
}

// Append atomically commits msgs, assigning strictly increasing sequence
// numbers, and returns the committed position.
func (s *MemoryStore) Append(_ context.Context, id uuid.UUID, msgs []agent.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.ensureLocked(id)
	seq := len(mc.messages)
	for i := range msgs {
		seq++
		msgs[i].Sequence = seq
		mc.messages = append(mc.messages, msgs[i])
	}
	mc.conv.TurnSequence++
	mc.conv.UpdatedAt = time.Now().UTC()
	return seq, nil
}

// TryAcquireTurnLock claims the conversation's single turn slot.
func (s *MemoryStore) TryAcquireTurnLock(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.ensureLocked(id)
	if mc.turnActive {
		return false, nil
	}
	mc.turnActive = true
	return true, nil
}

// ReleaseTurnLock releases the turn slot.
func (s *MemoryStore) ReleaseTurnLock(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mc, ok := s.convs[id]; ok {
		mc.turnActive = false
	}
	return nil
}

// Ping reports store health. Always healthy for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) ensureLocked(id uuid.UUID) *memConversation {
	mc, ok := s.convs[id]
	if !ok {
		now := time.Now().UTC()
		mc = &memConversation{conv: Conversation{ID: id, CreatedAt: now, UpdatedAt: now}}
		s.convs[id] = mc
	}
	return mc
}
