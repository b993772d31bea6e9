// Package conversation provides conversation metadata and message
// persistence: a Postgres-backed store for production and an in-memory store
// for tests and ephemeral deployments. Both satisfy the orchestrator's
// state-store contract.
package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested conversation does not exist.
// Checked with errors.Is.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the metadata record for one conversation. The message log
// itself is append-only; TurnSequence increases by one for every committed
// turn.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	TurnSequence int       `json:"turnSequence"`
	MessageCount int       `json:"messageCount"`
}

// maxTitleRunes bounds auto-derived conversation titles.
const maxTitleRunes = 64

// DeriveTitle builds a conversation title from the first user message.
func DeriveTitle(input string) string {
	title := strings.Join(strings.Fields(input), " ")
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes-1]) + "…"
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
