package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/log"
)

// PostgresStore persists conversations and their append-only message logs in
// PostgreSQL. Appends are serialized per conversation by row locking; the
// turn lock is a flag column flipped with a conditional update, so it holds
// across statements and survives pool connection reuse.
//
// PostgresStore is safe for concurrent use by multiple goroutines.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres creates a store backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

var _ agent.Store = (*PostgresStore)(nil)

// CreateConversation creates a conversation with the given title.
func (s *PostgresStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, title)
		 VALUES ($1, $2)
		 RETURNING id, title, created_at, updated_at, turn_sequence`,
		uuid.New(), title,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt, &conv.TurnSequence)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "title", conv.Title)
	return &conv, nil
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at, c.turn_sequence,
		        (SELECT count(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c WHERE c.id = $1`,
		id,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt, &conv.TurnSequence, &conv.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ListConversations returns conversations ordered by updated_at descending.
func (s *PostgresStore) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at, c.turn_sequence,
		        (SELECT count(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 ORDER BY c.updated_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt,
			&conv.TurnSequence, &conv.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and its messages (CASCADE).
func (s *PostgresStore) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, conversation_id, role, content, tool_name, tool_args, tool_result, status, sequence, created_at`

// ListMessages returns a page of the conversation's messages in sequence
// order.
func (s *PostgresStore) ListMessages(ctx context.Context, id uuid.UUID, limit, offset int) ([]agent.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages WHERE conversation_id = $1
		 ORDER BY sequence
		 LIMIT $2 OFFSET $3`,
		id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LoadHistory returns all messages of the conversation in sequence order.
func (s *PostgresStore) LoadHistory(ctx context.Context, id uuid.UUID) ([]agent.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages WHERE conversation_id = $1
		 ORDER BY sequence`,
		id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Append atomically commits the batch inside a transaction: the conversation
// row is locked, sequence numbers are assigned past the current maximum, and
// turn_sequence is bumped once. Returns the committed position.
func (s *PostgresStore) Append(ctx context.Context, id uuid.UUID, msgs []agent.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var turnSeq int
	err = tx.QueryRow(ctx,
		`SELECT turn_sequence FROM conversations WHERE id = $1 FOR UPDATE`, id,
	).Scan(&turnSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock conversation: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = $1`, id,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range msgs {
		seq++
		msgs[i].Sequence = seq
		m := msgs[i]
		batch.Queue(
			`INSERT INTO messages (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, id, m.Role, m.Content, m.ToolName, m.ToolArgs, m.ToolResult, m.Status, m.Sequence, m.CreatedAt)
	}
	batch.Queue(
		`UPDATE conversations SET turn_sequence = turn_sequence + 1, updated_at = now()
		 WHERE id = $1`, id)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("append batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	s.logger.Debug("appended messages", "conversation_id", id, "count", len(msgs), "position", seq)
	return seq, nil
}

// TryAcquireTurnLock claims the conversation's single turn slot with a
// conditional update. Returns false when another turn holds it.
func (s *PostgresStore) TryAcquireTurnLock(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET turn_active = TRUE
		 WHERE id = $1 AND turn_active = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("acquire turn lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish "busy" from "no such conversation".
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("acquire turn lock: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ReleaseTurnLock releases the turn slot.
func (s *PostgresStore) ReleaseTurnLock(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE conversations SET turn_active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("release turn lock: %w", err)
	}
	return nil
}

// Ping reports database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanMessages(rows pgx.Rows) ([]agent.Message, error) {
	var msgs []agent.Message
	for rows.Next() {
		var m agent.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.ToolName, &m.ToolArgs, &m.ToolResult, &m.Status, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
