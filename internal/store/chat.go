package store

import (
	"context"
	"fmt"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// AppendChat stores one transcript line. User messages are born
// unanswered; agent messages are answered by definition.
func (s *Store) AppendChat(ctx context.Context, m *agent.ChatMessage) error {
	return appendChat(ctx, s.db, m)
}

func appendChat(ctx context.Context, q querier, m *agent.ChatMessage) error {
	answered := m.SenderType != "user"
	_, err := q.Exec(ctx, `
		INSERT INTO chat_messages (id, sender_type, sender_agent_id, receiver_agent_id,
		                           text, topic, answered, created_at)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5, $6, $7, $8)`,
		m.ID, m.SenderType, m.SenderID, m.ReceiverID, m.Text, m.Topic, answered, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append chat: %w", err)
	}
	return nil
}

const chatColumns = `id, sender_type, COALESCE(sender_agent_id,''), COALESCE(receiver_agent_id,''),
       text, COALESCE(topic,''), created_at`

func scanChat(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*agent.ChatMessage, error) {
	var out []*agent.ChatMessage
	for rows.Next() {
		var m agent.ChatMessage
		if err := rows.Scan(&m.ID, &m.SenderType, &m.SenderID, &m.ReceiverID,
			&m.Text, &m.Topic, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RecentChat returns the latest lines an agent sent or received, newest
// first. This is the context window for dialogue generation.
func (s *Store) RecentChat(ctx context.Context, agentID string, limit int) ([]*agent.ChatMessage, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+chatColumns+` FROM chat_messages
		WHERE sender_agent_id = $1 OR receiver_agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent chat %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanChat(rows)
}

// PendingUserMessage returns the oldest unanswered user message addressed
// to the agent, or nil.
func (s *Store) PendingUserMessage(ctx context.Context, agentID string) (*agent.ChatMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+chatColumns+` FROM chat_messages
		WHERE sender_type = 'user' AND receiver_agent_id = $1 AND NOT answered
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("pending user message %s: %w", agentID, err)
	}
	defer rows.Close()

	out, err := scanChat(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// MarkAnswered flags a user message as handled.
func (s *Store) MarkAnswered(ctx context.Context, messageID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE chat_messages SET answered = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("mark answered %s: %w", messageID, err)
	}
	return nil
}
