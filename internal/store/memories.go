package store

import (
	"context"
	"fmt"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// InsertMemory stores one memory row.
func (s *Store) InsertMemory(ctx context.Context, m *agent.Memory) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO memories (id, agent_id, text, importance, is_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.AgentID, m.Text, m.Importance, m.IsSummary, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory for %s: %w", m.AgentID, err)
	}
	return nil
}

const memoryColumns = `id, agent_id, text, importance, is_summary, created_at`

func scanMemories(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*agent.Memory, error) {
	var out []*agent.Memory
	for rows.Next() {
		var m agent.Memory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Text, &m.Importance, &m.IsSummary, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ListMemories returns the agent's memories, newest first.
func (s *Store) ListMemories(ctx context.Context, agentID string, limit int) ([]*agent.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetMemories fetches specific rows for one agent. Rows owned by another
// agent are silently excluded.
func (s *Store) GetMemories(ctx context.Context, agentID string, ids []string) ([]*agent.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_id = $1 AND id = ANY($2)`, agentID, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// CountLiveMemories counts the agent's non-summary rows.
func (s *Store) CountLiveMemories(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE agent_id = $1 AND NOT is_summary`,
		agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories %s: %w", agentID, err)
	}
	return n, nil
}

// OldestLiveMemories returns the oldest non-summary rows, the candidates
// for the next summarization batch.
func (s *Store) OldestLiveMemories(ctx context.Context, agentID string, limit int) ([]*agent.Memory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_id = $1 AND NOT is_summary
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("oldest memories %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// HasMemoryText reports whether the agent already holds a row with this
// exact text. Event-reaction markers are checked through this.
func (s *Store) HasMemoryText(ctx context.Context, agentID, text string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM memories WHERE agent_id = $1 AND text = $2)`,
		agentID, text).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("memory text lookup %s: %w", agentID, err)
	}
	return exists, nil
}

// LatestSummary returns the most recent summary row, or nil.
func (s *Store) LatestSummary(ctx context.Context, agentID string) (*agent.Memory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_id = $1 AND is_summary
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("latest summary %s: %w", agentID, err)
	}
	defer rows.Close()
	out, err := scanMemories(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// ReplaceWithSummary inserts the summary row and deletes the summarized
// batch in one transaction. Either both happen or neither does.
func (s *Store) ReplaceWithSummary(ctx context.Context, summary *agent.Memory, batchIDs []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin summarize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO memories (id, agent_id, text, importance, is_summary, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)`,
		summary.ID, summary.AgentID, summary.Text, summary.Importance, summary.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert summary for %s: %w", summary.AgentID, err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM memories WHERE agent_id = $1 AND id = ANY($2)`,
		summary.AgentID, batchIDs)
	if err != nil {
		return fmt.Errorf("delete summarized batch for %s: %w", summary.AgentID, err)
	}
	if int(tag.RowsAffected()) != len(batchIDs) {
		return fmt.Errorf("summarize batch for %s: expected %d deletions, got %d",
			summary.AgentID, len(batchIDs), tag.RowsAffected())
	}

	return tx.Commit(ctx)
}
