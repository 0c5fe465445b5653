package store

import (
	"context"
	"fmt"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// SetPlan deactivates the agent's previous plan, inserts the new one and
// mirrors it on the agent row, all in one transaction.
func (s *Store) SetPlan(ctx context.Context, p *agent.Plan) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE plans SET active = FALSE WHERE agent_id = $1 AND active`,
		p.AgentID); err != nil {
		return fmt.Errorf("deactivate plans for %s: %w", p.AgentID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO plans (id, agent_id, text, active, created_at)
		VALUES ($1, $2, $3, TRUE, $4)`,
		p.ID, p.AgentID, p.Text, p.CreatedAt); err != nil {
		return fmt.Errorf("insert plan for %s: %w", p.AgentID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET current_plan = $2, updated_at = NOW() WHERE id = $1`,
		p.AgentID, p.Text); err != nil {
		return fmt.Errorf("mirror plan for %s: %w", p.AgentID, err)
	}

	return tx.Commit(ctx)
}

// ActivePlan returns the agent's current plan, or nil if none is active.
func (s *Store) ActivePlan(ctx context.Context, agentID string) (*agent.Plan, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, text, active, created_at
		FROM plans
		WHERE agent_id = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("active plan %s: %w", agentID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var p agent.Plan
	if err := rows.Scan(&p.ID, &p.AgentID, &p.Text, &p.Active, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return &p, nil
}
