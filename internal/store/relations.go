package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// ErrSelfRelation is returned for a relationship with source == target.
var ErrSelfRelation = errors.New("self relationship not allowed")

// UpsertRelation creates or replaces the edge for an ordered pair.
func (s *Store) UpsertRelation(ctx context.Context, r *agent.Relationship) error {
	if r.SourceID == r.TargetID {
		return ErrSelfRelation
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO relationships (source_agent_id, target_agent_id, score, label, updated_at)
		VALUES ($1, $2, LEAST(GREATEST($3, 0), 1), $4, NOW())
		ON CONFLICT (source_agent_id, target_agent_id) DO UPDATE SET
			score = EXCLUDED.score,
			label = EXCLUDED.label,
			updated_at = EXCLUDED.updated_at`,
		r.SourceID, r.TargetID, r.Score, r.Label,
	)
	if err != nil {
		return fmt.Errorf("upsert relation %s->%s: %w", r.SourceID, r.TargetID, err)
	}
	return nil
}

// ApplyRelationDelta nudges the edge score by delta, clamped to
// [-maxDelta, +maxDelta], with the result clamped to [0,1]. Missing edges
// start at 0.5. The clamp happens in one statement so concurrent cycles
// cannot push the score out of range. Returns the new score.
func (s *Store) ApplyRelationDelta(ctx context.Context, sourceID, targetID string, delta, maxDelta float64) (float64, error) {
	return applyRelationDelta(ctx, s.db, sourceID, targetID, delta, maxDelta)
}

func applyRelationDelta(ctx context.Context, q querier, sourceID, targetID string, delta, maxDelta float64) (float64, error) {
	if sourceID == targetID {
		return 0, ErrSelfRelation
	}
	if delta > maxDelta {
		delta = maxDelta
	}
	if delta < -maxDelta {
		delta = -maxDelta
	}
	var score float64
	err := q.QueryRow(ctx, `
		INSERT INTO relationships (source_agent_id, target_agent_id, score, label, updated_at)
		VALUES ($1, $2, LEAST(GREATEST(0.5 + $3, 0), 1), '', NOW())
		ON CONFLICT (source_agent_id, target_agent_id) DO UPDATE SET
			score = LEAST(GREATEST(relationships.score + $3, 0), 1),
			updated_at = NOW()
		RETURNING score`,
		sourceID, targetID, delta,
	).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("apply relation delta %s->%s: %w", sourceID, targetID, err)
	}

	_, err = q.Exec(ctx,
		`UPDATE relationships SET label = $3 WHERE source_agent_id = $1 AND target_agent_id = $2`,
		sourceID, targetID, agent.RelationLabel(score))
	if err != nil {
		return score, fmt.Errorf("update relation label %s->%s: %w", sourceID, targetID, err)
	}
	return score, nil
}

func scanRelations(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*agent.Relationship, error) {
	var out []*agent.Relationship
	for rows.Next() {
		var r agent.Relationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Score, &r.Label, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AgentRelations lists the outgoing edges of one agent.
func (s *Store) AgentRelations(ctx context.Context, agentID string) ([]*agent.Relationship, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source_agent_id, target_agent_id, score, label, updated_at
		FROM relationships WHERE source_agent_id = $1
		ORDER BY target_agent_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("relations for %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

// AllRelations lists every edge in the world.
func (s *Store) AllRelations(ctx context.Context) ([]*agent.Relationship, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source_agent_id, target_agent_id, score, label, updated_at
		FROM relationships
		ORDER BY source_agent_id, target_agent_id`)
	if err != nil {
		return nil, fmt.Errorf("all relations: %w", err)
	}
	defer rows.Close()
	return scanRelations(rows)
}
