package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// SaveAgent upserts an agent row.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	traits, err := json.Marshal(a.Traits)
	if err != nil {
		return fmt.Errorf("marshal traits: %w", err)
	}
	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, avatar, avatar_color, personality, traits,
		                    mood_label, mood_score, current_plan, reflection, phase,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			avatar = EXCLUDED.avatar,
			avatar_color = EXCLUDED.avatar_color,
			personality = EXCLUDED.personality,
			traits = EXCLUDED.traits,
			mood_label = EXCLUDED.mood_label,
			mood_score = EXCLUDED.mood_score,
			current_plan = EXCLUDED.current_plan,
			reflection = EXCLUDED.reflection,
			phase = EXCLUDED.phase,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Avatar, a.AvatarColor, a.Personality, traits,
		a.Mood.Label, a.Mood.Score, a.CurrentPlan, a.Reflection, string(a.Phase), now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

const agentColumns = `id, name, avatar, avatar_color, personality, traits,
       mood_label, mood_score, COALESCE(current_plan,''), COALESCE(reflection,''),
       phase, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*agent.Agent, error) {
	var a agent.Agent
	var traits []byte
	var moodLabel string
	var moodScore float64
	var phase string
	err := row.Scan(
		&a.ID, &a.Name, &a.Avatar, &a.AvatarColor, &a.Personality, &traits,
		&moodLabel, &moodScore, &a.CurrentPlan, &a.Reflection,
		&phase, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(traits) > 0 {
		if err := json.Unmarshal(traits, &a.Traits); err != nil {
			return nil, fmt.Errorf("unmarshal traits: %w", err)
		}
	}
	a.Mood, _ = agent.MoodForLabel(moodLabel)
	a.Mood.Score = moodScore
	a.Phase = agent.Phase(phase)
	return &a, nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "agent", id)
	}
	return a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes the agent row. Memories, relationships, plans and
// chat lines cascade at the schema level; the vector index is cleaned by
// the caller.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdatePhase persists the cognition phase transition.
func (s *Store) UpdatePhase(ctx context.Context, id string, phase agent.Phase) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET phase = $2, updated_at = NOW() WHERE id = $1`,
		id, string(phase))
	if err != nil {
		return fmt.Errorf("update phase %s: %w", id, err)
	}
	return nil
}

// UpdateMood persists the agent's mood.
func (s *Store) UpdateMood(ctx context.Context, id string, m agent.Mood) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET mood_label = $2, mood_score = $3, updated_at = NOW() WHERE id = $1`,
		id, m.Label, m.Score)
	if err != nil {
		return fmt.Errorf("update mood %s: %w", id, err)
	}
	return nil
}

// UpdateReflectionMood stores the outcome of a reflection: the new
// reflection text and the mood it settled on, in one statement so the
// agent row never shows one without the other.
func (s *Store) UpdateReflectionMood(ctx context.Context, id, reflection string, m agent.Mood) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET reflection = $2, mood_label = $3, mood_score = $4, updated_at = NOW() WHERE id = $1`,
		id, reflection, m.Label, m.Score)
	if err != nil {
		return fmt.Errorf("update reflection %s: %w", id, err)
	}
	return nil
}
