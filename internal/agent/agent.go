package agent

import (
	"time"
)

// Phase is the cognition cycle state persisted for an agent. A crashed
// process leaves the last phase visible; the scheduler always resumes at
// PhaseIdle and never mid-cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseReflecting Phase = "reflecting"
	PhasePlanning   Phase = "planning"
	PhaseActing     Phase = "acting"
)

// Agent is a resident of the vivarium.
type Agent struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Avatar      string             `json:"avatar"`
	AvatarColor string             `json:"avatar_color"`
	Personality string             `json:"personality"`
	Traits      map[string]float64 `json:"traits,omitempty"`
	Mood        Mood               `json:"mood"`
	CurrentPlan string             `json:"current_plan"`
	Reflection  string             `json:"reflection"`
	Phase       Phase              `json:"phase"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Relationship is a directed edge between two agents. At most one edge
// exists per ordered (source, target) pair; self-edges are rejected at the
// storage layer.
type Relationship struct {
	SourceID  string    `json:"source_agent_id"`
	TargetID  string    `json:"target_agent_id"`
	Score     float64   `json:"score"` // affinity in [0,1]
	Label     string    `json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelationLabel derives the human-readable edge label from affinity.
func RelationLabel(score float64) string {
	switch {
	case score >= 0.75:
		return "close"
	case score >= 0.5:
		return "friendly"
	case score >= 0.3:
		return "neutral"
	default:
		return "tense"
	}
}

// ApplyDelta adds a bounded increment to an affinity score and clamps the
// result into [0,1]. maxDelta bounds a single interaction's influence.
func ApplyDelta(score, delta, maxDelta float64) float64 {
	if delta > maxDelta {
		delta = maxDelta
	}
	if delta < -maxDelta {
		delta = -maxDelta
	}
	out := score + delta
	if out < 0 {
		return 0
	}
	if out > 1 {
		return 1
	}
	return out
}

// Plan is an agent's short-term intention. Only one plan per agent is
// active at a time; planning deactivates the previous one.
type Plan struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Text      string    `json:"text"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is one stored observation, reflection or summary. Summaries are
// regular rows flagged with IsSummary; they survive overflow compaction.
type Memory struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Text       string    `json:"text"`
	Importance float64   `json:"importance"` // [0,1]
	IsSummary  bool      `json:"is_summary"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is an observable world occurrence: an exogenous injection or the
// visible result of an agent's action.
type Event struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Type      string    `json:"event_type"` // world | user_event | agent_action
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is one line of the transcript between agents, or between the
// user and an agent (empty ReceiverID means the user side).
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderType string    `json:"sender_type"` // agent | user
	SenderID   string    `json:"sender_agent_id,omitempty"`
	ReceiverID string    `json:"receiver_agent_id,omitempty"`
	Text       string    `json:"text"`
	Topic      string    `json:"topic,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
