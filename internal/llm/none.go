package llm

import (
	"context"
	"strings"
)

// None is the deterministic fallback provider. It is always healthy and
// produces templated text per purpose, so the simulation keeps moving
// when no real provider is configured or the configured one degrades.
type None struct{}

func NewNone() *None { return &None{} }

func (n *None) Name() string { return "none" }

func (n *None) Authenticate(context.Context) error { return nil }

// Completion renders a fixed template for the request's purpose, echoing
// a clipped slice of the prompt so output stays tied to the input.
func (n *None) Completion(_ context.Context, r *Request) (string, error) {
	hint := promptHint(r.Prompt, 60)
	switch r.Purpose {
	case PurposeReflect:
		return "I keep thinking about " + hint + ". Nothing dramatic, but it stays with me.", nil
	case PurposePlan:
		return "Keep an eye on " + hint + " and check in with a neighbor.", nil
	case PurposeAct:
		return "wait", nil
	case PurposeChat:
		return "I was just thinking about " + hint + ". How have you been?", nil
	case PurposeSummarize:
		return "Earlier notes covered: " + hint + ".", nil
	case PurposeImportance:
		return "0.5", nil
	default:
		return hint, nil
	}
}

func promptHint(prompt string, maxLen int) string {
	s := strings.TrimSpace(prompt)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if runes := []rune(s); len(runes) > maxLen {
		s = strings.TrimSpace(string(runes[:maxLen]))
	}
	if s == "" {
		return "the day so far"
	}
	return s
}
