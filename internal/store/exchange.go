package store

import (
	"context"
	"fmt"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// RecordExchange persists one spoken line and its relational side
// effects in a single transaction: the transcript row, the world event
// and the affinity nudge on both sides. A failure rolls everything
// back, so a chat line never exists without its event or deltas.
func (s *Store) RecordExchange(ctx context.Context, msg *agent.ChatMessage, ev *agent.Event,
	senderDelta, receiverDelta, maxDelta float64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin exchange tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := appendChat(ctx, tx, msg); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if _, err := applyRelationDelta(ctx, tx, msg.SenderID, msg.ReceiverID, senderDelta, maxDelta); err != nil {
		return err
	}
	if _, err := applyRelationDelta(ctx, tx, msg.ReceiverID, msg.SenderID, receiverDelta, maxDelta); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
