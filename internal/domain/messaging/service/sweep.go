package service

import (
	"context"
	"fmt"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

// FailStalePending moves entries stuck in pending past the configured timeout to
// failed, so no send stays ambiguous. It returns how many it failed.
func (s *Service) FailStalePending(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-s.cfg.PendingTimeout)

	stale, err := s.msgs.GetStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("getting stale pending messages: %w", err)
	}

	failed := 0
	for _, msg := range stale {
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		default:
		}

		_, err := s.ApplyStatus(ctx, msg.ID, entity.StatusFailed, &entity.ErrorInfo{
			Code:    "timeout",
			Message: "no provider acknowledgment within the pending window",
		})
		if err != nil {
			s.logger.Error("failed to expire pending message", "message_id", msg.ID, "error", err)
			continue
		}
		failed++
	}

	return failed, nil
}

// ConvergeLegacy rewrites flat inbox records that are missing or disagree with the ledger
func (s *Service) ConvergeLegacy(ctx context.Context, limit int) (int, error) {
	ids, err := s.legacy.GetDivergentIDs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("getting divergent messages: %w", err)
	}

	repaired := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return repaired, ctx.Err()
		default:
		}

		if err := s.syncLegacy(ctx, id); err != nil {
			s.logger.Error("failed to converge legacy record", "message_id", id, "error", err)
			continue
		}
		repaired++
	}

	return repaired, nil
}
