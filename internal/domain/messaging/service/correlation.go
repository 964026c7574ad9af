package service

import (
	"context"
	"fmt"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

// CorrelateByProviderID returns the ledger entry the provider knows as providerID
func (s *Service) CorrelateByProviderID(ctx context.Context, providerID string) (*entity.Message, error) {
	msg, err := s.msgs.GetByProviderID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("correlating provider id: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}
	return msg, nil
}

// IsDuplicate reports whether a webhook for providerID was already recorded.
// It only short-circuits the common retry; the unique constraint on provider id
// decides concurrent deliveries.
func (s *Service) IsDuplicate(ctx context.Context, providerID string) (bool, error) {
	msg, err := s.msgs.GetByProviderID(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("checking duplicate webhook: %w", err)
	}
	return msg != nil, nil
}
