package ledger

import (
	"context"
	"fmt"

	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/google/uuid"
)

// Get returns the transfer gid when userID initiated it or owns the
// receiving account. Other users see it as not found.
func (s *Service) Get(ctx context.Context, userID, gid uuid.UUID) (*transfer.Transfer, error) {
	t, err := s.Convert(ctx, gid)
	if err != nil {
		return nil, err
	}
	if t.UserID == userID {
		return t, nil
	}
	if t.To.AccountID != nil {
		accounts, err := s.uow.AccountRepository()
		if err != nil {
			return nil, err
		}
		acc, err := accounts.Get(ctx, *t.To.AccountID)
		if err == nil && acc.UserID == userID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("group %s: %w", gid, transaction.ErrTransactionNotFound)
}
