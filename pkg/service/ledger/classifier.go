package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/google/uuid"
)

// ErrInvalidRecipient is returned when the recipient cannot receive the transfer.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Classify resolves the accounts a parsed request touches and decides which
// of the four transfer shapes applies.
func (s *Service) Classify(ctx context.Context, userID uuid.UUID, p *transfer.Parsed) (*transfer.Classification, error) {
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return nil, err
	}
	source, err := accounts.Get(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if err := source.ValidateOwner(userID); err != nil {
		return nil, err
	}
	if source.Kind != account.KindCr {
		return nil, fmt.Errorf("transfers are drawn from the credit side: %w", domain.ErrUnauthorized)
	}

	c := &transfer.Classification{
		UserID:   userID,
		Source:   source,
		Currency: p.Currency,
		Value:    p.Value,
		Exchange: p.Exchange,
	}

	switch p.RecipientKind {
	case transfer.RecipientAccount:
		id, err := uuid.Parse(p.Recipient)
		if err != nil {
			return nil, domain.NewValidationError(ErrInvalidRecipient,
				domain.FieldError{Field: "recipient", Message: "must be an account id"})
		}
		recipient, err := accounts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if recipient.Kind != account.KindCr {
			return nil, domain.NewValidationError(ErrInvalidRecipient,
				domain.FieldError{Field: "recipient", Message: "must be a credit account"})
		}
		if recipient.Currency != p.Currency {
			return nil, domain.NewValidationError(transfer.ErrInvalidCurrency,
				domain.FieldError{Field: "currency", Message: fmt.Sprintf("recipient account holds %s", recipient.Currency)})
		}
		return s.internalShape(c, recipient)

	case transfer.RecipientAddress:
		addr, err := s.addresses.Normalize(p.Currency, p.Recipient)
		if err != nil {
			return nil, domain.NewValidationError(err,
				domain.FieldError{Field: "recipient", Message: fmt.Sprintf("is not a valid %s address", p.Currency)})
		}
		recipient, err := accounts.FindByAddressKind(ctx, addr, p.Currency, account.KindCr)
		switch {
		case err == nil:
			return s.internalShape(c, recipient)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
		owned, err := accounts.FindByAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		for _, a := range owned {
			if a.Currency != p.Currency {
				return nil, domain.NewValidationError(transfer.ErrInvalidCurrency,
					domain.FieldError{Field: "currency", Message: fmt.Sprintf("address is held in %s", a.Currency)})
			}
		}
		c.ToAddress = addr
		if p.Currency == source.Currency {
			c.Shape = transfer.ShapeWithdrawal
			return c, nil
		}
		c.Shape = transfer.ShapeWithdrawalExchange
		return withExchange(c)
	}
	return nil, domain.NewValidationError(ErrInvalidRecipient,
		domain.FieldError{Field: "recipient_kind", Message: "must be one of [account address]"})
}

func (s *Service) internalShape(c *transfer.Classification, recipient *account.Account) (*transfer.Classification, error) {
	if recipient.ID == c.Source.ID {
		return nil, domain.NewValidationError(ErrInvalidRecipient,
			domain.FieldError{Field: "recipient", Message: "must differ from the source account"})
	}
	c.Recipient = recipient
	if recipient.Currency == c.Source.Currency {
		c.Shape = transfer.ShapeInternal
		return c, nil
	}
	c.Shape = transfer.ShapeInternalExchange
	return withExchange(c)
}

func withExchange(c *transfer.Classification) (*transfer.Classification, error) {
	if c.Exchange == nil {
		return nil, domain.NewValidationError(transfer.ErrMissingExchangeRate,
			domain.FieldError{Field: "exchange_id", Message: "exchange id and rate are required across currencies"})
	}
	return c, nil
}
