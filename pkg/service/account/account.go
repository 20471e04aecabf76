// Package account opens ledger positions for users and answers balance and
// history queries about them.
//
// A position is a Cr/Dr pair in one currency sharing a custody address. The
// Cr side is what the user spends from; the Dr side mirrors the custody
// address and receives deposits.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/google/uuid"
)

// DefaultTransfersLimit bounds Transfers when the caller passes no limit.
const DefaultTransfersLimit = 50

// ErrAddressTaken is returned when an address is already held by another user.
var ErrAddressTaken = fmt.Errorf("address belongs to another user: %w", domain.ErrAlreadyExists)

// OpenRequest is the body of an account opening.
type OpenRequest struct {
	Currency string `json:"currency" validate:"required,currency"`
	Address  string `json:"address" validate:"required,max=128"`
	Name     string `json:"name,omitempty" validate:"omitempty,max=64"`
}

// Position is the Cr/Dr pair of one user in one currency.
type Position struct {
	Cr *account.Account `json:"cr"`
	Dr *account.Account `json:"dr"`
}

// Service provides account opening and read access to balances and history.
type Service struct {
	uow       repository.UnitOfWork
	addresses chain.AddressNormalizer
	converter *ledger.Converter
	logger    *slog.Logger
}

// NewService creates a new Service with the provided dependencies.
func NewService(deps config.Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		uow:       deps.Uow,
		addresses: deps.Addresses,
		converter: ledger.NewConverter(deps.Uow),
		logger:    logger.With("service", "account"),
	}
}

// Open creates the Cr/Dr pair for userID at the requested address. An
// address can hold positions in several currencies but only for one user.
func (s *Service) Open(ctx context.Context, userID uuid.UUID, req OpenRequest) (*Position, error) {
	if err := transfer.Validator().Struct(req); err != nil {
		return nil, domain.NewValidationError(nil, transfer.ValidationFields(err)...)
	}
	code, err := currency.Parse(req.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	address, err := s.addresses.Normalize(code, strings.TrimSpace(req.Address))
	if err != nil {
		return nil, domain.NewValidationError(currency.ErrInvalidAddress,
			domain.FieldError{Field: "address", Message: "is not a valid " + code.String() + " address"})
	}
	logger := s.logger.With("user_id", userID, "currency", code, "address", address)

	var pos Position
	err = s.uow.Do(ctx, func(uow repository.UnitOfWork) error {
		accounts, err := uow.AccountRepository()
		if err != nil {
			return err
		}
		held, err := accounts.FindByAddress(ctx, address)
		if err != nil {
			return err
		}
		for _, a := range held {
			if a.UserID != userID {
				return ErrAddressTaken
			}
			if a.Currency == code {
				return fmt.Errorf("%s account at %s: %w", code, address, domain.ErrAlreadyExists)
			}
		}
		pos.Cr, pos.Dr, err = account.NewPair(userID, code, address, req.Name, account.PurposeNone)
		if err != nil {
			return err
		}
		if err := accounts.Create(ctx, pos.Cr); err != nil {
			return err
		}
		return accounts.Create(ctx, pos.Dr)
	}, repository.WithLocks(addressLock(address)))
	if err != nil {
		logger.Info("account opening rejected", "error", err)
		return nil, err
	}
	logger.Info("account opened", "cr_id", pos.Cr.ID, "dr_id", pos.Dr.ID)
	return &pos, nil
}

// List returns the accounts of userID.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*account.Account, error) {
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return nil, err
	}
	return accounts.ListByUser(ctx, userID)
}

// Balance returns the derived balance of an account owned by userID.
func (s *Service) Balance(ctx context.Context, userID, accountID uuid.UUID) (account.Funds, error) {
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return account.Funds{}, err
	}
	acc, err := s.owned(ctx, accounts, userID, accountID)
	if err != nil {
		return account.Funds{}, err
	}
	return accounts.Balance(ctx, acc)
}

// Transfers returns the most recent transfers touching an account owned by
// userID, newest first.
func (s *Service) Transfers(ctx context.Context, userID, accountID uuid.UUID, limit int) ([]*transfer.Transfer, error) {
	if limit <= 0 {
		limit = DefaultTransfersLimit
	}
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, accounts, userID, accountID); err != nil {
		return nil, err
	}
	txs, err := s.uow.TransactionRepository()
	if err != nil {
		return nil, err
	}
	gids, err := txs.ListGIDsByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*transfer.Transfer, 0, len(gids))
	for _, gid := range gids {
		t, err := s.converter.Convert(ctx, gid)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) owned(ctx context.Context, accounts repository.AccountRepository, userID, accountID uuid.UUID) (*account.Account, error) {
	acc, err := accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := acc.ValidateOwner(userID); err != nil {
		return nil, err
	}
	return acc, nil
}

// EnsureSystemAccounts creates the ledger-owned pair for purpose in every
// currency of addresses that does not have one yet. It is safe to run on
// every start.
func (s *Service) EnsureSystemAccounts(
	ctx context.Context,
	owner uuid.UUID,
	purpose account.Purpose,
	addresses map[currency.Code]string,
) error {
	if purpose == account.PurposeNone {
		return errors.New("system accounts need a purpose")
	}
	codes := make([]currency.Code, 0, len(addresses))
	for code := range addresses {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	for _, code := range codes {
		address, err := s.addresses.Normalize(code, addresses[code])
		if err != nil {
			return fmt.Errorf("%s %s address: %w", purpose, code, err)
		}
		created := false
		err = s.uow.Do(ctx, func(uow repository.UnitOfWork) error {
			accounts, err := uow.AccountRepository()
			if err != nil {
				return err
			}
			_, err = accounts.FindSystem(ctx, purpose, code, account.KindCr)
			if err == nil {
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			cr, dr, err := account.NewPair(owner, code, address, string(purpose), purpose)
			if err != nil {
				return err
			}
			if err := accounts.Create(ctx, cr); err != nil {
				return err
			}
			created = true
			return accounts.Create(ctx, dr)
		}, repository.WithLocks(systemLock(purpose, code)))
		if err != nil {
			return fmt.Errorf("%s %s accounts: %w", purpose, code, err)
		}
		if created {
			s.logger.Info("system accounts created", "purpose", purpose, "currency", code, "address", address)
		}
	}
	return nil
}

func addressLock(address string) string { return "address:" + address }

func systemLock(purpose account.Purpose, code currency.Code) string {
	return "system:" + string(purpose) + ":" + code.String()
}
