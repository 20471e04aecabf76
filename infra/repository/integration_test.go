//go:build integration

package repository_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amirasaad/cryptoledger/infra"
	"github.com/amirasaad/cryptoledger/infra/repository"
	"github.com/amirasaad/cryptoledger/internal/fixtures/mocks"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/confirmation"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/amirasaad/cryptoledger/pkg/service/reconciler"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	addrAlice    = "0x52908400098527886E0F7030069857D2E4169EE7"
	addrExternal = "0xde709f2102306220921060314715629080e2fb77"
)

type PostgresSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	db        *gorm.DB
	uow       *repository.UoW
	addresses *currency.AddressValidator
	logger    *slog.Logger
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	container, err := tcpostgres.Run(
		s.ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.db, err = infra.NewDBConnection(&config.DB{Url: dsn, MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}, "test")
	s.Require().NoError(err)
	s.Require().NoError(infra.Migrate(s.db, s.logger))
	// a second run finds nothing to do
	s.Require().NoError(infra.Migrate(s.db, s.logger))

	s.uow = repository.NewUoW(s.db)
	s.addresses, err = currency.NewAddressValidator("mainnet")
	s.Require().NoError(err)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresSuite) SetupTest() {
	s.Require().NoError(s.db.Exec(`TRUNCATE transactions, accounts, pending_blockchain_transactions,
		blockchain_transactions, seen_hashes, strange_blockchain_transactions CASCADE`).Error)
}

func (s *PostgresSuite) pair(owner uuid.UUID, address string) (cr, dr *account.Account) {
	addr, err := s.addresses.Normalize(currency.ETH, address)
	s.Require().NoError(err)
	cr, dr, err = account.NewPair(owner, currency.ETH, addr, "", account.PurposeNone)
	s.Require().NoError(err)
	accounts, err := s.uow.AccountRepository()
	s.Require().NoError(err)
	s.Require().NoError(accounts.Create(s.ctx, cr))
	s.Require().NoError(accounts.Create(s.ctx, dr))
	return cr, dr
}

func (s *PostgresSuite) balance(acc *account.Account) string {
	accounts, err := s.uow.AccountRepository()
	s.Require().NoError(err)
	f, err := accounts.Balance(s.ctx, acc)
	s.Require().NoError(err)
	return f.Balance.String()
}

func (s *PostgresSuite) reconciler() *reconciler.Reconciler {
	return reconciler.New(s.uow, s.addresses, confirmation.Default(), nil, s.logger, reconciler.Options{})
}

func (s *PostgresSuite) deposit(hash string, to string, value uint64) {
	res, err := s.reconciler().Process(s.ctx, &chain.Event{
		Hash:     hash,
		Currency: currency.ETH,
		From:     []chain.Entry{{Address: addrExternal, Value: money.New(value)}},
		To:       []chain.Entry{{Address: to, Value: money.New(value)}},
		Value:    money.New(value),
	})
	s.Require().NoError(err)
	s.Require().Equal(reconciler.PathDeposit, res.Path)
}

func (s *PostgresSuite) TestDuplicateAccountIsAlreadyExists() {
	cr, _ := s.pair(uuid.New(), addrAlice)
	accounts, err := s.uow.AccountRepository()
	s.Require().NoError(err)
	dup := *cr
	dup.ID = uuid.New()
	s.ErrorIs(accounts.Create(s.ctx, &dup), domain.ErrAlreadyExists)
}

func (s *PostgresSuite) TestDepositIsIdempotent() {
	cr, dr := s.pair(uuid.New(), addrAlice)
	s.deposit("0xd1", addrAlice, 1000)
	s.deposit("0xd1", addrAlice, 1000)

	s.Equal("1000", s.balance(cr))
	s.Equal("1000", s.balance(dr))

	chains, err := s.uow.ChainRepository()
	s.Require().NoError(err)
	seen, err := chains.IsSeen(s.ctx, "0xd1", currency.ETH)
	s.Require().NoError(err)
	s.True(seen)
}

func (s *PostgresSuite) TestConcurrentWithdrawals() {
	alice := uuid.New()
	src, custody := s.pair(alice, addrAlice)
	s.deposit("0xd2", addrAlice, 100)

	signer := mocks.NewSigner(s.T())
	fees := mocks.NewFeeEstimator(s.T())
	fees.On("Estimate", mock.Anything, currency.ETH).
		Return([]provider.FeeTier{{Fee: money.Zero, ETA: time.Minute}}, nil)
	signer.On("GetNonce", mock.Anything, currency.ETH, custody.Address).Return(uint64(0), nil).Once()
	signer.On("SignTransaction", mock.Anything, mock.Anything).Return("raw", nil).Once()
	signer.On("PostTransaction", mock.Anything, currency.ETH, "raw").Return("0xfeed", nil).Once()

	svc := ledger.NewService(config.Deps{
		Uow:          s.uow,
		Signer:       signer,
		ExchangeRate: mocks.NewExchangeRate(s.T()),
		FeeEstimator: fees,
		Addresses:    s.addresses,
		Logger:       s.logger,
	}, ledger.Options{})

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Transfer(s.ctx, alice, &transfer.Request{
				SourceAccountID: src.ID.String(),
				Recipient:       addrExternal,
				RecipientKind:   transfer.RecipientAddress,
				Currency:        "ETH",
				Value:           "70",
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, account.ErrInsufficientFunds):
			insufficient++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, ok)
	s.Equal(1, insufficient)
	s.Equal("30", s.balance(src))
}
