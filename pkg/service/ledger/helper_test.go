package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirasaad/cryptoledger/infra/repository/memory"
	"github.com/amirasaad/cryptoledger/internal/fixtures/mocks"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	addrA        = "0x52908400098527886E0F7030069857D2E4169EE7"
	addrA2       = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	addrB        = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
	addrExternal = "0xde709f2102306220921060314715629080e2fb77"
	addrLiqEVM   = "0x27b1fdb04752bbc536007a920d24acb045561c26"
	addrFeesEVM  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	addrLiqBTC   = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	addrFeesBTC  = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	uow       *memory.UnitOfWork
	addresses *currency.AddressValidator
	signer    *mocks.Signer
	exchange  *mocks.ExchangeRate
	fees      *mocks.FeeEstimator
	publisher *mocks.Publisher
	svc       *ledger.Service
	system    uuid.UUID
	liquidity map[currency.Code][2]*account.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	addresses, err := currency.NewAddressValidator("mainnet")
	require.NoError(t, err)
	store := memory.NewStore()
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     store,
		uow:       memory.NewUoW(store),
		addresses: addresses,
		signer:    mocks.NewSigner(t),
		exchange:  mocks.NewExchangeRate(t),
		fees:      mocks.NewFeeEstimator(t),
		publisher: mocks.NewPublisher(t),
		system:    uuid.New(),
		liquidity: make(map[currency.Code][2]*account.Account),
	}
	f.build(f.uow)

	for _, code := range []currency.Code{currency.ETH, currency.USDT} {
		cr, dr := f.pair(f.system, code, addrLiqEVM, account.PurposeLiquidity)
		f.liquidity[code] = [2]*account.Account{cr, dr}
		f.pair(f.system, code, addrFeesEVM, account.PurposeFees)
	}
	cr, dr := f.pair(f.system, currency.BTC, addrLiqBTC, account.PurposeLiquidity)
	f.liquidity[currency.BTC] = [2]*account.Account{cr, dr}
	f.pair(f.system, currency.BTC, addrFeesBTC, account.PurposeFees)
	return f
}

// build wires the service to uow.
func (f *fixture) build(uow repository.UnitOfWork) {
	f.svc = ledger.NewService(config.Deps{
		Uow:          uow,
		Signer:       f.signer,
		ExchangeRate: f.exchange,
		FeeEstimator: f.fees,
		Publisher:    f.publisher,
		Addresses:    f.addresses,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, ledger.Options{FeeTarget: 30 * time.Minute, CommitBackoff: time.Millisecond})
}

// failingUoW fails the next n inserts of rows of kind with err, in every
// unit of work started from it.
type failingUoW struct {
	repository.UnitOfWork
	kind transaction.Kind
	n    *atomic.Int32
	err  error
}

func failInserts(uow repository.UnitOfWork, kind transaction.Kind, n int32, err error) failingUoW {
	f := failingUoW{UnitOfWork: uow, kind: kind, n: &atomic.Int32{}, err: err}
	f.n.Store(n)
	return f
}

func (u failingUoW) wrap(inner repository.UnitOfWork) repository.UnitOfWork {
	u.UnitOfWork = inner
	return u
}

func (u failingUoW) Do(ctx context.Context, fn func(repository.UnitOfWork) error, opts ...repository.TxOption) error {
	return u.UnitOfWork.Do(ctx, func(inner repository.UnitOfWork) error { return fn(u.wrap(inner)) }, opts...)
}

func (u failingUoW) Hold(ctx context.Context, keys []string, fn func(repository.UnitOfWork) error) error {
	return u.UnitOfWork.Hold(ctx, keys, func(inner repository.UnitOfWork) error { return fn(u.wrap(inner)) })
}

func (u failingUoW) TransactionRepository() (repository.TransactionRepository, error) {
	repo, err := u.UnitOfWork.TransactionRepository()
	if err != nil {
		return nil, err
	}
	return failingTxs{TransactionRepository: repo, uow: u}, nil
}

type failingTxs struct {
	repository.TransactionRepository
	uow failingUoW
}

func (r failingTxs) Create(ctx context.Context, tx *transaction.Transaction) error {
	if tx.Kind == r.uow.kind && r.uow.n.Add(-1) >= 0 {
		return r.uow.err
	}
	return r.TransactionRepository.Create(ctx, tx)
}

func (f *fixture) normalize(code currency.Code, addr string) string {
	n, err := f.addresses.Normalize(code, addr)
	require.NoError(f.t, err)
	return n
}

// pair creates the Cr/Dr accounts of owner at addr.
func (f *fixture) pair(owner uuid.UUID, code currency.Code, addr string, purpose account.Purpose) (cr, dr *account.Account) {
	cr, dr, err := account.NewPair(owner, code, f.normalize(code, addr), "", purpose)
	require.NoError(f.t, err)
	repo, _ := f.uow.AccountRepository()
	require.NoError(f.t, repo.Create(f.ctx, cr))
	require.NoError(f.t, repo.Create(f.ctx, dr))
	return cr, dr
}

// custody creates an extra Dr account of owner at addr.
func (f *fixture) custody(owner uuid.UUID, code currency.Code, addr string) *account.Account {
	dr, err := account.New().WithUserID(owner).WithCurrency(code).WithKind(account.KindDr).
		WithAddress(f.normalize(code, addr)).Build()
	require.NoError(f.t, err)
	repo, _ := f.uow.AccountRepository()
	require.NoError(f.t, repo.Create(f.ctx, dr))
	return dr
}

// fund books a settled deposit of value into the pair.
func (f *fixture) fund(cr, dr *account.Account, value uint64) {
	hash := "0x" + uuid.NewString()
	repo, _ := f.uow.TransactionRepository()
	require.NoError(f.t, repo.Create(f.ctx, transaction.New(transaction.Draft{
		GID:            uuid.New(),
		UserID:         cr.UserID,
		DrAccountID:    dr.ID,
		CrAccountID:    cr.ID,
		Currency:       cr.Currency,
		Value:          money.New(value),
		Kind:           transaction.KindDeposit,
		GroupKind:      transaction.GroupDeposit,
		BlockchainTxID: &hash,
	})))
}

func (f *fixture) balance(acc *account.Account) string {
	repo, _ := f.uow.AccountRepository()
	b, err := repo.Balance(f.ctx, acc)
	require.NoError(f.t, err)
	return b.Balance.String()
}

func (f *fixture) rows() int { return len(f.store.Transactions()) }

func toAccount(src, dst *account.Account, code currency.Code, value string) *transfer.Request {
	return &transfer.Request{
		SourceAccountID: src.ID.String(),
		Recipient:       dst.ID.String(),
		RecipientKind:   transfer.RecipientAccount,
		Currency:        string(code),
		Value:           value,
	}
}

func toAddress(src *account.Account, addr string, code currency.Code, value string) *transfer.Request {
	return &transfer.Request{
		SourceAccountID: src.ID.String(),
		Recipient:       addr,
		RecipientKind:   transfer.RecipientAddress,
		Currency:        string(code),
		Value:           value,
	}
}
