package reconciler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/amirasaad/cryptoledger/infra/metrics"
	"github.com/amirasaad/cryptoledger/infra/repository/memory"
	"github.com/amirasaad/cryptoledger/internal/fixtures/mocks"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/service/reconciler"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	addrAlice    = "0x52908400098527886E0F7030069857D2E4169EE7"
	addrBob      = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
	addrExternal = "0xde709f2102306220921060314715629080e2fb77"
	addrFees     = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	uow       *memory.UnitOfWork
	addresses *currency.AddressValidator
	approver  *mocks.Approver
	rec       *reconciler.Reconciler
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
		approver:  mocks.NewApprover(t),
	}
	f.rec = reconciler.New(f.uow, addresses, nil, f.approver,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		reconciler.Options{ApprovalThreshold: money.New(100), ApprovalDelay: time.Minute})
	system := uuid.New()
	f.pair(system, currency.ETH, addrFees, account.PurposeFees)
	f.pair(system, currency.USDT, addrFees, account.PurposeFees)
	return f
}

func (f *fixture) addr(code currency.Code, a string) string {
	n, err := f.addresses.Normalize(code, a)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) pair(owner uuid.UUID, code currency.Code, addr string, purpose account.Purpose) (cr, dr *account.Account) {
	cr, dr, err := account.NewPair(owner, code, f.addr(code, addr), "", purpose)
	require.NoError(f.t, err)
	repo, _ := f.uow.AccountRepository()
	require.NoError(f.t, repo.Create(f.ctx, cr))
	require.NoError(f.t, repo.Create(f.ctx, dr))
	return cr, dr
}

func (f *fixture) account(id uuid.UUID) *account.Account {
	repo, _ := f.uow.AccountRepository()
	acc, err := repo.Get(f.ctx, id)
	require.NoError(f.t, err)
	return acc
}

func (f *fixture) balance(acc *account.Account) string {
	repo, _ := f.uow.AccountRepository()
	b, err := repo.Balance(f.ctx, acc)
	require.NoError(f.t, err)
	return b.Balance.String()
}

// payout records a broadcast withdrawal of value from a funded pair.
func (f *fixture) payout(cr, dr *account.Account, funded, value money.Amount, hash string) *transaction.Transaction {
	txs, _ := f.uow.TransactionRepository()
	require.NoError(f.t, txs.Create(f.ctx, transaction.New(transaction.Draft{
		GID: uuid.New(), UserID: cr.UserID, DrAccountID: dr.ID, CrAccountID: cr.ID,
		Currency: cr.Currency, Value: funded, Kind: transaction.KindDeposit, GroupKind: transaction.GroupDeposit,
	})))
	row := transaction.New(transaction.Draft{
		GID: uuid.New(), UserID: cr.UserID, DrAccountID: cr.ID, CrAccountID: dr.ID,
		Currency: cr.Currency, Value: value, Status: transaction.StatusPending,
		Kind: transaction.KindWithdrawal, GroupKind: transaction.GroupWithdrawal, BlockchainTxID: &hash,
	})
	require.NoError(f.t, txs.Create(f.ctx, row))
	chains, _ := f.uow.ChainRepository()
	require.NoError(f.t, chains.CreatePending(f.ctx, &transaction.PendingBlockchainTransaction{
		Hash: hash, From: dr.Address, To: f.addr(cr.Currency, addrExternal), Currency: cr.Currency, Value: value,
	}))
	return row
}

func (f *fixture) row(id uuid.UUID) *transaction.Transaction {
	txs, _ := f.uow.TransactionRepository()
	r, err := txs.Get(f.ctx, id)
	require.NoError(f.t, err)
	return r
}

func event(hash string, code currency.Code, from, to string, value money.Amount) *chain.Event {
	return &chain.Event{
		Hash:     hash,
		Currency: code,
		From:     []chain.Entry{{Address: from, Value: value}},
		To:       []chain.Entry{{Address: to, Value: value}},
		Value:    value,
	}
}

func TestProcess_DepositIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cr, dr := f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	// lower-case on the wire, checksummed in the ledger
	ev := event("0xD1", currency.ETH, addrExternal, "0x52908400098527886e0f7030069857d2e4169ee7", money.New(1000))

	res, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, reconciler.PathDeposit, res.Path)
	assert.Equal(t, metrics.OutcomeOK, res.Outcome)

	res, err = f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDuplicate, res.Outcome)

	rows := f.store.Transactions()
	require.Len(t, rows, 1)
	assert.Equal(t, transaction.KindDeposit, rows[0].Kind)
	assert.Equal(t, dr.ID, rows[0].DrAccountID)
	assert.Equal(t, cr.ID, rows[0].CrAccountID)
	assert.Equal(t, "0xd1", *rows[0].BlockchainTxID)
	assert.Equal(t, "1000", f.balance(cr))
	assert.Equal(t, 1, f.store.SeenCount())

	chains, _ := f.uow.ChainRepository()
	rec, err := chains.GetBlockchainTransaction(f.ctx, "0xd1")
	require.NoError(t, err)
	assert.Equal(t, f.addr(currency.ETH, addrExternal), rec.FirstFrom())
}

func TestProcess_DepositToForeignAddress(t *testing.T) {
	f := newFixture(t)
	res, err := f.rec.Process(f.ctx, event("0xd2", currency.ETH, addrExternal, addrBob, money.New(5)))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.store.Transactions())
	assert.Equal(t, 1, f.store.SeenCount())
}

func TestProcess_DepositFromOwnCustodyIsQuarantined(t *testing.T) {
	f := newFixture(t)
	f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	f.pair(uuid.New(), currency.ETH, addrBob, account.PurposeNone)

	res, err := f.rec.Process(f.ctx, event("0xd3", currency.ETH, addrBob, addrAlice, money.New(5)))
	require.NoError(t, err)

	assert.Equal(t, metrics.OutcomeQuarantined, res.Outcome)
	assert.Contains(t, res.Reason, "custody address")
	assert.Empty(t, f.store.Transactions())
	assert.Equal(t, 1, f.store.SeenCount())
	strange := f.store.Strange()
	require.Len(t, strange, 1)
	assert.Equal(t, "0xd3", strange[0].Hash)
	assert.NotEmpty(t, strange[0].Payload)
}

func TestProcess_WithdrawalCompletion(t *testing.T) {
	f := newFixture(t)
	cr, dr := f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	row := f.payout(cr, dr, money.New(1000), money.New(500), "0xw1")

	ev := event("0xW1", currency.ETH, addrAlice, addrExternal, money.New(500))
	ev.Fee = money.New(10)
	res, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, reconciler.PathWithdrawal, res.Path)
	assert.Equal(t, metrics.OutcomeOK, res.Outcome)

	assert.Equal(t, transaction.StatusDone, f.row(row.ID).Status)
	assert.Equal(t, "490", f.balance(dr))

	var fee *transaction.Transaction
	for _, r := range f.store.Transactions() {
		if r.Kind == transaction.KindBlockchainFee {
			fee = &r
		}
	}
	require.NotNil(t, fee)
	assert.Equal(t, row.GID, fee.GID)
	assert.Equal(t, dr.ID, fee.CrAccountID)
	assert.Equal(t, "10", fee.Value.String())
	assert.Equal(t, account.PurposeFees, f.account(fee.DrAccountID).Purpose)

	chains, _ := f.uow.ChainRepository()
	_, err = chains.GetPending(f.ctx, "0xw1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = chains.GetBlockchainTransaction(f.ctx, "0xw1")
	assert.NoError(t, err)
	assert.Equal(t, 1, f.store.SeenCount())
}

func TestProcess_WithdrawalAwaitsConfirmations(t *testing.T) {
	f := newFixture(t)
	oneEth := money.MustParse("1000000000000000000")
	cr, dr := f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	row := f.payout(cr, dr, money.MustParse("2000000000000000000"), oneEth, "0xw2")

	// 1 ETH is 200 USD, which needs 3 confirmations
	ev := event("0xw2", currency.ETH, addrAlice, addrExternal, oneEth)
	ev.Confirmations = 2
	res, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDeferred, res.Outcome)
	assert.Equal(t, transaction.StatusPending, f.row(row.ID).Status)
	assert.Zero(t, f.store.SeenCount())

	ev.Confirmations = 3
	res, err = f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeOK, res.Outcome)
	assert.Equal(t, transaction.StatusDone, f.row(row.ID).Status)
}

func TestProcess_WithdrawalInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, ev *chain.Event)
		reason string
	}{
		{
			name:   "payout to our own address",
			mutate: func(f *fixture, ev *chain.Event) { ev.To[0].Address = addrBob },
			reason: "our own address",
		},
		{
			name:   "sent from another address",
			mutate: func(f *fixture, ev *chain.Event) { ev.From[0].Address = addrExternal },
			reason: "ledger expects",
		},
		{
			name: "several outputs",
			mutate: func(f *fixture, ev *chain.Event) {
				ev.To = append(ev.To, chain.Entry{Address: addrExternal, Value: money.New(1)})
			},
			reason: "outputs",
		},
		{
			name: "pending record missing",
			mutate: func(f *fixture, ev *chain.Event) {
				chains, _ := f.uow.ChainRepository()
				require.NoError(f.t, chains.DeletePending(f.ctx, "0xw3"))
			},
			reason: "pending broadcast",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			cr, dr := f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
			f.pair(uuid.New(), currency.ETH, addrBob, account.PurposeNone)
			row := f.payout(cr, dr, money.New(1000), money.New(500), "0xw3")

			ev := event("0xw3", currency.ETH, addrAlice, addrExternal, money.New(500))
			tc.mutate(f, ev)
			res, err := f.rec.Process(f.ctx, ev)
			require.NoError(t, err)

			assert.Equal(t, metrics.OutcomeQuarantined, res.Outcome)
			assert.Contains(t, res.Reason, tc.reason)
			assert.Equal(t, transaction.StatusPending, f.row(row.ID).Status)
			assert.Equal(t, 1, f.store.SeenCount())
			assert.Len(t, f.store.Strange(), 1)
		})
	}
}

func TestProcess_WithdrawalFeeAboveCustodyBalance(t *testing.T) {
	f := newFixture(t)
	cr, dr := f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	row := f.payout(cr, dr, money.New(1000), money.New(500), "0xw5")

	ev := event("0xw5", currency.ETH, addrAlice, addrExternal, money.New(500))
	ev.Fee = money.New(501)
	res, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, reconciler.PathWithdrawal, res.Path)
	assert.Equal(t, metrics.OutcomeQuarantined, res.Outcome)
	assert.Contains(t, res.Reason, "network fee")
	// the payout itself settles
	assert.Equal(t, transaction.StatusDone, f.row(row.ID).Status)
	assert.Equal(t, "500", f.balance(dr))
	for _, r := range f.store.Transactions() {
		assert.NotEqual(t, transaction.KindBlockchainFee, r.Kind)
	}
	chains, _ := f.uow.ChainRepository()
	_, err = chains.GetPending(f.ctx, "0xw5")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.store.Strange(), 1)
	assert.Equal(t, 1, f.store.SeenCount())
}

func TestProcess_BroadcastWithoutLedgerRow(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantErr error
		outcome string
	}{
		{name: "commit may still land", age: time.Second, wantErr: reconciler.ErrNotLedgered},
		{name: "commit failed", age: time.Hour, outcome: metrics.OutcomeQuarantined},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
			chains, _ := f.uow.ChainRepository()
			require.NoError(t, chains.CreatePending(f.ctx, &transaction.PendingBlockchainTransaction{
				Hash:      "0xo1",
				From:      f.addr(currency.ETH, addrAlice),
				To:        f.addr(currency.ETH, addrExternal),
				Currency:  currency.ETH,
				Value:     money.New(500),
				CreatedAt: time.Now().Add(-tc.age),
			}))

			res, err := f.rec.Process(f.ctx, event("0xo1", currency.ETH, addrAlice, addrExternal, money.New(500)))
			assert.Equal(t, reconciler.PathWithdrawal, res.Path)
			assert.Empty(t, f.store.Transactions())
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Zero(t, f.store.SeenCount())
				assert.Empty(t, f.store.Strange())

				payload, err := json.Marshal(event("0xo1", currency.ETH, addrAlice, addrExternal, money.New(500)))
				require.NoError(t, err)
				err = f.rec.Handler()(f.ctx, payload)
				require.Error(t, err)
				assert.NotErrorIs(t, err, eventbus.ErrPermanent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.Contains(t, res.Reason, "no ledger row")
			assert.Len(t, f.store.Strange(), 1)
			assert.Equal(t, 1, f.store.SeenCount())
		})
	}
}

func TestProcess_WithdrawalAlreadyDone(t *testing.T) {
	f := newFixture(t)
	cr, dr := f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	row := f.payout(cr, dr, money.New(1000), money.New(500), "0xw4")
	txs, _ := f.uow.TransactionRepository()
	require.NoError(t, txs.MarkDone(f.ctx, row.ID))

	res, err := f.rec.Process(f.ctx, event("0xw4", currency.ETH, addrAlice, addrExternal, money.New(500)))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeQuarantined, res.Outcome)
	assert.Contains(t, res.Reason, "not pending")
}

func TestProcess_Approval(t *testing.T) {
	f := newFixture(t)
	_, dr := f.pair(uuid.New(), currency.USDT, addrAlice, account.PurposeNone)
	chains, _ := f.uow.ChainRepository()
	require.NoError(t, chains.CreatePending(f.ctx, &transaction.PendingBlockchainTransaction{Hash: "0xa1", From: dr.Address}))

	op := chain.Erc20Approve
	ev := event("0xa1", currency.USDT, addrAlice, addrExternal, money.Zero)
	ev.Erc20Op = &op
	res, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, reconciler.PathApproval, res.Path)
	assert.Equal(t, metrics.OutcomeOK, res.Outcome)
	assert.True(t, f.account(dr.ID).ERC20Approved)
	assert.Empty(t, f.store.Transactions())
	_, err = chains.GetPending(f.ctx, "0xa1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, f.store.SeenCount())
}

func TestProcess_DepositSchedulesApproval(t *testing.T) {
	f := newFixture(t)
	cr, dr := f.pair(uuid.New(), currency.USDT, addrAlice, account.PurposeNone)
	f.approver.On("Schedule", mock.Anything, dr.ID, time.Minute).Return(errors.New("redis down")).Once()

	res, err := f.rec.Process(f.ctx, event("0xd5", currency.USDT, addrExternal, addrAlice, money.New(150)))
	require.NoError(t, err)

	assert.Equal(t, metrics.OutcomeOK, res.Outcome)
	assert.Equal(t, []uuid.UUID{dr.ID}, res.Approvals)
	assert.Equal(t, "150", f.balance(cr))
}

func TestProcess_DepositBelowApprovalThreshold(t *testing.T) {
	f := newFixture(t)
	f.pair(uuid.New(), currency.USDT, addrAlice, account.PurposeNone)

	res, err := f.rec.Process(f.ctx, event("0xd6", currency.USDT, addrExternal, addrAlice, money.New(99)))
	require.NoError(t, err)
	assert.Empty(t, res.Approvals)
	f.approver.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler(t *testing.T) {
	f := newFixture(t)
	f.pair(uuid.New(), currency.ETH, addrAlice, account.PurposeNone)
	handle := f.rec.Handler()

	payload, err := json.Marshal(event("0xh1", currency.ETH, addrExternal, addrAlice, money.New(7)))
	require.NoError(t, err)
	assert.NoError(t, handle(f.ctx, payload))
	assert.Len(t, f.store.Transactions(), 1)

	err = handle(f.ctx, []byte(`{"hash":`))
	assert.ErrorIs(t, err, eventbus.ErrPermanent)
	assert.ErrorIs(t, err, domain.ErrMalformedInput)

	bad, err := json.Marshal(event("0xh2", currency.ETH, addrExternal, "not-an-address", money.New(7)))
	require.NoError(t, err)
	err = handle(f.ctx, bad)
	assert.ErrorIs(t, err, eventbus.ErrPermanent)
	assert.Zero(t, len(f.store.Strange()))
}
