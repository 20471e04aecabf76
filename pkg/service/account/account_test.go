package account_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/amirasaad/cryptoledger/infra/repository/memory"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	accountdomain "github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	accountsvc "github.com/amirasaad/cryptoledger/pkg/service/account"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrLower   = "0x52908400098527886e0f7030069857d2e4169ee7"
	addrChecked = "0x52908400098527886E0F7030069857D2E4169EE7"
	addrOther   = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

func newService(t *testing.T) (*accountsvc.Service, *memory.UnitOfWork) {
	t.Helper()
	addresses, err := currency.NewAddressValidator("mainnet")
	require.NoError(t, err)
	uow := memory.NewUoW(memory.NewStore())
	svc := accountsvc.NewService(config.Deps{
		Uow:       uow,
		Addresses: addresses,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, uow
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	user := uuid.New()

	pos, err := svc.Open(ctx, user, accountsvc.OpenRequest{Currency: "eth", Address: addrLower, Name: "main"})
	require.NoError(t, err)
	assert.Equal(t, accountdomain.KindCr, pos.Cr.Kind)
	assert.Equal(t, accountdomain.KindDr, pos.Dr.Kind)
	assert.Equal(t, addrChecked, pos.Cr.Address)
	assert.Equal(t, addrChecked, pos.Dr.Address)
	require.NotNil(t, pos.Cr.Name)
	assert.Equal(t, "main", *pos.Cr.Name)

	t.Run("second currency at the same address", func(t *testing.T) {
		_, err := svc.Open(ctx, user, accountsvc.OpenRequest{Currency: "USDT", Address: addrChecked})
		require.NoError(t, err)
	})

	t.Run("same currency twice", func(t *testing.T) {
		_, err := svc.Open(ctx, user, accountsvc.OpenRequest{Currency: "ETH", Address: addrChecked})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("address held by another user", func(t *testing.T) {
		_, err := svc.Open(ctx, uuid.New(), accountsvc.OpenRequest{Currency: "ETH", Address: addrLower})
		assert.ErrorIs(t, err, accountsvc.ErrAddressTaken)
	})

	t.Run("invalid address", func(t *testing.T) {
		_, err := svc.Open(ctx, user, accountsvc.OpenRequest{Currency: "BTC", Address: addrOther})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.ErrorIs(t, err, currency.ErrInvalidAddress)
	})

	t.Run("unsupported currency", func(t *testing.T) {
		_, err := svc.Open(ctx, user, accountsvc.OpenRequest{Currency: "DOGE", Address: addrOther})
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "currency", ve.Fields[0].Field)
	})

	accounts, err := svc.List(ctx, user)
	require.NoError(t, err)
	assert.Len(t, accounts, 4)
}

func TestBalance(t *testing.T) {
	ctx := context.Background()
	svc, uow := newService(t)
	user := uuid.New()
	pos, err := svc.Open(ctx, user, accountsvc.OpenRequest{Currency: "ETH", Address: addrChecked})
	require.NoError(t, err)

	hash := "0xdeposit"
	txs, _ := uow.TransactionRepository()
	require.NoError(t, txs.Create(ctx, transaction.New(transaction.Draft{
		GID:            uuid.New(),
		UserID:         user,
		DrAccountID:    pos.Dr.ID,
		CrAccountID:    pos.Cr.ID,
		Currency:       currency.ETH,
		Value:          money.New(750),
		Kind:           transaction.KindDeposit,
		GroupKind:      transaction.GroupDeposit,
		BlockchainTxID: &hash,
	})))

	f, err := svc.Balance(ctx, user, pos.Cr.ID)
	require.NoError(t, err)
	assert.Equal(t, "750", f.Balance.String())

	f, err = svc.Balance(ctx, user, pos.Dr.ID)
	require.NoError(t, err)
	assert.Equal(t, "750", f.Balance.String())

	_, err = svc.Balance(ctx, uuid.New(), pos.Cr.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.Balance(ctx, user, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransfers(t *testing.T) {
	ctx := context.Background()
	svc, uow := newService(t)
	alice, bob := uuid.New(), uuid.New()
	a, err := svc.Open(ctx, alice, accountsvc.OpenRequest{Currency: "ETH", Address: addrChecked})
	require.NoError(t, err)
	b, err := svc.Open(ctx, bob, accountsvc.OpenRequest{Currency: "ETH", Address: addrOther})
	require.NoError(t, err)

	txs, _ := uow.TransactionRepository()
	var gids []uuid.UUID
	for _, v := range []uint64{10, 20, 30} {
		gid := uuid.New()
		gids = append(gids, gid)
		require.NoError(t, txs.Create(ctx, transaction.New(transaction.Draft{
			GID:         gid,
			UserID:      alice,
			DrAccountID: a.Cr.ID,
			CrAccountID: b.Cr.ID,
			Currency:    currency.ETH,
			Value:       money.New(v),
			Kind:        transaction.KindInternal,
			GroupKind:   transaction.GroupInternal,
		})))
	}

	got, err := svc.Transfers(ctx, bob, b.Cr.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, gids[2], got[0].GID)
	assert.Equal(t, gids[1], got[1].GID)
	assert.Equal(t, "30", got[0].Value.String())
	require.NotNil(t, got[0].From.AccountID)
	assert.Equal(t, a.Cr.ID, *got[0].From.AccountID)

	_, err = svc.Transfers(ctx, alice, b.Cr.ID, 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestEnsureSystemAccounts(t *testing.T) {
	ctx := context.Background()
	svc, uow := newService(t)
	owner := uuid.New()
	addrs := map[currency.Code]string{
		currency.ETH: addrLower,
		currency.BTC: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
	}

	require.NoError(t, svc.EnsureSystemAccounts(ctx, owner, accountdomain.PurposeLiquidity, addrs))
	require.NoError(t, svc.EnsureSystemAccounts(ctx, owner, accountdomain.PurposeLiquidity, addrs))

	accounts, _ := uow.AccountRepository()
	all, err := accounts.ListByUser(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	dr, err := accounts.FindSystem(ctx, accountdomain.PurposeLiquidity, currency.ETH, accountdomain.KindDr)
	require.NoError(t, err)
	assert.Equal(t, addrChecked, dr.Address)
	assert.True(t, dr.IsSystem())

	err = svc.EnsureSystemAccounts(ctx, owner, accountdomain.PurposeFees, map[currency.Code]string{currency.BTC: "nope"})
	assert.ErrorIs(t, err, currency.ErrInvalidAddress)

	assert.Error(t, svc.EnsureSystemAccounts(ctx, owner, accountdomain.PurposeNone, addrs))
}
