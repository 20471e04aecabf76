// Package mocks holds testify doubles of the collaborator interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type cleanuper interface {
	mock.TestingT
	Cleanup(func())
}

// Signer is a mock of provider.Signer.
type Signer struct {
	mock.Mock
}

// NewSigner creates a Signer whose expectations are asserted on cleanup.
func NewSigner(t cleanuper) *Signer {
	m := &Signer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Signer) SignTransaction(ctx context.Context, req provider.SignRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *Signer) PostTransaction(ctx context.Context, code currency.Code, rawTx string) (string, error) {
	args := m.Called(ctx, code, rawTx)
	return args.String(0), args.Error(1)
}

func (m *Signer) GetNonce(ctx context.Context, code currency.Code, address string) (uint64, error) {
	args := m.Called(ctx, code, address)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *Signer) GetUTXOs(ctx context.Context, address string) ([]provider.UTXO, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.UTXO), args.Error(1)
}

// ExchangeRate is a mock of provider.ExchangeRate.
type ExchangeRate struct {
	mock.Mock
}

// NewExchangeRate creates an ExchangeRate whose expectations are asserted on cleanup.
func NewExchangeRate(t cleanuper) *ExchangeRate {
	m := &ExchangeRate{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *ExchangeRate) Rate(ctx context.Context, from, to currency.Code, amount money.Amount) (*provider.Quote, error) {
	args := m.Called(ctx, from, to, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Quote), args.Error(1)
}

func (m *ExchangeRate) Exchange(
	ctx context.Context,
	exchangeID string,
	from, to currency.Code,
	amount money.Amount,
) (*provider.Confirmation, error) {
	args := m.Called(ctx, exchangeID, from, to, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Confirmation), args.Error(1)
}

// FeeEstimator is a mock of provider.FeeEstimator.
type FeeEstimator struct {
	mock.Mock
}

// NewFeeEstimator creates a FeeEstimator whose expectations are asserted on cleanup.
func NewFeeEstimator(t cleanuper) *FeeEstimator {
	m := &FeeEstimator{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *FeeEstimator) Estimate(ctx context.Context, code currency.Code) ([]provider.FeeTier, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.FeeTier), args.Error(1)
}

// Publisher is a mock of eventbus.Publisher.
type Publisher struct {
	mock.Mock
}

// NewPublisher creates a Publisher whose expectations are asserted on cleanup.
func NewPublisher(t cleanuper) *Publisher {
	m := &Publisher{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Publisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return m.Called(ctx, topic, key, payload).Error(0)
}

func (m *Publisher) Close() error {
	return m.Called().Error(0)
}

// Approver is a mock of the reconciler's approval trigger.
type Approver struct {
	mock.Mock
}

// NewApprover creates an Approver whose expectations are asserted on cleanup.
func NewApprover(t cleanuper) *Approver {
	m := &Approver{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Approver) Schedule(ctx context.Context, accountID uuid.UUID, delay time.Duration) error {
	return m.Called(ctx, accountID, delay).Error(0)
}
