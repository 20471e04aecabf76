package provider_test

import (
	"testing"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectTier(t *testing.T) {
	tiers := []provider.FeeTier{
		{Fee: money.New(50), ETA: time.Minute},
		{Fee: money.New(10), ETA: time.Hour},
		{Fee: money.New(20), ETA: 10 * time.Minute},
	}

	got, err := provider.SelectTier(tiers, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "20", got.Fee.String())

	got, err = provider.SelectTier(tiers, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "10", got.Fee.String())

	got, err = provider.SelectTier(tiers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "50", got.Fee.String(), "falls back to the fastest tier")

	_, err = provider.SelectTier(nil, time.Minute)
	assert.ErrorIs(t, err, provider.ErrNoFeeTiers)
}
