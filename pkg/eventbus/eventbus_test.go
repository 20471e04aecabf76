package eventbus_test

import (
	"errors"
	"testing"

	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/stretchr/testify/assert"
)

func TestPermanent(t *testing.T) {
	cause := errors.New("bad json")
	err := eventbus.Permanent(cause)
	assert.ErrorIs(t, err, eventbus.ErrPermanent)
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, eventbus.Permanent(nil))
}
