package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMapGormErrorToDomain(t *testing.T) {
	t.Parallel()

	pg := func(code string) error {
		return fmt.Errorf("insert transactions: %w", &pgconn.PgError{Code: code, Message: "rejected"})
	}
	tests := []struct {
		name  string
		input error
		want  error
	}{
		{"seen hash inserted twice", pg("23505"), domain.ErrAlreadyExists},
		{"serializable commit rejected", pg("40001"), domain.ErrConflict},
		{"lock cycle between transfers", pg("40P01"), domain.ErrConflict},
		{"account lookup misses", fmt.Errorf("get account: %w", gorm.ErrRecordNotFound), domain.ErrNotFound},
		{"address taken by gorm translation", gorm.ErrDuplicatedKey, domain.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, MapGormErrorToDomain(tt.input), tt.want)
		})
	}
}

func TestMapGormErrorToDomain_Passthrough(t *testing.T) {
	t.Parallel()

	require.NoError(t, MapGormErrorToDomain(nil))

	overflow := &pgconn.PgError{Code: "22003"}
	assert.Equal(t, error(overflow), MapGormErrorToDomain(overflow))

	dial := errors.New("dial tcp: connection refused")
	assert.Equal(t, dial, MapGormErrorToDomain(dial))
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	require.NoError(t, WrapError(func() error { return nil }))
	err := WrapError(func() error { return gorm.ErrRecordNotFound })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
