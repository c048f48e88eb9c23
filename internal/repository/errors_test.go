package repository

import (
	"errors"
	"math"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"trustfund/internal/escrow"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, escrow.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, escrow.ErrAlreadyExists},
		{"unknown mint", &pgconn.PgError{Code: "23503", ConstraintName: "token_accounts_mint_fkey"}, escrow.ErrUnknownMint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err, "row"), tt.want)
		})
	}

	other := errors.New("connection reset")
	err := mapError(other, "row")
	assert.ErrorIs(t, err, other)
	assert.Equal(t, "Internal", escrow.Kind(err))
	assert.NoError(t, mapError(nil, "row"))
}

func TestAmountArg(t *testing.T) {
	v, err := amountArg(math.MaxInt64)
	assert.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	_, err = amountArg(math.MaxInt64 + 1)
	assert.ErrorIs(t, err, escrow.ErrInvalidArgument)
}
