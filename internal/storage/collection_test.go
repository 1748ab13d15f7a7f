package storage_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"findash/internal/portfolio"
	"findash/internal/storage"
)

func TestCollection_AddUpdateRemove(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false, storage.Options{})
	ctx := t.Context()
	holdings := storage.NewCollection[portfolio.Holding](f.engine, portfolio.Holdings)

	// Act
	aapl, err := holdings.Add(ctx, portfolio.Holding{Symbol: "AAPL", Shares: decimal.NewFromInt(10)})
	require.NoError(t, err)
	btc, err := holdings.Add(ctx, portfolio.Holding{ID: "btc", Symbol: "BTC", Shares: decimal.RequireFromString("0.5")})
	require.NoError(t, err)
	aapl.Shares = decimal.NewFromInt(12)
	require.NoError(t, holdings.Update(ctx, aapl))
	require.NoError(t, holdings.Remove(ctx, btc.ID))

	// Assert
	_, err = uuid.Parse(aapl.ID)
	require.NoError(t, err, "Add assigns a uuid")
	require.Equal(t, "btc", btc.ID)
	got, err := holdings.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "AAPL", got[0].Symbol)
	require.True(t, got[0].Shares.Equal(decimal.NewFromInt(12)))
}

func TestCollection_UpdateUnknownID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, storage.Options{})
	cash := storage.NewCollection[portfolio.CashPosition](f.engine, portfolio.Cash)

	err := cash.Update(t.Context(), portfolio.CashPosition{ID: "missing"})

	require.ErrorIs(t, err, storage.ErrNotFound)
}
