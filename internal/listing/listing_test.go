package listing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySourceGet(t *testing.T) {
	src := NewMemorySource()
	src.Put(&Listing{
		ID:       "lst_1",
		SellerID: "u_seller",
		Title:    "@cryptonews",
		Kind:     KindChannel,
		Price:    "250.000000000",
		Currency: "TON",
		Active:   true,
	})

	got, err := src.Get(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.Equal(t, "u_seller", got.SellerID)
	assert.Equal(t, KindChannel, got.Kind)
	assert.Equal(t, "250.000000000", got.Price)
}

func TestMemorySourceNotFound(t *testing.T) {
	src := NewMemorySource()
	_, err := src.Get(context.Background(), "lst_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySourceCopiesOnReadAndWrite(t *testing.T) {
	src := NewMemorySource()
	in := &Listing{ID: "lst_1", Title: "original", Active: true}
	src.Put(in)

	// Mutating the value passed to Put must not leak into the source.
	in.Title = "mutated"
	got, err := src.Get(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Title)

	// Mutating a returned value must not leak either.
	got.Active = false
	again, err := src.Get(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.True(t, again.Active)
}
