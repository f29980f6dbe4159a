package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePairCode(t *testing.T) {
	code, err := GeneratePairCode()
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.NotContains(t, code, "0")
	assert.NotContains(t, code, "O")
}

func TestRedeemIsOneTime(t *testing.T) {
	b := NewBook(time.Minute)
	o, err := b.Offer()
	require.NoError(t, err)

	require.NoError(t, b.Redeem(o.ID, o.Code))
	assert.ErrorIs(t, b.Redeem(o.ID, o.Code), ErrUnknownOffer)
}

func TestWrongCodeBurnsOffer(t *testing.T) {
	b := NewBook(time.Minute)
	o, err := b.Offer()
	require.NoError(t, err)

	assert.ErrorIs(t, b.Redeem(o.ID, "AAAAAAAA"), ErrWrongCode)
	assert.ErrorIs(t, b.Redeem(o.ID, o.Code), ErrUnknownOffer)
}

func TestExpiredOffer(t *testing.T) {
	b := NewBook(time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	o, err := b.Offer()
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, b.Redeem(o.ID, o.Code), ErrExpired)
}
