package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosition(t *testing.T) {
	testCases := []struct {
		name   string
		width  int
		err    error
		layout Layout
		want   Bounds
	}{
		{
			name:  "right aligned",
			width: 2560,
			want:  Bounds{Left: 2560 - 360 - 20, Top: 80, Width: 360, Height: 600},
		},
		{
			name:  "query failed uses fallback",
			width: 2560,
			err:   errors.New("no display"),
			want:  Bounds{Left: 1920 - 360 - 20, Top: 80, Width: 360, Height: 600},
		},
		{
			name: "unknown width uses fallback",
			want: Bounds{Left: 1920 - 360 - 20, Top: 80, Width: 360, Height: 600},
		},
		{
			name:   "narrow screen clamps to zero",
			width:  300,
			layout: Layout{Width: 400, Height: 500, Top: 10, Margin: 20, FallbackScreenWidth: 1280},
			want:   Bounds{Left: 0, Top: 10, Width: 400, Height: 500},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Position(tc.width, tc.err, tc.layout))
		})
	}
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)

	_, err := r.ScreenWidth(ctx)
	require.ErrorIs(t, err, ErrNoDisplay)
	r.SetScreenWidth(1440)
	w, err := r.ScreenWidth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1440, w)

	closed := make(chan ID, 4)
	sub := r.SubscribeClosed(closed)
	defer sub.Unsubscribe()

	id1, err := r.Create(ctx, CreateOptions{URL: "approval.html?kind=signature&requestId=sign_1"})
	require.NoError(t, err)
	id2, err := r.Create(ctx, CreateOptions{URL: "approval.html?kind=transaction&requestId=tx_1"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, id2, cur.ID)

	require.NoError(t, r.Focus(ctx, id1))
	cur, _ = r.Current()
	assert.Equal(t, id1, cur.ID)

	require.NoError(t, r.Close(ctx, id1))
	assert.ErrorIs(t, r.Close(ctx, id1), ErrNoWindow)

	select {
	case got := <-closed:
		assert.Equal(t, id1, got)
	case <-time.After(time.Second):
		t.Fatal("close event not delivered")
	}
	assert.Len(t, closed, 0)

	exists, err := r.Exists(ctx, id1)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, r.Focus(ctx, id1), ErrNoWindow)
	assert.Len(t, r.Open(), 1)
}
