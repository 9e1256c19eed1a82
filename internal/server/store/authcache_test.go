package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingAccess wraps a backend and fails every mutation, to verify the
// cache is not updated when the store write fails.
type failingAccess struct {
	AccessRepository
}

var errDown = errors.New("db down")

func (f *failingAccess) AddBan(context.Context, Ban) error { return errDown }
func (f *failingAccess) AddOperator(context.Context, string) error { return errDown }
func (f *failingAccess) SetWhitelistEnabled(context.Context, bool) error { return errDown }

func TestAuthCache_WarmLoadsState(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryManager().Access()
	require.NoError(t, backend.AddBan(ctx, Ban{Username: "mallory", IP: "10.0.0.9"}))
	require.NoError(t, backend.AddWhitelist(ctx, "alice"))
	require.NoError(t, backend.AddOperator(ctx, "root"))
	require.NoError(t, backend.SetWhitelistEnabled(ctx, true))

	c := NewAuthCache(backend)
	require.NoError(t, c.Warm(ctx))

	banned, err := c.IsBanned(ctx, "mallory")
	require.NoError(t, err)
	assert.True(t, banned)
	banned, err = c.IsBanned(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.True(t, c.Whitelisted("alice"))
	assert.True(t, c.IsOperator("root"))
	on, err := c.WhitelistEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestAuthCache_WriteThrough(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryManager().Access()
	c := NewAuthCache(backend)
	require.NoError(t, c.Warm(ctx))

	require.NoError(t, c.AddOperator(ctx, "root"))
	assert.True(t, c.IsOperator("root"))

	// The mutation must be visible in the backing store too.
	ops, err := backend.Operators(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, ops)

	require.NoError(t, c.RemoveOperator(ctx, "root"))
	assert.False(t, c.IsOperator("root"))
	ops, err = backend.Operators(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestAuthCache_FailedWriteLeavesCacheUnchanged(t *testing.T) {
	ctx := context.Background()
	c := NewAuthCache(&failingAccess{NewMemoryManager().Access()})
	require.NoError(t, c.Warm(ctx))

	require.ErrorIs(t, c.AddBan(ctx, Ban{Username: "alice"}), errDown)
	banned, err := c.IsBanned(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, banned)

	require.ErrorIs(t, c.AddOperator(ctx, "root"), errDown)
	assert.False(t, c.IsOperator("root"))
}

func TestAuthCache_BanUnbanRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewAuthCache(NewMemoryManager().Access())
	require.NoError(t, c.Warm(ctx))

	require.NoError(t, c.AddBan(ctx, Ban{Username: "alice", IP: "10.0.0.7", Reason: "spam"}))
	require.NoError(t, c.AddBan(ctx, Ban{Username: "alice", Reason: "dup"}))

	bans, err := c.ListBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "spam", bans[0].Reason)

	require.NoError(t, c.RemoveBan(ctx, "alice"))
	banned, err := c.IsBanned(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.False(t, banned)
}
