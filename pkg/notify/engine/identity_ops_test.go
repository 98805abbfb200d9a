package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"notify.dev/pkg/notify/identity"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
)

func TestRegistrationLifecycle(t *testing.T) {
	bus := relay.NewMemBus()
	e := newTestEngine(t, bus, nil, "")
	account := testAccount(t)
	ctx := context.Background()

	require.False(t, e.IsRegistered(ctx, account))

	stale, err := e.IsRegistrationStale(ctx, account, "example.com")
	require.NoError(t, err)
	require.True(t, stale, "an account with no recorded statement is stale")

	payload, msg, err := e.PrepareRegistration(ctx, account, "example.com", false)
	require.NoError(t, err)
	require.Contains(t, msg, "example.com")

	require.NoError(t, e.CompleteRegistration(ctx, account, payload, "0xsignature"))
	require.True(t, e.IsRegistered(ctx, account))

	stale, err = e.IsRegistrationStale(ctx, account, "example.com")
	require.NoError(t, err)
	require.False(t, stale)

	stale, err = e.IsRegistrationStale(ctx, account, "other.com")
	require.NoError(t, err)
	require.True(t, stale, "a statement recorded for a different domain is stale")

	require.NoError(t, e.Unregister(ctx, account))
	require.False(t, e.IsRegistered(ctx, account))

	stale, err = e.IsRegistrationStale(ctx, account, "example.com")
	require.NoError(t, err)
	require.True(t, stale, "unregistering must drop the recorded statement")
}

// TestStaleStatementBlocksReregistration reproduces the documented stale
// statement rejection scenario (spec §8 scenario 5): a RegistrationStatement
// clobbered out of band makes is_registered report false and blocks a
// second register until unregister clears it.
func TestStaleStatementBlocksReregistration(t *testing.T) {
	bus := relay.NewMemBus()
	e := newTestEngine(t, bus, nil, "")
	account := testAccount(t)
	ctx := context.Background()

	payload, _, err := e.PrepareRegistration(ctx, account, "example.com", true)
	require.NoError(t, err)
	require.NoError(t, e.CompleteRegistration(ctx, account, payload, "0xsignature"))
	firstIdentity, err := e.deps.Identity.GetIdentity(ctx, account)
	require.NoError(t, err)

	require.NoError(t, e.regs.Put(ctx, store.RegistrationStatement{
		Account: account.String(), Domain: "example.com", Statement: "false statement",
	}))

	stale, err := e.IsRegistrationStale(ctx, account, "example.com")
	require.NoError(t, err)
	require.True(t, stale, "a tampered statement that matches neither form must report stale")

	payload2, _, err := e.PrepareRegistration(ctx, account, "example.com", true)
	require.NoError(t, err)
	err = e.CompleteRegistration(ctx, account, payload2, "0xsignature")
	require.ErrorIs(t, err, ErrStaleStatement)

	require.NoError(t, e.Unregister(ctx, account))
	payload3, _, err := e.PrepareRegistration(ctx, account, "example.com", true)
	require.NoError(t, err)
	require.NoError(t, e.CompleteRegistration(ctx, account, payload3, "0xsignature"))
	secondIdentity, err := e.deps.Identity.GetIdentity(ctx, account)
	require.NoError(t, err)
	require.NotEqual(t, firstIdentity, secondIdentity, "register after unregister must mint a fresh identity key")
}

func TestPublicOperationsRequireInit(t *testing.T) {
	bus := relay.NewMemBus()
	e := newUninitializedEngine(t, bus)
	account := testAccount(t)
	ctx := context.Background()

	_, _, err := e.PrepareRegistration(ctx, account, "example.com", false)
	require.ErrorIs(t, err, ErrNotInitialized)

	err = e.CompleteRegistration(ctx, account, identity.CACAOPayload{}, "sig")
	require.ErrorIs(t, err, ErrNotInitialized)

	err = e.Unregister(ctx, account)
	require.ErrorIs(t, err, ErrNotInitialized)
}
