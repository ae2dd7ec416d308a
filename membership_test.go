package synapse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMembershipDiscovery(t *testing.T) {
	pki := newTestPKI(t)
	a := newTestBus(t, pki, "agent-a", WithMembership("127.0.0.1", 0))
	b := newTestBus(t, pki, "agent-b",
		WithMembership("127.0.0.1", 0),
		WithTrustPeerKeys(true),
	)

	require.NoError(t, b.JoinCluster(a.members.ml.LocalNode().Address()))

	require.Eventually(t, func() bool {
		return len(b.Discovered("agent-a")) == 1 && len(a.Discovered("agent-b")) == 1
	}, 5*time.Second, 50*time.Millisecond)

	info := b.Discovered("agent-a")[0]
	require.Equal(t, a.addr(), info.Addr, "meta advertises the bus address, not the membership one")
	require.Equal(t, a.signer.KeyID(), info.KeyID)

	_, trusted := b.Verifier().Key(a.signer.KeyID())
	require.True(t, trusted)
	_, trusted = a.Verifier().Key(b.signer.KeyID())
	require.False(t, trusted, "only buses trusting peer keys learn them")

	members, err := b.Members()
	require.NoError(t, err)
	require.Len(t, members, 2)

	ctx := testContext(t)
	client, err := b.DialPeer(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, Hostname("agent-a"), client.Peer().Hostname())

	_, err = b.DialPeer(ctx, "agent-z")
	require.ErrorIs(t, err, ErrInvalidAddr)

	require.NoError(t, a.Shutdown())
	require.Eventually(t, func() bool {
		return len(b.Discovered("agent-a")) == 0
	}, 10*time.Second, 100*time.Millisecond, "leaving forgets the peer")
}

func TestMembershipDisabled(t *testing.T) {
	pki := newTestPKI(t)
	a := newTestBus(t, pki, "agent-a")

	require.ErrorIs(t, a.JoinCluster(), ErrNoMembership)
	_, err := a.Members()
	require.ErrorIs(t, err, ErrNoMembership)
}
