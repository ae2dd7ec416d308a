package synapse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryConns(t *testing.T) {
	dir := newDirectory()
	planner1, planner2, critic := &Conn{}, &Conn{}, &Conn{}

	dir.addConn("planner", planner1)
	dir.addConn("planner", planner2)
	dir.addConn("critic", critic)

	require.ElementsMatch(t, []*Conn{planner1, planner2}, dir.connsWithPrefix("plan"))
	require.ElementsMatch(t, []*Conn{planner1, planner2, critic}, dir.connsWithPrefix(""))
	require.Empty(t, dir.connsWithPrefix("verifier"))

	require.True(t, dir.removeConn(planner1))
	require.False(t, dir.removeConn(planner1))
	require.Equal(t, []*Conn{planner2}, dir.connsWithPrefix("planner"))
}

func TestDirectoryPeers(t *testing.T) {
	dir := newDirectory()

	info := PeerInfo{Name: "critic-1", Addr: "10.0.0.1:7000", KeyID: "k1"}
	require.True(t, dir.learn(info))
	require.False(t, dir.learn(info), "learning the same thing twice is not a change")

	moved := info
	moved.Addr = "10.0.0.9:7000"
	require.True(t, dir.learn(moved))
	require.True(t, dir.learn(PeerInfo{Name: "critic-2"}))
	require.True(t, dir.learn(PeerInfo{Name: "planner"}))

	got, ok := dir.lookup("critic-1")
	require.True(t, ok)
	require.Equal(t, moved, got)

	require.Len(t, dir.peersWithPrefix("critic-"), 2)

	old, ok := dir.forget("critic-1")
	require.True(t, ok)
	require.Equal(t, moved, old)
	_, ok = dir.forget("critic-1")
	require.False(t, ok)
	_, ok = dir.lookup("critic-1")
	require.False(t, ok)
	require.Len(t, dir.peersWithPrefix("critic-"), 1)
}
