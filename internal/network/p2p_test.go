package network

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walkie/internal/crypto"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "identity.json")
	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	a, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	b, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLoadOrCreateIdentityEphemeral(t *testing.T) {
	a, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	b, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	assert.False(t, a.Equals(b))
}

func TestMDNSServiceName(t *testing.T) {
	a := MDNSServiceName(crypto.DeriveTopic("room", "s"))
	b := MDNSServiceName(crypto.DeriveTopic("room", "t"))
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "_wk-"))
	assert.True(t, strings.HasSuffix(a, "._udp"))
	label := strings.TrimSuffix(a, "._udp")
	assert.LessOrEqual(t, len(label), 63)
}

func TestParseBootstrapAddr(t *testing.T) {
	_, err := parseBootstrapAddr("/ip4/127.0.0.1/tcp/4001")
	assert.Error(t, err, "address without /p2p/ part")
	_, err = parseBootstrapAddr("not-a-multiaddr")
	assert.Error(t, err)
}

func TestP2PBootstrapLink(t *testing.T) {
	loopback := []string{"/ip4/127.0.0.1/tcp/0"}
	a, err := NewP2PTransport(P2POptions{ListenAddrs: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	aLinks := make(chan Link, 2)
	require.NoError(t, a.Start(context.Background(), func(l Link) { aLinks <- l }))

	b, err := NewP2PTransport(P2POptions{ListenAddrs: loopback, Bootstrap: a.Addrs()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	bLinks := make(chan Link, 2)
	require.NoError(t, b.Start(context.Background(), func(l Link) { bLinks <- l }))

	// the lower peer ID opens the stream; the other side only sees it
	// once the opener writes
	openerLinks, acceptorLinks := aLinks, bLinks
	opener, acceptor := a, b
	if b.PeerID() < a.PeerID() {
		openerLinks, acceptorLinks = bLinks, aLinks
		opener, acceptor = b, a
	}
	lo := waitLink(t, openerLinks)
	assert.Equal(t, acceptor.PeerID(), lo.ID())
	_, err = lo.Write([]byte("hello\n"))
	require.NoError(t, err)

	la := waitLink(t, acceptorLinks)
	assert.Equal(t, opener.PeerID(), la.ID())
	buf := make([]byte, 6)
	_, err = io.ReadFull(la, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf))

	disc, err := b.Join(context.Background(), crypto.DeriveTopic("room", "s"))
	require.NoError(t, err)
	assert.NoError(t, disc.Flushed(context.Background()))
	assert.NoError(t, disc.Close())
}
