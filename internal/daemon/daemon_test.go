package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"walkie/internal/crypto"
	"walkie/internal/network"
	"walkie/internal/proto"
	"walkie/internal/testutil"
)

const waitFor = 3 * time.Second

func newMemDaemon(t *testing.T, hub *network.MemHub, name string) *Daemon {
	t.Helper()
	d, err := New(Options{Transport: hub.Transport(name), ID: name, FlushTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func peersOn(d *Daemon, channel string) int {
	return d.Status()[channel].Peers
}

func requireMatched(t *testing.T, channel string, want int, ds ...*Daemon) {
	t.Helper()
	for _, d := range ds {
		d := d
		require.Eventually(t, func() bool { return peersOn(d, channel) == want }, waitFor, 5*time.Millisecond,
			"daemon %s: expected %d peer(s) on %s", d.ID(), want, channel)
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHandshakeMatchesWhenJoiningSequentially(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s3cret", ""))
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s3cret", ""))
	requireMatched(t, "room", 1, a, b)
}

func TestHandshakeMatchesWhenLinkPrecedesChannels(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, hub.Connect("alice", "bob"))
	require.Eventually(t, func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 }, waitFor, 5*time.Millisecond)

	// Both hellos were empty; only re-announcement and late matching can
	// pair the channels now.
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s3cret", ""))
	require.NoError(t, a.CreateOrJoin(ctx, "room", "s3cret", ""))
	requireMatched(t, "room", 1, a, b)
}

func TestHandshakeMatchesConcurrentJoins(t *testing.T) {
	for i := 0; i < 20; i++ {
		hub := network.NewMemHub()
		a := newMemDaemon(t, hub, "alice")
		b := newMemDaemon(t, hub, "bob")
		require.NoError(t, hub.Connect("alice", "bob"))

		errs := make(chan error, 2)
		go func() { errs <- a.CreateOrJoin(context.Background(), "room", "s", "") }()
		go func() { errs <- b.CreateOrJoin(context.Background(), "room", "s", "") }()
		require.NoError(t, <-errs)
		require.NoError(t, <-errs)
		requireMatched(t, "room", 1, a, b)
	}
}

func TestWrongSecretNeverMatches(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "one", ""))
	require.NoError(t, b.CreateOrJoin(ctx, "room", "two", ""))
	require.NoError(t, hub.Connect("alice", "bob"))
	require.Eventually(t, func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 }, waitFor, 5*time.Millisecond)

	assert.Never(t, func() bool { return peersOn(a, "room") > 0 || peersOn(b, "room") > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	n, err := a.Send("room", "hello?", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMatchOnlySharedChannels(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))
	require.NoError(t, a.CreateOrJoin(ctx, "other", "s", ""))
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s", ""))
	requireMatched(t, "room", 1, a, b)
	assert.Equal(t, 0, peersOn(a, "other"))
}

func TestRemoteMessageReachesWaitingReader(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s3cret", ""))
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s3cret", ""))
	requireMatched(t, "room", 1, a, b)

	got := make(chan []proto.Message, 1)
	go func() {
		msgs, err := b.Read(ctx, "room", "", true, 5*time.Second)
		assert.NoError(t, err)
		got <- msgs
	}()
	require.Eventually(t, func() bool { return b.Metrics().Snapshot().Waiters == 1 }, waitFor, 5*time.Millisecond)

	n, err := a.Send("room", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := testutil.Recv(t, got, waitFor)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].From)
	assert.Equal(t, "hi", msgs[0].Data)
	assert.NotZero(t, msgs[0].TS)
}

func TestSendCountsLocalAndRemoteRecipients(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	c := newMemDaemon(t, hub, "carol")
	ctx := context.Background()

	for _, client := range []string{"c1", "c2", "c3"} {
		require.NoError(t, a.CreateOrJoin(ctx, "room", "s", client))
	}
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s", ""))
	require.NoError(t, c.CreateOrJoin(ctx, "room", "s", ""))
	requireMatched(t, "room", 2, a)

	n, err := a.Send("room", "fan-out", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2+2, n)

	for _, client := range []string{"c2", "c3"} {
		msgs, err := a.Read(ctx, "room", client, false, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, client)
		assert.Equal(t, "c1", msgs[0].From)
	}
	msgs, err := a.Read(ctx, "room", "c1", false, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "sender must not receive its own message")

	for _, d := range []*Daemon{b, c} {
		d := d
		require.Eventually(t, func() bool { return d.Status()["room"].Buffered == 1 }, waitFor, 5*time.Millisecond)
	}
}

func TestPeerCloseUnlinksChannels(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s", ""))
	requireMatched(t, "room", 1, a, b)

	hub.Disconnect("alice", "bob")
	requireMatched(t, "room", 0, a, b)
	require.Eventually(t, func() bool { return a.PeerCount() == 0 && b.PeerCount() == 0 }, waitFor, 5*time.Millisecond)

	// a fresh link is negotiated from scratch
	require.NoError(t, hub.Connect("alice", "bob"))
	requireMatched(t, "room", 1, a, b)
}

func TestJoinIsIdempotent(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))
	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))
	assert.Equal(t, proto.ChannelStatus{Subscribers: 1}, a.Status()["room"])
	assert.Equal(t, 1, hub.Transport("alice").Topics())

	err := a.CreateOrJoin(ctx, "room", "other", "")
	assert.ErrorIs(t, err, ErrSecretMismatch)
}

func TestJoinMissingFields(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	ctx := context.Background()

	err := a.CreateOrJoin(ctx, "", "s", "")
	assert.ErrorIs(t, err, ErrMissingField)
	assert.EqualError(t, err, "missing field: channel")
	err = a.CreateOrJoin(ctx, "room", "", "")
	assert.EqualError(t, err, "missing field: secret")
}

func TestLeaveTearsDownWithLastSubscriber(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	ctx := context.Background()
	tr := hub.Transport("alice")

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", "x"))
	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", "y"))

	require.NoError(t, a.Leave("room", "x"))
	assert.Contains(t, a.Status(), "room")
	assert.Equal(t, 1, tr.Topics())

	require.NoError(t, a.Leave("room", "y"))
	assert.NotContains(t, a.Status(), "room")
	assert.Equal(t, 0, tr.Topics())

	assert.NoError(t, a.Leave("room", "y"))
	assert.NoError(t, a.Leave("never-joined", ""))

	_, err := a.Send("room", "late", "")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestLeaveUnlinksPeers(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	b := newMemDaemon(t, hub, "bob")
	ctx := context.Background()

	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))
	require.NoError(t, b.CreateOrJoin(ctx, "room", "s", ""))
	requireMatched(t, "room", 1, a, b)

	require.NoError(t, a.Leave("room", ""))
	a.mu.Lock()
	for _, p := range a.peers {
		assert.Empty(t, p.channels)
	}
	a.mu.Unlock()

	// rejoining re-announces the topic to the peer that is still linked
	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))
	requireMatched(t, "room", 1, a)
}

func TestRawPeerFrames(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	ctx := context.Background()
	require.NoError(t, a.CreateOrJoin(ctx, "room", "s", ""))

	raw := hub.Transport("raw")
	links := make(chan network.Link, 1)
	require.NoError(t, raw.Start(ctx, func(l network.Link) { links <- l }))
	require.NoError(t, hub.Connect("alice", "raw"))
	l := <-links
	defer l.Close()

	// the daemon greets first with its topics
	first, err := proto.NewLineReader(l, 0).Next()
	require.NoError(t, err)
	hello, err := proto.DecodeHelloMsg(first)
	require.NoError(t, err)
	topic := crypto.DeriveTopic("room", "s").String()
	assert.Equal(t, []string{topic}, hello.Topics)
	assert.Equal(t, "alice", hello.ID)

	frames := []any{
		"garbage",
		map[string]any{"type": "nope"},
		proto.ChanMsg{Type: proto.MsgTypeMsg, Topic: crypto.DeriveTopic("elsewhere", "s").String(), Payload: "lost", ID: "zed", TS: 1},
		proto.HelloMsg{Type: proto.MsgTypeHello, Topics: []string{topic}, ID: "zed"},
		proto.ChanMsg{Type: proto.MsgTypeMsg, Topic: topic, Payload: "found", ID: "zed", TS: 42},
	}
	for _, f := range frames {
		if s, ok := f.(string); ok {
			_, err = l.Write([]byte(s + "\n"))
		} else {
			err = proto.WriteLine(l, f)
		}
		require.NoError(t, err)
	}

	msgs, err := a.Read(ctx, "room", "", true, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, proto.Message{From: "zed", Data: "found", TS: 42}, msgs[0])
	assert.Equal(t, 1, peersOn(a, "room"))

	drops := a.Metrics().Snapshot().DropByReason
	assert.Equal(t, uint64(1), drops["unknown_topic"])
	assert.Equal(t, uint64(2), drops["unknown_type"])
}

// heldFlush makes discovery of one topic flush only once release closes.
type heldFlush struct {
	network.Transport
	topic   crypto.Topic
	release chan struct{}
}

func (h *heldFlush) Join(ctx context.Context, topic crypto.Topic) (network.Discovery, error) {
	disc, err := h.Transport.Join(ctx, topic)
	if err != nil || topic != h.topic {
		return disc, err
	}
	return &heldDiscovery{Discovery: disc, release: h.release}, nil
}

type heldDiscovery struct {
	network.Discovery
	release chan struct{}
}

func (h *heldDiscovery) Flushed(ctx context.Context) error {
	select {
	case <-h.release:
		return h.Discovery.Flushed(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowFlushDoesNotBlockOtherChannels(t *testing.T) {
	hub := network.NewMemHub()
	tr := &heldFlush{Transport: hub.Transport("alice"), topic: crypto.DeriveTopic("slow", "s"), release: make(chan struct{})}
	d, err := New(Options{Transport: tr, ID: "alice", FlushTimeout: time.Minute})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- d.CreateOrJoin(ctx, "slow", "s", "a") }()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.pending["slow"] != nil
	}, waitFor, time.Millisecond)

	testutil.WithTimeout(t, time.Second, func() {
		assert.NoError(t, d.CreateOrJoin(ctx, "fast", "s", "a"))
		assert.NoError(t, d.Leave("fast", "a"))
		assert.ErrorIs(t, d.CreateOrJoin(ctx, "slow", "other", "b"), ErrSecretMismatch)
	})

	second := make(chan error, 1)
	go func() { second <- d.CreateOrJoin(ctx, "slow", "s", "b") }()
	close(tr.release)
	require.NoError(t, testutil.Recv(t, first, waitFor))
	require.NoError(t, testutil.Recv(t, second, waitFor))

	st := d.Status()
	assert.Equal(t, 2, st["slow"].Subscribers)
	assert.NotContains(t, st, "fast")
}

func TestRepeatedDropsLogOncePerInterval(t *testing.T) {
	hub := network.NewMemHub()
	core, logs := observer.New(zap.DebugLevel)
	a, err := New(Options{Transport: hub.Transport("alice"), ID: "alice", Logger: zap.New(core)})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })

	raw := hub.Transport("raw")
	links := make(chan network.Link, 1)
	require.NoError(t, raw.Start(context.Background(), func(l network.Link) { links <- l }))
	require.NoError(t, hub.Connect("alice", "raw"))
	l := testutil.Recv(t, links, waitFor)
	defer l.Close()
	_, err = proto.NewLineReader(l, 0).Next()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = l.Write([]byte("garbage\n"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return a.Metrics().Snapshot().DropByReason["unknown_type"] == 5
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("dropped peer frame").Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := network.NewMemHub()
	a := newMemDaemon(t, hub, "alice")
	require.NoError(t, a.CreateOrJoin(context.Background(), "room", "s", ""))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.CreateOrJoin(context.Background(), "x", "s", "")
	assert.ErrorIs(t, err, ErrClosed)
}
