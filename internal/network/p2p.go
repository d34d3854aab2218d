package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"walkie/internal/crypto"
	"walkie/internal/debuglog"
)

// ProtocolID is the libp2p protocol spoken on every walkie stream.
const ProtocolID = protocol.ID("/walkie/1.0.0")

const (
	p2pConnectTimeout = 10 * time.Second
	p2pStreamTimeout  = 10 * time.Second
)

var DefaultP2PListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

type P2POptions struct {
	ListenAddrs  []string
	Bootstrap    []string
	MDNS         bool
	IdentityPath string
	Logger       *zap.Logger
}

// P2PTransport runs a libp2p host. Every topic gets its own mDNS service,
// so only daemons that derived the same topic find each other on the
// local network; bootstrap peers are dialed directly. One stream per
// remote host is used as the link, opened by the side with the lower
// peer ID so both ends agree on a single stream.
type P2PTransport struct {
	host host.Host
	opts P2POptions
	log  *zap.Logger
	// connect failures for a peer found over mDNS repeat on every announce
	logLimit *debuglog.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	onLink LinkHandler
	links  map[peer.ID]*streamLink
	closed bool
}

func NewP2PTransport(opts P2POptions) (*P2PTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	priv, err := LoadOrCreateIdentity(opts.IdentityPath)
	if err != nil {
		return nil, err
	}
	listen := opts.ListenAddrs
	if len(listen) == 0 {
		listen = DefaultP2PListenAddrs
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &P2PTransport{
		host:     h,
		opts:     opts,
		log:      logger.With(zap.String("transport", "libp2p")),
		logLimit: debuglog.NewLimiter(dialLogInterval),
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[peer.ID]*streamLink),
	}, nil
}

func (t *P2PTransport) PeerID() string {
	return t.host.ID().String()
}

func (t *P2PTransport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+t.host.ID().String())
	}
	return out
}

func (t *P2PTransport) Start(_ context.Context, onLink LinkHandler) error {
	if onLink == nil {
		return fmt.Errorf("missing link handler")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.onLink = onLink
	t.mu.Unlock()

	t.host.SetStreamHandler(ProtocolID, t.handleStream)
	t.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			go t.maybeOpen(c.RemotePeer())
		},
	})
	t.log.Info("libp2p host started", zap.String("peer_id", t.PeerID()), zap.Strings("addrs", t.Addrs()))

	for _, raw := range t.opts.Bootstrap {
		info, err := parseBootstrapAddr(raw)
		if err != nil {
			t.log.Warn("invalid bootstrap address", zap.String("addr", raw), zap.Error(err))
			continue
		}
		go t.connect(*info)
	}
	return nil
}

func parseBootstrapAddr(raw string) (*peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(maddr)
}

func (t *P2PTransport) connect(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, p2pConnectTimeout)
	defer cancel()
	if err := t.host.Connect(ctx, info); err != nil {
		if t.logLimit.Allow(info.ID.String()) {
			t.log.Debug("connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
		}
		return
	}
	t.maybeOpen(info.ID)
}

// maybeOpen opens the walkie stream to pid when this host has the lower
// peer ID and no link exists yet. The other side waits for our stream.
func (t *P2PTransport) maybeOpen(pid peer.ID) {
	if pid == t.host.ID() || t.host.ID().String() >= pid.String() {
		return
	}
	t.mu.Lock()
	_, exists := t.links[pid]
	closed := t.closed
	t.mu.Unlock()
	if exists || closed {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, p2pStreamTimeout)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		t.log.Debug("open stream failed", zap.String("peer", pid.String()), zap.Error(err))
		return
	}
	t.register(pid, s)
}

func (t *P2PTransport) handleStream(s network.Stream) {
	t.register(s.Conn().RemotePeer(), s)
}

func (t *P2PTransport) register(pid peer.ID, s network.Stream) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = s.Reset()
		return
	}
	if _, exists := t.links[pid]; exists {
		t.mu.Unlock()
		_ = s.Reset()
		return
	}
	link := &streamLink{Stream: s, t: t, pid: pid}
	t.links[pid] = link
	onLink := t.onLink
	t.mu.Unlock()
	t.log.Debug("link up", zap.String("peer", pid.String()), zap.String("addr", link.Remote()))
	onLink(link)
}

func (t *P2PTransport) forget(l *streamLink) {
	t.mu.Lock()
	if cur, ok := t.links[l.pid]; ok && cur == l {
		delete(t.links, l.pid)
	}
	t.mu.Unlock()
}

func (t *P2PTransport) Join(_ context.Context, topic crypto.Topic) (Discovery, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	d := &p2pDiscovery{topic: topic}
	if !t.opts.MDNS {
		return d, nil
	}
	svc := mdns.NewMdnsService(t.host, MDNSServiceName(topic), &mdnsNotifee{t: t})
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	d.svc = svc
	return d, nil
}

// MDNSServiceName maps a topic to a DNS-SD service label. Labels are
// limited to 63 bytes, so only a prefix of the topic is used.
func MDNSServiceName(topic crypto.Topic) string {
	return "_wk-" + topic.String()[:32] + "._udp"
}

func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*streamLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()
	t.cancel()
	for _, l := range links {
		_ = l.Close()
	}
	return t.host.Close()
}

type mdnsNotifee struct {
	t *P2PTransport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.t.host.ID() {
		return
	}
	n.t.log.Debug("mdns peer found", zap.String("peer", pi.ID.String()))
	go n.t.connect(pi)
}

type p2pDiscovery struct {
	topic crypto.Topic
	svc   mdns.Service
	once  sync.Once
}

func (d *p2pDiscovery) Topic() crypto.Topic { return d.topic }

// Flushed returns at once: the mDNS responder answers queries as soon as
// it is started.
func (d *p2pDiscovery) Flushed(ctx context.Context) error {
	return ctx.Err()
}

func (d *p2pDiscovery) Close() error {
	var err error
	d.once.Do(func() {
		if d.svc != nil {
			err = d.svc.Close()
		}
	})
	return err
}

type streamLink struct {
	network.Stream
	t    *P2PTransport
	pid  peer.ID
	once sync.Once
}

func (l *streamLink) ID() string { return l.pid.String() }

func (l *streamLink) Remote() string {
	return l.Stream.Conn().RemoteMultiaddr().String()
}

func (l *streamLink) Close() error {
	var err error
	l.once.Do(func() {
		err = l.Stream.Close()
		l.t.forget(l)
	})
	return err
}
