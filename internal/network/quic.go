package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"walkie/internal/crypto"
	"walkie/internal/debuglog"
)

const (
	quicALPN             = "walkie-quic"
	quicPreamble         = "walkie-quic/1"
	maxPreambleSize      = 128
	preambleTimeout      = 5 * time.Second
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 8 * time.Second
	defaultQUICListen    = "0.0.0.0:7420"
	defaultConnsPerIP    = 8
	dialLogInterval      = 30 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is shared by every walkie node. It gives the QUIC session
// encryption, not authentication; channel access is gated by topics.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("walkie-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"walkie"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "walkie",
		NextProtos: []string{quicALPN},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type QUICOptions struct {
	ListenAddr    string
	Peers         []string
	MaxConnsPerIP int
	InstanceID    string
	Logger        *zap.Logger
}

// QUICTransport listens on one UDP address and, while at least one topic
// is joined, keeps a link to each configured static peer. Each link is a
// single bidirectional stream. Both ends exchange instance IDs first so
// that a pair of daemons dialing each other settles on one connection:
// the one dialed by the lower instance ID wins.
type QUICTransport struct {
	opts     QUICOptions
	log      *zap.Logger
	id       string
	limiter  *ipLimiter
	dialer   *peerDialer
	logLimit *debuglog.Limiter
	listener *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	onLink     LinkHandler
	links      map[string]*quicLink
	addrIDs    map[string]string
	joins      int
	stopDial   context.CancelFunc
	firstRound chan struct{}
	closed     bool
}

func NewQUICTransport(opts QUICOptions) (*QUICTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaultQUICListen
	}
	if opts.MaxConnsPerIP <= 0 {
		opts.MaxConnsPerIP = defaultConnsPerIP
	}
	id := opts.InstanceID
	if id == "" {
		id = crypto.NewInstanceID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		opts:     opts,
		log:      logger.With(zap.String("transport", "quic")),
		id:       id,
		limiter:  newIPLimiter(opts.MaxConnsPerIP),
		dialer:   newPeerDialer(),
		logLimit: debuglog.NewLimiter(dialLogInterval),
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*quicLink),
		addrIDs:  make(map[string]string),
	}, nil
}

func (t *QUICTransport) InstanceID() string { return t.id }

// Addr returns the bound listen address once Start has succeeded.
func (t *QUICTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *QUICTransport) Start(_ context.Context, onLink LinkHandler) error {
	if onLink == nil {
		return fmt.Errorf("missing link handler")
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(t.opts.ListenAddr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", t.opts.ListenAddr, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = listener.Close()
		return ErrClosed
	}
	t.onLink = onLink
	t.listener = listener
	t.mu.Unlock()
	t.log.Info("quic listen ready", zap.String("addr", listener.Addr().String()), zap.String("instance", t.id))

	t.wg.Add(1)
	go t.acceptLoop(listener)
	return nil
}

func (t *QUICTransport) acceptLoop(listener *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		ip := hostOf(conn.RemoteAddr().String())
		if !t.limiter.acquireConn(ip) {
			t.log.Debug("quic conn over per-ip limit", zap.String("ip", ip), zap.Int("active", t.limiter.active(ip)))
			_ = conn.CloseWithError(0x1, "too many connections")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(conn, ip)
		}()
	}
}

func (t *QUICTransport) handleInbound(conn *quic.Conn, ip string) {
	ctx, cancel := context.WithTimeout(t.ctx, preambleTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.limiter.releaseConn(ip)
		_ = conn.CloseWithError(0x2, "no stream")
		return
	}
	_ = stream.SetDeadline(time.Now().Add(preambleTimeout))
	remoteID, err := readPreamble(stream)
	if err == nil {
		err = writePreamble(stream, t.id)
	}
	_ = stream.SetDeadline(time.Time{})
	if err != nil {
		t.log.Debug("quic inbound preamble failed", zap.Error(err))
		t.limiter.releaseConn(ip)
		_ = conn.CloseWithError(0x2, "bad preamble")
		return
	}
	t.register(&quicLink{conn: conn, stream: stream, t: t, remoteID: remoteID, dialerID: remoteID, inboundIP: ip})
}

// dial connects to addr and completes the preamble exchange.
func (t *QUICTransport) dial(ctx context.Context, addr string) (*quicLink, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeIdleTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	_ = stream.SetDeadline(time.Now().Add(preambleTimeout))
	err = writePreamble(stream, t.id)
	var remoteID string
	if err == nil {
		remoteID, err = readPreamble(stream)
	}
	_ = stream.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.CloseWithError(0x2, "bad preamble")
		return nil, err
	}
	return &quicLink{conn: conn, stream: stream, t: t, remoteID: remoteID, dialerID: t.id, addr: addr}, nil
}

func writePreamble(stream *quic.Stream, id string) error {
	_, err := stream.Write([]byte(quicPreamble + " " + id + "\n"))
	return err
}

// readPreamble reads one byte at a time so nothing past the preamble is
// consumed; the rest of the stream belongs to the link's reader.
func readPreamble(stream *quic.Stream) (string, error) {
	var line []byte
	var b [1]byte
	for len(line) < maxPreambleSize {
		if _, err := stream.Read(b[:]); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			fields := strings.Fields(string(line))
			if len(fields) != 2 || fields[0] != quicPreamble || fields[1] == "" {
				return "", fmt.Errorf("invalid preamble %q", string(line))
			}
			return fields[1], nil
		}
		line = append(line, b[0])
	}
	return "", errors.New("preamble too long")
}

// register installs l unless a link to the same remote instance already
// exists. Between two links to one instance, the one whose dialer has the
// lower instance ID is kept; both ends apply the same rule.
func (t *QUICTransport) register(l *quicLink) {
	if l.remoteID == t.id {
		_ = l.shutdown("self")
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = l.shutdown("closed")
		return
	}
	var evicted *quicLink
	if cur, ok := t.links[l.remoteID]; ok {
		if cur.dialerID <= l.dialerID {
			t.mu.Unlock()
			_ = l.shutdown("duplicate")
			return
		}
		evicted = cur
	}
	t.links[l.remoteID] = l
	onLink := t.onLink
	t.mu.Unlock()
	if evicted != nil {
		_ = evicted.Close()
	}
	t.log.Debug("link up", zap.String("remote", l.remoteID), zap.String("addr", l.Remote()))
	onLink(l)
}

func (t *QUICTransport) forget(l *quicLink) {
	t.mu.Lock()
	if cur, ok := t.links[l.remoteID]; ok && cur == l {
		delete(t.links, l.remoteID)
	}
	t.mu.Unlock()
}

// rememberAddr records which instance answered at addr.
func (t *QUICTransport) rememberAddr(addr, remoteID string) {
	t.mu.Lock()
	t.addrIDs[addr] = remoteID
	t.mu.Unlock()
}

// linkedAddr reports whether addr leads to an instance that is already
// linked, whichever side dialed, or back to this instance.
func (t *QUICTransport) linkedAddr(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.addrIDs[addr]
	if !ok {
		return false
	}
	if id == t.id {
		return true
	}
	_, ok = t.links[id]
	return ok
}

func (t *QUICTransport) Join(_ context.Context, topic crypto.Topic) (Discovery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.joins++
	if t.joins == 1 && len(t.opts.Peers) > 0 {
		ctx, cancel := context.WithCancel(t.ctx)
		t.stopDial = cancel
		t.firstRound = make(chan struct{})
		t.wg.Add(1)
		go t.dialLoop(ctx, t.firstRound)
	}
	return &quicDiscovery{t: t, topic: topic, firstRound: t.firstRound}, nil
}

func (t *QUICTransport) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joins == 0 {
		return
	}
	t.joins--
	if t.joins == 0 && t.stopDial != nil {
		t.stopDial()
		t.stopDial = nil
	}
}

func (t *QUICTransport) dialLoop(ctx context.Context, firstRound chan struct{}) {
	defer t.wg.Done()
	t.dialRound(ctx)
	close(firstRound)
	ticker := time.NewTicker(dialTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.dialRound(ctx)
		}
	}
}

func (t *QUICTransport) dialRound(ctx context.Context) {
	var wg sync.WaitGroup
	for _, addr := range t.opts.Peers {
		if t.linkedAddr(addr) || !t.dialer.shouldTry(addr, time.Now()) {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			l, err := t.dial(ctx, addr)
			if err != nil {
				fails := t.dialer.recordFailure(addr, time.Now())
				if t.logLimit.Allow(addr) {
					t.log.Debug("quic dial failed", zap.String("addr", addr), zap.Int("failures", fails), zap.Error(err))
				}
				return
			}
			t.dialer.resetFailures(addr)
			t.rememberAddr(addr, l.remoteID)
			t.register(l)
		}(addr)
	}
	wg.Wait()
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*quicLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	listener := t.listener
	t.mu.Unlock()
	t.cancel()
	for _, l := range links {
		_ = l.Close()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.wg.Wait()
	return err
}

type quicDiscovery struct {
	t          *QUICTransport
	topic      crypto.Topic
	firstRound chan struct{}
	once       sync.Once
}

func (d *quicDiscovery) Topic() crypto.Topic { return d.topic }

// Flushed waits for the first round of static peer dials to finish.
func (d *quicDiscovery) Flushed(ctx context.Context) error {
	if d.firstRound == nil {
		return ctx.Err()
	}
	select {
	case <-d.firstRound:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *quicDiscovery) Close() error {
	d.once.Do(d.t.leave)
	return nil
}

type quicLink struct {
	conn      *quic.Conn
	stream    *quic.Stream
	t         *QUICTransport
	remoteID  string
	dialerID  string
	addr      string
	inboundIP string
	once      sync.Once
}

func (l *quicLink) ID() string                  { return l.remoteID }
func (l *quicLink) Remote() string              { return l.conn.RemoteAddr().String() }
func (l *quicLink) Read(p []byte) (int, error)  { return l.stream.Read(p) }
func (l *quicLink) Write(p []byte) (int, error) { return l.stream.Write(p) }

func (l *quicLink) Close() error {
	return l.shutdown("closed")
}

func (l *quicLink) shutdown(reason string) error {
	var err error
	l.once.Do(func() {
		_ = l.stream.Close()
		err = l.conn.CloseWithError(0, reason)
		if l.inboundIP != "" {
			l.t.limiter.releaseConn(l.inboundIP)
		}
		l.t.forget(l)
	})
	return err
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
