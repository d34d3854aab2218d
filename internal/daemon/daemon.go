package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"walkie/internal/crypto"
	"walkie/internal/debuglog"
	"walkie/internal/metrics"
	"walkie/internal/network"
)

// DefaultClientID is used for control requests that carry no clientId.
const DefaultClientID = "default"

const (
	defaultFlushTimeout  = 10 * time.Second
	defaultPeerRate      = 200
	defaultPeerBurst     = 400
	defaultOutboundQueue = 256

	// repeated drops for one peer and reason are logged once per interval
	dropLogInterval = 10 * time.Second
)

type Options struct {
	Transport network.Transport
	// ID is the daemon identity advertised to peers; generated when empty.
	ID      string
	Scope   string
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	FlushTimeout  time.Duration
	PeerRate      float64
	PeerBurst     int
	OutboundQueue int
}

// Daemon owns the channel registry, the peer links and the subscription
// broker. All of that state sits behind mu; transport calls are made with
// mu released because transports may call back into handleLink
// synchronously.
type Daemon struct {
	id       string
	scope    string
	tr       network.Transport
	log      *zap.Logger
	metrics  *metrics.Metrics
	logLimit *debuglog.Limiter

	flushTimeout  time.Duration
	peerRate      float64
	peerBurst     int
	outboundQueue int

	// joinMu orders channel creation against teardown; discovery flushes
	// run outside it.
	joinMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*channel
	byTopic  map[crypto.Topic]*channel
	pending  map[string]*pendingJoin
	peers    map[string]*peerLink
	started  bool
	closed   bool
}

func New(opts Options) (*Daemon, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	id := opts.ID
	if id == "" {
		id = crypto.NewDaemonID()
	}
	d := &Daemon{
		id:            id,
		scope:         opts.Scope,
		tr:            opts.Transport,
		log:           logger,
		metrics:       m,
		logLimit:      debuglog.NewLimiter(dropLogInterval),
		flushTimeout:  opts.FlushTimeout,
		peerRate:      opts.PeerRate,
		peerBurst:     opts.PeerBurst,
		outboundQueue: opts.OutboundQueue,
		channels:      make(map[string]*channel),
		byTopic:       make(map[crypto.Topic]*channel),
		pending:       make(map[string]*pendingJoin),
		peers:         make(map[string]*peerLink),
	}
	if d.flushTimeout <= 0 {
		d.flushTimeout = defaultFlushTimeout
	}
	if d.peerRate <= 0 {
		d.peerRate = defaultPeerRate
	}
	if d.peerBurst <= 0 {
		d.peerBurst = defaultPeerBurst
	}
	if d.outboundQueue <= 0 {
		d.outboundQueue = defaultOutboundQueue
	}
	return d, nil
}

func (d *Daemon) ID() string                { return d.id }
func (d *Daemon) Scope() string             { return d.scope }
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// Start hands the link callback to the transport.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()
	if err := d.tr.Start(ctx, d.handleLink); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	d.log.Info("daemon started", zap.String("id", d.id), zap.String("scope", d.scope))
	return nil
}

// Close resolves every pending read with an empty result, releases all
// discovery handles and peer links, then closes the transport.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var discs []network.Discovery
	for _, ch := range d.channels {
		for _, sub := range ch.subs {
			d.resolveWaitersLocked(sub)
		}
		discs = append(discs, ch.disc)
	}
	peers := make([]*peerLink, 0, len(d.peers))
	for _, p := range d.peers {
		d.detachPeerLocked(p)
		peers = append(peers, p)
	}
	d.channels = make(map[string]*channel)
	d.byTopic = make(map[crypto.Topic]*channel)
	d.metrics.SetChannels(0)
	d.mu.Unlock()

	var err error
	for _, disc := range discs {
		err = multierr.Append(err, disc.Close())
	}
	for _, p := range peers {
		err = multierr.Append(err, p.close())
	}
	err = multierr.Append(err, d.tr.Close())
	d.log.Info("daemon stopped", zap.Error(err))
	return err
}

func clientKey(id string) string {
	if id == "" {
		return DefaultClientID
	}
	return id
}
