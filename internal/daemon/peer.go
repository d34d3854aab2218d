package daemon

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"walkie/internal/crypto"
	"walkie/internal/network"
	"walkie/internal/proto"
)

// peerLink wraps one transport link. The relation fields (channels,
// known) are guarded by Daemon.mu; out and done belong to the writer.
type peerLink struct {
	id       string
	link     network.Link
	remoteID string
	channels map[string]*channel
	// known holds the topics from the remote's latest hello, kept for
	// matching channels opened later.
	known   map[string]struct{}
	limiter *rate.Limiter

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (d *Daemon) newPeerLink(l network.Link) *peerLink {
	return &peerLink{
		id:       l.ID(),
		link:     l,
		channels: make(map[string]*channel),
		known:    make(map[string]struct{}),
		limiter:  rate.NewLimiter(rate.Limit(d.peerRate), d.peerBurst),
		out:      make(chan []byte, d.outboundQueue),
		done:     make(chan struct{}),
	}
}

// enqueue never blocks; a full queue reports false.
func (p *peerLink) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *peerLink) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			if _, err := p.link.Write(frame); err != nil {
				_ = p.close()
				return
			}
		}
	}
}

func (p *peerLink) close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.link.Close()
	})
	return err
}

func (p *peerLink) label() string {
	if p.remoteID != "" {
		return p.remoteID
	}
	return p.id
}

// handleLink is the transport callback for every new link.
func (d *Daemon) handleLink(l network.Link) {
	p := d.newPeerLink(l)
	var replaced *peerLink

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = l.Close()
		return
	}
	if old, ok := d.peers[p.id]; ok {
		d.detachPeerLocked(old)
		replaced = old
	}
	d.peers[p.id] = p
	d.metrics.PeerConnected()
	hello, err := d.helloLocked()
	if err == nil && p.enqueue(hello) {
		d.metrics.IncHelloSent()
	}
	topics := len(d.channels)
	d.mu.Unlock()

	if replaced != nil {
		_ = replaced.close()
	}
	d.log.Info("peer connected", zap.String("peer", p.id), zap.String("remote", l.Remote()), zap.Int("topics", topics))
	go p.writeLoop()
	go d.readLoop(p)
}

func (d *Daemon) readLoop(p *peerLink) {
	defer d.removePeer(p)
	r := proto.NewLineReader(p.link, proto.MaxFrameSize)
	for {
		frame, err := r.Next()
		if errors.Is(err, proto.ErrFrameTooLarge) {
			d.dropFrame(p, "oversize", err)
			continue
		}
		if err != nil {
			return
		}
		if !p.limiter.Allow() {
			d.dropFrame(p, "rate", nil)
			continue
		}
		d.handleFrame(p, frame)
	}
}

func (d *Daemon) handleFrame(p *peerLink, frame []byte) {
	typ, _ := proto.PeekType(frame)
	switch typ {
	case proto.MsgTypeHello:
		m, err := proto.DecodeHelloMsg(frame)
		if err != nil {
			d.dropFrame(p, "bad_hello", err)
			return
		}
		d.onHello(p, m)
	case proto.MsgTypeMsg:
		m, err := proto.DecodeChanMsg(frame)
		if err != nil {
			d.dropFrame(p, "bad_msg", err)
			return
		}
		d.onChanMsg(p, m)
	default:
		d.dropFrame(p, "unknown_type", nil)
	}
}

func (d *Daemon) dropFrame(p *peerLink, reason string, err error) {
	d.metrics.IncDropByReason(reason)
	if !d.logLimit.Allow(p.id + "|" + reason) {
		return
	}
	d.log.Debug("dropped peer frame", zap.String("peer", p.id), zap.String("reason", reason), zap.Error(err))
}

func (d *Daemon) onHello(p *peerLink, m proto.HelloMsg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peers[p.id] != p {
		return
	}
	d.metrics.IncHelloRecv()
	p.remoteID = m.ID
	p.known = make(map[string]struct{}, len(m.Topics))
	for _, t := range m.Topics {
		p.known[t] = struct{}{}
	}
	d.log.Debug("got hello", zap.String("peer", p.id), zap.String("remote_id", m.ID), zap.Int("topics", len(m.Topics)))
	d.matchPeerLocked(p, false)
}

func (d *Daemon) matchPeerLocked(p *peerLink, late bool) {
	for name, ch := range d.channels {
		if ch.closing {
			continue
		}
		if _, ok := p.known[ch.topicHex]; !ok {
			continue
		}
		if !link(ch, p) {
			continue
		}
		if late {
			d.metrics.IncLateMatch()
			d.log.Info("late-matched channel", zap.String("channel", name), zap.String("peer", p.label()))
		} else {
			d.metrics.IncMatch()
			d.log.Info("matched channel", zap.String("channel", name), zap.String("peer", p.label()))
		}
	}
}

func (d *Daemon) onChanMsg(p *peerLink, m proto.ChanMsg) {
	from := m.ID
	if from == "" {
		from = p.label()
		if len(from) > 8 {
			from = from[:8]
		}
	}
	ts := m.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.lookupTopicLocked(m.Topic)
	if ch == nil {
		d.dropFrame(p, "unknown_topic", nil)
		return
	}
	d.metrics.IncReceived()
	n := d.deliverLocked(ch, proto.Message{From: from, Data: m.Payload, TS: ts}, "")
	d.metrics.IncDeliveredLocal(n)
}

func (d *Daemon) lookupTopicLocked(hex string) *channel {
	topic, err := crypto.ParseTopic(hex)
	if err != nil {
		return nil
	}
	ch, ok := d.byTopic[topic]
	if !ok || ch.closing {
		return nil
	}
	return ch
}

func (d *Daemon) helloLocked() ([]byte, error) {
	topics := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		if !ch.closing {
			topics = append(topics, ch.topicHex)
		}
	}
	sort.Strings(topics)
	return proto.EncodeHelloMsg(proto.HelloMsg{Topics: topics, ID: d.id})
}

// sendLocked queues frame on p. A peer whose queue is full is dropped.
func (d *Daemon) sendLocked(p *peerLink, frame []byte) bool {
	if p.enqueue(frame) {
		return true
	}
	d.log.Warn("peer outbound queue full, closing link", zap.String("peer", p.label()))
	d.metrics.IncDropByReason("queue_full")
	d.detachPeerLocked(p)
	go p.close()
	return false
}

// detachPeerLocked unlinks p from every channel, then forgets it.
func (d *Daemon) detachPeerLocked(p *peerLink) bool {
	if d.peers[p.id] != p {
		return false
	}
	for _, ch := range p.channels {
		unlink(ch, p)
	}
	delete(d.peers, p.id)
	d.metrics.PeerClosed()
	return true
}

func (d *Daemon) removePeer(p *peerLink) {
	d.mu.Lock()
	detached := d.detachPeerLocked(p)
	d.mu.Unlock()
	_ = p.close()
	if detached {
		d.log.Info("peer closed", zap.String("peer", p.label()))
	}
}

// PeerCount returns the number of live peer links.
func (d *Daemon) PeerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}
