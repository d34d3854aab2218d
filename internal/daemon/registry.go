package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"walkie/internal/crypto"
	"walkie/internal/network"
	"walkie/internal/proto"
)

type channel struct {
	name     string
	topic    crypto.Topic
	topicHex string
	disc     network.Discovery
	peers    map[string]*peerLink
	subs     map[string]*subscriber
	// closing is set once teardown has started; the channel no longer
	// accepts sends, reads or matches.
	closing bool
}

// pendingJoin marks a channel whose discovery is still flushing. Later
// joins of the same name wait on done instead of joining the topic twice.
type pendingJoin struct {
	topic crypto.Topic
	done  chan struct{}
}

// CreateOrJoin opens channel name if needed and registers clientID as a
// subscriber. Joining an open channel again with the same secret is a
// no-op; with another secret it fails with ErrSecretMismatch. The
// discovery flush runs without joinMu held, so it does not hold up joins
// and leaves of other channels.
func (d *Daemon) CreateOrJoin(ctx context.Context, name, secret, clientID string) error {
	if name == "" {
		return fmt.Errorf("%w: channel", ErrMissingField)
	}
	if secret == "" {
		return fmt.Errorf("%w: secret", ErrMissingField)
	}
	client := clientKey(clientID)
	topic := crypto.DeriveTopic(name, secret)

	pj, err := d.claimJoin(ctx, name, topic, client)
	if pj == nil || err != nil {
		return err
	}
	defer func() {
		d.mu.Lock()
		delete(d.pending, name)
		close(pj.done)
		d.mu.Unlock()
	}()

	d.log.Info("joining channel", zap.String("channel", name), zap.String("topic", topic.Short()))
	disc, err := d.tr.Join(ctx, topic)
	if err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	fctx, cancel := context.WithTimeout(ctx, d.flushTimeout)
	err = disc.Flushed(fctx)
	cancel()
	if err != nil {
		d.log.Warn("channel discovery not flushed", zap.String("channel", name), zap.Error(err))
	} else {
		d.log.Info("channel flushed, discoverable", zap.String("channel", name))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = disc.Close()
		return ErrClosed
	}
	ch := &channel{
		name:     name,
		topic:    topic,
		topicHex: topic.String(),
		disc:     disc,
		peers:    make(map[string]*peerLink),
		subs:     make(map[string]*subscriber),
	}
	d.channels[name] = ch
	d.byTopic[topic] = ch
	d.ensureSubscriberLocked(ch, client)
	d.metrics.SetChannels(len(d.channels))
	d.localTopicsChangedLocked()
	return nil
}

// claimJoin subscribes client to an open channel and returns nil, or
// registers and returns a pendingJoin the caller must complete. It waits
// out another caller's pending join of the same name.
func (d *Daemon) claimJoin(ctx context.Context, name string, topic crypto.Topic, client string) (*pendingJoin, error) {
	for {
		d.joinMu.Lock()
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			d.joinMu.Unlock()
			return nil, ErrClosed
		}
		if ch, ok := d.channels[name]; ok {
			var err error
			if ch.topic != topic {
				err = fmt.Errorf("%w: %s", ErrSecretMismatch, name)
			} else {
				d.ensureSubscriberLocked(ch, client)
			}
			d.mu.Unlock()
			d.joinMu.Unlock()
			return nil, err
		}
		other, busy := d.pending[name]
		if !busy {
			pj := &pendingJoin{topic: topic, done: make(chan struct{})}
			d.pending[name] = pj
			d.mu.Unlock()
			d.joinMu.Unlock()
			return pj, nil
		}
		d.mu.Unlock()
		d.joinMu.Unlock()

		if other.topic != topic {
			return nil, fmt.Errorf("%w: %s", ErrSecretMismatch, name)
		}
		select {
		case <-other.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Leave removes clientID from channel name and tears the channel down
// once no subscriber remains. Leaving an unknown channel is a no-op.
func (d *Daemon) Leave(name, clientID string) error {
	if name == "" {
		return fmt.Errorf("%w: channel", ErrMissingField)
	}
	client := clientKey(clientID)

	d.joinMu.Lock()
	defer d.joinMu.Unlock()

	d.mu.Lock()
	ch, ok := d.channels[name]
	if !ok || ch.closing {
		d.mu.Unlock()
		return nil
	}
	if sub, ok := ch.subs[client]; ok {
		d.resolveWaitersLocked(sub)
		delete(ch.subs, client)
	}
	if len(ch.subs) > 0 {
		d.mu.Unlock()
		return nil
	}
	ch.closing = true
	d.mu.Unlock()

	d.teardown(ch)
	return nil
}

// teardown releases discovery before the channel is forgotten, so frames
// for its topic are never routed to a channel without a discovery handle.
func (d *Daemon) teardown(ch *channel) {
	if err := ch.disc.Close(); err != nil {
		d.log.Warn("discovery close failed", zap.String("channel", ch.name), zap.Error(err))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels[ch.name] == ch {
		delete(d.channels, ch.name)
		delete(d.byTopic, ch.topic)
	}
	for _, p := range ch.peers {
		unlink(ch, p)
	}
	d.metrics.SetChannels(len(d.channels))
	d.log.Info("left channel", zap.String("channel", ch.name), zap.String("topic", ch.topic.Short()))
}

// Status reports peer, subscriber and buffered message counts per open
// channel.
func (d *Daemon) Status() map[string]proto.ChannelStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]proto.ChannelStatus, len(d.channels))
	for name, ch := range d.channels {
		buffered := 0
		for _, sub := range ch.subs {
			buffered += len(sub.messages)
		}
		out[name] = proto.ChannelStatus{
			Peers:       len(ch.peers),
			Subscribers: len(ch.subs),
			Buffered:    buffered,
		}
	}
	return out
}

// link and unlink are the only places the channel/peer relation changes.
func link(ch *channel, p *peerLink) bool {
	if _, ok := ch.peers[p.id]; ok {
		return false
	}
	ch.peers[p.id] = p
	p.channels[ch.name] = ch
	return true
}

func unlink(ch *channel, p *peerLink) {
	delete(ch.peers, p.id)
	if cur, ok := p.channels[ch.name]; ok && cur == ch {
		delete(p.channels, ch.name)
	}
}

// localTopicsChangedLocked re-sends hello to every peer and re-matches
// against the topics each peer advertised earlier.
func (d *Daemon) localTopicsChangedLocked() {
	hello, err := d.helloLocked()
	if err != nil {
		d.log.Error("encode hello", zap.Error(err))
		return
	}
	for _, p := range d.peers {
		if !d.sendLocked(p, hello) {
			continue
		}
		d.metrics.IncHelloSent()
		d.log.Debug("re-announced topics", zap.String("peer", p.id), zap.Int("topics", len(d.channels)))
		d.matchPeerLocked(p, true)
	}
}
