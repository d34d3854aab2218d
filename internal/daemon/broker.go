package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"walkie/internal/proto"
)

func (d *Daemon) ensureSubscriberLocked(ch *channel, client string) *subscriber {
	if sub, ok := ch.subs[client]; ok {
		return sub
	}
	sub := &subscriber{id: client}
	ch.subs[client] = sub
	return sub
}

func (d *Daemon) openChannelLocked(name string) (*channel, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: channel", ErrMissingField)
	}
	if d.closed {
		return nil, ErrClosed
	}
	ch, ok := d.channels[name]
	if !ok || ch.closing {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, name)
	}
	return ch, nil
}

// Send fans message out to every matched peer and to every local
// subscriber except the sender. It returns how many recipients took it.
func (d *Daemon) Send(name, message, clientID string) (int, error) {
	sender := clientKey(clientID)
	ts := time.Now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.openChannelLocked(name)
	if err != nil {
		return 0, err
	}
	remote := 0
	if len(ch.peers) > 0 {
		frame, err := proto.EncodeChanMsg(proto.ChanMsg{Topic: ch.topicHex, Payload: message, ID: d.id, TS: ts})
		if err != nil {
			return 0, err
		}
		for _, p := range ch.peers {
			if d.sendLocked(p, frame) {
				remote++
			}
		}
	}
	local := d.deliverLocked(ch, proto.Message{From: sender, Data: message, TS: ts}, sender)
	d.metrics.IncSentRemote(remote)
	d.metrics.IncSentLocal(local)
	d.log.Debug("sent", zap.String("channel", name), zap.Int("remote", remote), zap.Int("local", local))
	return remote + local, nil
}

// deliverLocked hands msg to each subscriber but exclude: directly to its
// oldest waiter if one is pending, otherwise onto its queue.
func (d *Daemon) deliverLocked(ch *channel, msg proto.Message, exclude string) int {
	n := 0
	for id, sub := range ch.subs {
		if id == exclude {
			continue
		}
		d.deliverToLocked(sub, msg)
		n++
	}
	return n
}

func (d *Daemon) deliverToLocked(sub *subscriber, msg proto.Message) {
	for {
		w := sub.popWaiter()
		if w == nil {
			break
		}
		if w.complete([]proto.Message{msg}) {
			d.metrics.AddWaiters(-1)
			return
		}
	}
	sub.messages = append(sub.messages, msg)
}

// Read returns and clears the buffered messages of clientID. When wait is
// set and nothing is buffered it blocks until a message arrives, timeout
// elapses (zero waits forever) or ctx ends; the latter two yield an empty
// result. Reading registers clientID as a subscriber.
func (d *Daemon) Read(ctx context.Context, name, clientID string, wait bool, timeout time.Duration) ([]proto.Message, error) {
	client := clientKey(clientID)

	d.mu.Lock()
	ch, err := d.openChannelLocked(name)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	sub := d.ensureSubscriberLocked(ch, client)
	if len(sub.messages) > 0 || !wait {
		msgs := sub.messages
		sub.messages = nil
		d.mu.Unlock()
		if msgs == nil {
			msgs = []proto.Message{}
		}
		return msgs, nil
	}
	w := newWaiter(sub)
	sub.waiters = append(sub.waiters, w)
	d.metrics.AddWaiters(1)
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { d.cancelWaiter(w) })
	}
	d.mu.Unlock()

	select {
	case msgs := <-w.result:
		return msgs, nil
	case <-ctx.Done():
		d.mu.Lock()
		defer d.mu.Unlock()
		if sub.removeWaiter(w) && w.complete(nil) {
			d.metrics.AddWaiters(-1)
		}
		// A delivery that got in first goes back to the front of the
		// queue; nobody is left to hand it to.
		if msgs := <-w.result; len(msgs) > 0 && !ch.closing && ch.subs[client] == sub {
			sub.messages = append(msgs, sub.messages...)
		}
		return []proto.Message{}, nil
	}
}

// cancelWaiter resolves w empty unless a delivery got there first.
func (d *Daemon) cancelWaiter(w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.sub.removeWaiter(w) && w.complete(nil) {
		d.metrics.AddWaiters(-1)
	}
}

func (d *Daemon) resolveWaitersLocked(sub *subscriber) {
	for {
		w := sub.popWaiter()
		if w == nil {
			return
		}
		if w.complete(nil) {
			d.metrics.AddWaiters(-1)
		}
	}
}
