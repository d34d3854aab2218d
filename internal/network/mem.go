package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"walkie/internal/crypto"
)

// MemHub connects in-process transports with net.Pipe links. Two
// transports are linked once both have joined a common topic, or when
// Connect is called. At most one link exists per pair, whatever the
// number of shared topics.
type MemHub struct {
	mu    sync.Mutex
	nodes map[string]*MemTransport
	pairs map[[2]string]*memPair
}

type memPair struct {
	a, b *memLink
}

func NewMemHub() *MemHub {
	return &MemHub{
		nodes: make(map[string]*MemTransport),
		pairs: make(map[[2]string]*memPair),
	}
}

// Transport returns the transport registered under name, creating it on
// first use.
func (h *MemHub) Transport(name string) *MemTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.nodes[name]; ok {
		return t
	}
	t := &MemTransport{hub: h, name: name, topics: make(map[crypto.Topic]int)}
	h.nodes[name] = t
	return t
}

// Connect links a and b regardless of topics. It is a no-op when they
// are already linked.
func (h *MemHub) Connect(a, b string) error {
	h.mu.Lock()
	ta, okA := h.nodes[a]
	tb, okB := h.nodes[b]
	if !okA || !okB {
		h.mu.Unlock()
		return fmt.Errorf("unknown transport %q or %q", a, b)
	}
	if !ta.started || !tb.started || ta.closed || tb.closed {
		h.mu.Unlock()
		return fmt.Errorf("transport not started")
	}
	deliver := h.pairLocked(ta, tb)
	h.mu.Unlock()
	runDeliveries(deliver)
	return nil
}

// Disconnect closes the link between a and b, if any.
func (h *MemHub) Disconnect(a, b string) {
	h.mu.Lock()
	p, ok := h.pairs[pairKey(a, b)]
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = p.a.Close()
	_ = p.b.Close()
}

// Linked reports whether a and b currently share a link.
func (h *MemHub) Linked(a, b string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pairs[pairKey(a, b)]
	return ok
}

type delivery struct {
	handler LinkHandler
	link    *memLink
}

func runDeliveries(ds []delivery) {
	for _, d := range ds {
		d.handler(d.link)
	}
}

func (h *MemHub) pairLocked(a, b *MemTransport) []delivery {
	key := pairKey(a.name, b.name)
	if _, ok := h.pairs[key]; ok || a == b {
		return nil
	}
	ca, cb := net.Pipe()
	la := &memLink{Conn: ca, hub: h, key: key, remote: b.name}
	lb := &memLink{Conn: cb, hub: h, key: key, remote: a.name}
	h.pairs[key] = &memPair{a: la, b: lb}
	return []delivery{{a.onLink, la}, {b.onLink, lb}}
}

func (h *MemHub) forget(l *memLink) {
	h.mu.Lock()
	if p, ok := h.pairs[l.key]; ok && (p.a == l || p.b == l) {
		delete(h.pairs, l.key)
	}
	h.mu.Unlock()
}

func pairKey(a, b string) [2]string {
	names := []string{a, b}
	sort.Strings(names)
	return [2]string{names[0], names[1]}
}

// MemTransport is one endpoint registered on a MemHub.
type MemTransport struct {
	hub     *MemHub
	name    string
	onLink  LinkHandler
	topics  map[crypto.Topic]int
	started bool
	closed  bool
}

func (t *MemTransport) Name() string { return t.name }

func (t *MemTransport) Start(_ context.Context, onLink LinkHandler) error {
	if onLink == nil {
		return fmt.Errorf("missing link handler")
	}
	t.hub.mu.Lock()
	if t.closed {
		t.hub.mu.Unlock()
		return ErrClosed
	}
	t.onLink = onLink
	t.started = true
	var deliver []delivery
	for topic := range t.topics {
		deliver = append(deliver, t.matchLocked(topic)...)
	}
	t.hub.mu.Unlock()
	runDeliveries(deliver)
	return nil
}

func (t *MemTransport) Join(_ context.Context, topic crypto.Topic) (Discovery, error) {
	t.hub.mu.Lock()
	if t.closed {
		t.hub.mu.Unlock()
		return nil, ErrClosed
	}
	t.topics[topic]++
	var deliver []delivery
	if t.started {
		deliver = t.matchLocked(topic)
	}
	t.hub.mu.Unlock()
	runDeliveries(deliver)
	return &memDiscovery{t: t, topic: topic}, nil
}

// Topics returns the number of topics currently joined.
func (t *MemTransport) Topics() int {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	return len(t.topics)
}

func (t *MemTransport) matchLocked(topic crypto.Topic) []delivery {
	var out []delivery
	for _, other := range t.hub.nodes {
		if other == t || !other.started || other.closed {
			continue
		}
		if other.topics[topic] == 0 {
			continue
		}
		out = append(out, t.hub.pairLocked(t, other)...)
	}
	return out
}

func (t *MemTransport) Close() error {
	t.hub.mu.Lock()
	if t.closed {
		t.hub.mu.Unlock()
		return nil
	}
	t.closed = true
	var links []*memLink
	for key, p := range t.hub.pairs {
		if key[0] == t.name || key[1] == t.name {
			links = append(links, p.a, p.b)
		}
	}
	delete(t.hub.nodes, t.name)
	t.hub.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	return nil
}

type memDiscovery struct {
	t     *MemTransport
	topic crypto.Topic
	once  sync.Once
}

func (d *memDiscovery) Topic() crypto.Topic { return d.topic }

func (d *memDiscovery) Flushed(ctx context.Context) error {
	return ctx.Err()
}

func (d *memDiscovery) Close() error {
	d.once.Do(func() {
		d.t.hub.mu.Lock()
		if d.t.topics[d.topic] <= 1 {
			delete(d.t.topics, d.topic)
		} else {
			d.t.topics[d.topic]--
		}
		d.t.hub.mu.Unlock()
	})
	return nil
}

type memLink struct {
	net.Conn
	hub    *MemHub
	key    [2]string
	remote string
	once   sync.Once
}

func (l *memLink) ID() string     { return l.remote }
func (l *memLink) Remote() string { return "mem:" + l.remote }

func (l *memLink) Close() error {
	var err error
	l.once.Do(func() {
		err = l.Conn.Close()
		l.hub.forget(l)
	})
	return err
}
