package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Messages     MessageMetrics    `json:"messages"`
	Peers        PeerMetrics       `json:"peers"`
	Channels     int64             `json:"channels"`
	Waiters      int64             `json:"waiters"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type MessageMetrics struct {
	SentLocal      uint64 `json:"sent_local"`
	SentRemote     uint64 `json:"sent_remote"`
	Received       uint64 `json:"received"`
	DeliveredLocal uint64 `json:"delivered_local"`
}

type PeerMetrics struct {
	Current     int64  `json:"current"`
	Connected   uint64 `json:"connected"`
	HelloSent   uint64 `json:"hello_sent"`
	HelloRecv   uint64 `json:"hello_recv"`
	Matches     uint64 `json:"matches"`
	LateMatches uint64 `json:"late_matches"`
}

type Metrics struct {
	sentLocal      atomic.Uint64
	sentRemote     atomic.Uint64
	received       atomic.Uint64
	deliveredLocal atomic.Uint64

	peersCurrent   atomic.Int64
	peersConnected atomic.Uint64
	helloSent      atomic.Uint64
	helloRecv      atomic.Uint64
	matches        atomic.Uint64
	lateMatches    atomic.Uint64

	channels atomic.Int64
	waiters  atomic.Int64

	dropMu       sync.Mutex
	dropByReason map[string]uint64
}

func New() *Metrics {
	return &Metrics{dropByReason: make(map[string]uint64)}
}

func (m *Metrics) IncSentLocal(n int)      { m.sentLocal.Add(uint64(n)) }
func (m *Metrics) IncSentRemote(n int)     { m.sentRemote.Add(uint64(n)) }
func (m *Metrics) IncReceived()            { m.received.Add(1) }
func (m *Metrics) IncDeliveredLocal(n int) { m.deliveredLocal.Add(uint64(n)) }
func (m *Metrics) IncHelloSent()           { m.helloSent.Add(1) }
func (m *Metrics) IncHelloRecv()           { m.helloRecv.Add(1) }
func (m *Metrics) IncMatch()               { m.matches.Add(1) }
func (m *Metrics) IncLateMatch()           { m.lateMatches.Add(1) }

func (m *Metrics) PeerConnected() {
	m.peersConnected.Add(1)
	m.peersCurrent.Add(1)
}

func (m *Metrics) PeerClosed() {
	m.peersCurrent.Add(-1)
}

func (m *Metrics) SetChannels(n int) { m.channels.Store(int64(n)) }
func (m *Metrics) AddWaiters(n int)  { m.waiters.Add(int64(n)) }

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Messages: MessageMetrics{
			SentLocal:      m.sentLocal.Load(),
			SentRemote:     m.sentRemote.Load(),
			Received:       m.received.Load(),
			DeliveredLocal: m.deliveredLocal.Load(),
		},
		Peers: PeerMetrics{
			Current:     m.peersCurrent.Load(),
			Connected:   m.peersConnected.Load(),
			HelloSent:   m.helloSent.Load(),
			HelloRecv:   m.helloRecv.Load(),
			Matches:     m.matches.Load(),
			LateMatches: m.lateMatches.Load(),
		},
		Channels:     m.channels.Load(),
		Waiters:      m.waiters.Load(),
		DropByReason: drops,
	}
}

// WriteSnapshot writes the snapshot atomically via a temp file rename.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RunSnapshotWriter rewrites path every interval until ctx is done.
func (m *Metrics) RunSnapshotWriter(ctx context.Context, path string, interval time.Duration, onErr func(error)) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.WriteSnapshot(path); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
