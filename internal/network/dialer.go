package network

import (
	"math/rand"
	"sync"
	"time"
)

const (
	backoffBase   = 2 * time.Second
	backoffJitter = 1 * time.Second
	backoffCap    = 60 * time.Second
	dialTick      = 1 * time.Second
)

type addrFailure struct {
	count int
	next  time.Time
}

// peerDialer tracks dial failures per static peer address and spaces out
// retries with capped exponential backoff.
type peerDialer struct {
	mu       sync.Mutex
	failures map[string]*addrFailure
	rng      *rand.Rand
	cap      time.Duration
}

func newPeerDialer() *peerDialer {
	return &peerDialer{
		failures: make(map[string]*addrFailure),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cap:      backoffCap,
	}
}

func (p *peerDialer) shouldTry(addr string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failures[addr]
	if !ok {
		return true
	}
	return !now.Before(f.next)
}

// recordFailure returns the new consecutive failure count for addr.
func (p *peerDialer) recordFailure(addr string, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failures[addr]
	if !ok {
		f = &addrFailure{}
		p.failures[addr] = f
	}
	f.next = now.Add(nextBackoffDuration(f.count, p.rng, p.cap))
	f.count++
	return f.count
}

func (p *peerDialer) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func nextBackoffDuration(failCount int, rng *rand.Rand, cap time.Duration) time.Duration {
	if failCount < 0 {
		failCount = 0
	}
	shift := failCount
	if shift > 30 {
		shift = 30
	}
	backoff := backoffBase * time.Duration(1<<shift)
	jitter := time.Duration(rng.Int63n(int64(backoffJitter)))
	raw := backoff + jitter
	if raw > cap {
		return cap
	}
	return raw
}
