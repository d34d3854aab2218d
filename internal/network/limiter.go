package network

import "sync"

// ipLimiter caps concurrent inbound connections per remote IP.
type ipLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[string]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{
		maxConns: maxConns,
		counts:   make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.maxConns {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) releaseConn(ip string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

func (l *ipLimiter) active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}
