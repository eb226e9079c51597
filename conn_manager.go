package main

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// ConnTrackerConfig bounds the TCP connection table.
type ConnTrackerConfig struct {
	IdleTimeout time.Duration
	MaxConns    int
	PAWS        PAWSConfig
}

// connKey is the unordered pair of endpoints of a TCP connection.
type connKey struct {
	lo, hi netip.AddrPort
}

func makeConnKey(a, b netip.AddrPort) connKey {
	if c := a.Addr().Compare(b.Addr()); c > 0 || (c == 0 && a.Port() > b.Port()) {
		a, b = b, a
	}
	return connKey{lo: a, hi: b}
}

// tcpConn holds the scrub state of both directions of one connection.
type tcpConn struct {
	initiator netip.AddrPort
	created   time.Time
	lastSeen  time.Time
	// states[0] is the initiator's direction, states[1] the responder's.
	states [2]*ScrubState
}

// ConnTrackerStats counts connection lifecycle events.
type ConnTrackerStats struct {
	Created   uint64
	Closed    uint64
	Expired   uint64
	Refused   uint64
	Live      uint64
	Untracked uint64
}

// ConnTracker is the table of TCP connections under stateful scrubbing.
type ConnTracker struct {
	mu    sync.Mutex
	conns map[connKey]*tcpConn
	cfg   ConnTrackerConfig
	stats ConnTrackerStats

	// randomMod supplies timestamp moduli; swapped out by tests.
	randomMod func() uint32
}

// NewConnTracker creates an empty table.
func NewConnTracker(cfg ConnTrackerConfig) *ConnTracker {
	return &ConnTracker{
		conns:     make(map[connKey]*tcpConn),
		cfg:       cfg,
		randomMod: randomUint32,
	}
}

// Track runs one segment through the state of its connection. A SYN without
// ACK opens a connection (or replaces one the responder already answered);
// segments of connections never seen opening are left alone. RST closes.
func (ct *ConnTracker) Track(ip ipv4Header, t tcpHeader, now time.Time) error {
	src := netip.AddrPortFrom(ip.src(), t.srcPort())
	dst := netip.AddrPortFrom(ip.dst(), t.dstPort())
	key := makeConnKey(src, dst)
	flags := t.flags()
	opening := flags&tcpSYN != 0 && flags&tcpACK == 0

	ct.mu.Lock()
	defer ct.mu.Unlock()

	c, ok := ct.conns[key]
	if opening && (!ok || c.initiator != src || c.states[1] != nil) {
		if !ok && ct.cfg.MaxConns > 0 && len(ct.conns) >= ct.cfg.MaxConns {
			ct.stats.Refused++
			return fmt.Errorf("%w: %d connections tracked", ErrResourceExhausted, len(ct.conns))
		}
		if ok && *debug {
			loggerDebug.Printf("New handshake %s -> %s replaces tracked connection", src, dst)
		}
		c = &tcpConn{initiator: src, created: now}
		if !ok {
			ct.stats.Live++
		}
		ct.conns[key] = c
		ct.stats.Created++
		ok = true
	}
	if !ok {
		ct.stats.Untracked++
		return nil
	}

	dir := 0
	if src != c.initiator {
		dir = 1
	}
	s, d := c.states[dir], c.states[1-dir]
	if s == nil {
		s = newScrubState(ip, t, now, ct.randomMod)
		c.states[dir] = s
	}
	c.lastSeen = now

	if err := scrubSegment(ip, t, s, d, c.created, now, ct.cfg.PAWS); err != nil {
		if *debug {
			loggerDebug.Printf("Connection %s -> %s: %v", src, dst, err)
		}
		return err
	}

	if flags&tcpRST != 0 {
		delete(ct.conns, key)
		ct.stats.Closed++
		ct.stats.Live--
	}
	return nil
}

// ExpireIdle drops every connection silent for longer than the idle timeout.
func (ct *ConnTracker) ExpireIdle(now time.Time) int {
	if ct.cfg.IdleTimeout <= 0 {
		return 0
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()

	n := 0
	for key, c := range ct.conns {
		if now.Sub(c.lastSeen) > ct.cfg.IdleTimeout {
			if *debug {
				loggerDebug.Printf("Connection %s <-> %s timed out, last seen %s", key.lo, key.hi, c.lastSeen.Format(time.RFC3339))
			}
			delete(ct.conns, key)
			n++
		}
	}
	ct.stats.Expired += uint64(n)
	ct.stats.Live -= uint64(n)
	return n
}

// Len returns the number of tracked connections.
func (ct *ConnTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.conns)
}

// GetStats returns a copy of the connection statistics.
func (ct *ConnTracker) GetStats() ConnTrackerStats {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.stats
}

// Sweep purges expired fragment sets from both stores and idle connections.
func (n *Normalizer) Sweep(now time.Time) (fragments, conns int) {
	fragments = n.reassembler.Store().PurgeExpired(now) + n.cache.Store().PurgeExpired(now)
	conns = n.conns.ExpireIdle(now)
	return fragments, conns
}

// monitorScrubState periodically sweeps n until done is closed.
func monitorScrubState(n *Normalizer, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		loggerInfo.Println("State sweeper is disabled (interval <= 0).")
		return
	}
	loggerInfo.Printf("Starting state sweeper with interval: %s", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			frags, conns := n.Sweep(now)
			if *debug && (frags > 0 || conns > 0) {
				loggerDebug.Printf("State sweeper: expired %d fragment sets and %d connections", frags, conns)
			}
		}
	}
}
