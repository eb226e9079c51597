package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	scrubTimestamp = 1 << iota // peer negotiated timestamps
	scrubPAWS                  // timestamp window checks armed
	scrubPAWSIdled             // checks given up after a long silence
	scrubDataTS                // first data segment carried a timestamp
	scrubDataNoTS              // first data segment had none
)

// PAWSConfig bounds how far a timestamp may move between segments and when
// the checks are abandoned for a connection.
type PAWSConfig struct {
	// MaxFreq is the fastest timestamp clock accepted, in ticks per second.
	MaxFreq uint32
	// Fudge is extra slack added to the wall-clock time since the last
	// timestamp, covering reordering in transit.
	Fudge time.Duration
	// MaxIdle disables the checks for a direction silent this long.
	MaxIdle time.Duration
	// MaxConn disables the checks for connections older than this.
	MaxConn time.Duration
}

// DefaultPAWSConfig allows a 1kHz clock with 10% skew and gives up before a
// millisecond clock could wrap.
func DefaultPAWSConfig() PAWSConfig {
	return PAWSConfig{
		MaxFreq: 1100,
		Fudge:   30 * time.Second,
		MaxIdle: 24 * 24 * time.Hour,
		MaxConn: 12 * 24 * time.Hour,
	}
}

// ticksSince is the largest tsval advance a peer may make after elapsed.
// It is capped at half the sequence space, the furthest seqGT can see.
func (c PAWSConfig) ticksSince(elapsed time.Duration) uint32 {
	freq := c.MaxFreq
	if freq == 0 {
		freq = 1100
	}
	d := elapsed + c.Fudge
	if d < 0 {
		d = 0
	}
	ticks := uint64(d/time.Second)*uint64(freq) + uint64(d%time.Second/(time.Second/time.Duration(freq)))
	if ticks > math.MaxInt32 {
		return math.MaxInt32
	}
	return uint32(ticks)
}

// ScrubState is the normalization state of one direction of a connection.
// Timestamp fields hold the sender's real clock values; only the wire
// carries modulated ones.
type ScrubState struct {
	minTTL    uint8
	tsMod     uint32
	flags     int
	tsval     uint32 // highest tsval sent
	tsecr     uint32 // highest tsecr sent
	tsval0    uint32 // lowest tsval sent once PAWS is armed
	lastTouch time.Time
}

func (s *ScrubState) has(flag int) bool { return s.flags&flag != 0 }

// newScrubState creates the state of a direction from its first segment.
func newScrubState(ip ipv4Header, t tcpHeader, now time.Time, rnd func() uint32) *ScrubState {
	s := &ScrubState{minTTL: ip.ttl()}
	if t.dataOffset() <= tcpMinHeaderLen {
		return s
	}
	if off, _ := findTimestamps(t); off >= 0 {
		s.flags |= scrubTimestamp
		s.tsMod = rnd()
		s.tsval0 = binary.BigEndian.Uint32(t[off+2:])
		s.tsval = s.tsval0
		s.tsecr = binary.BigEndian.Uint32(t[off+6:])
		s.lastTouch = now
	}
	return s
}

// findTimestamps returns the offset of the first timestamp option and how
// many there are. off is -1 when there is none.
func findTimestamps(t tcpHeader) (off, count int) {
	off = -1
	t.walkOptions(func(kind uint8, o int, opt []byte) bool {
		if kind == tcpOptTimestamp && len(opt) >= tcpOptLenTimestamp {
			if count == 0 {
				off = o
			}
			count++
		}
		return true
	})
	return off, count
}

// scrubSegment runs one segment sent by src towards dst. dst is nil until
// the peer has sent its first segment. connCreated is when the connection
// was first seen. The packet is rewritten in place; an error means drop.
func scrubSegment(ip ipv4Header, t tcpHeader, src, dst *ScrubState, connCreated, now time.Time, cfg PAWSConfig) error {
	// TTL never goes below the highest seen in this direction.
	if ttl := ip.ttl(); ttl > src.minTTL {
		src.minTTL = ttl
	} else if ttl < src.minTTL {
		ip.setTTL(src.minTTL)
	}

	var tsval, tsecr uint32
	gotTS := false
	if t.dataOffset() > tcpMinHeaderLen && (src.has(scrubTimestamp) || (dst != nil && dst.has(scrubTimestamp))) {
		off, n := findTimestamps(t)
		if n > 1 {
			return fmt.Errorf("%w: %d timestamp options", ErrHeaderMalformed, n)
		}
		if n == 1 {
			tsval = binary.BigEndian.Uint32(t[off+2:])
			if tsval != 0 && src.has(scrubTimestamp) {
				t.setU32(off+2, tsval+src.tsMod)
			}
			tsecr = binary.BigEndian.Uint32(t[off+6:])
			if tsecr != 0 && dst != nil && dst.has(scrubTimestamp) {
				tsecr -= dst.tsMod
				t.setU32(off+6, tsecr)
			}
			gotTS = true
		}
	}

	if src.has(scrubPAWS) && (now.Sub(src.lastTouch) > cfg.MaxIdle || now.Sub(connCreated) > cfg.MaxConn) {
		if *debug {
			loggerDebug.Printf("PAWS checks disabled for sender idle since %s", src.lastTouch.Format(time.RFC3339))
		}
		src.flags = src.flags&^scrubPAWS | scrubPAWSIdled
	}
	if dst != nil && dst.has(scrubPAWS) && now.Sub(dst.lastTouch) > cfg.MaxIdle {
		if *debug {
			loggerDebug.Printf("PAWS checks disabled for receiver idle since %s", dst.lastTouch.Format(time.RFC3339))
		}
		dst.flags = dst.flags&^scrubPAWS | scrubPAWSIdled
	}

	payload := tcpPayloadLen(ip, t)
	armed := dst != nil && src.has(scrubPAWS) && dst.has(scrubPAWS)
	switch {
	case gotTS && armed:
		fromLast := cfg.ticksSince(now.Sub(src.lastTouch))
		if seqLT(tsval, dst.tsecr) ||
			seqGT(tsval, src.tsval+fromLast) ||
			(tsecr != 0 && (seqGT(tsecr, dst.tsval) || seqLT(tsecr, dst.tsval0))) {
			return fmt.Errorf("%w: tsval %d (window %d-%d) tsecr %d (window %d-%d)", ErrTimestampSequence,
				tsval, dst.tsecr, src.tsval+fromLast, tsecr, dst.tsval0, dst.tsval)
		}
	case !gotTS && armed && t.flags()&tcpRST == 0 && payload > 0 && src.has(scrubDataTS):
		return fmt.Errorf("%w: data segment without timestamp after timestamped data", ErrTimestampSequence)
	}

	if payload > 0 && src.flags&(scrubDataTS|scrubDataNoTS) == 0 {
		if gotTS {
			src.flags |= scrubDataTS
		} else {
			src.flags |= scrubDataNoTS
			if *debug && dst != nil && dst.has(scrubTimestamp) {
				loggerDebug.Println("Data segment without timestamp on a timestamped connection, PAWS stays off")
			}
		}
	}

	// High-water marks. An idled state is never rearmed.
	if gotTS && src.flags&(scrubTimestamp|scrubPAWSIdled) == scrubTimestamp {
		src.lastTouch = now
		if !seqLT(tsval, src.tsval) || !src.has(scrubPAWS) {
			src.tsval = tsval
		}
		if tsecr != 0 {
			if !seqLT(tsecr, src.tsecr) || !src.has(scrubPAWS) {
				src.tsecr = tsecr
			}
			if !src.has(scrubPAWS) && (seqLT(tsval, src.tsval0) || src.tsval0 == 0) {
				src.tsval0 = tsval
			}
			src.flags |= scrubPAWS
		}
	}
	return nil
}
