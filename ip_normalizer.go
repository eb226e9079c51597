package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// NormalizerConfig sizes the fragment stores and the connection table.
type NormalizerConfig struct {
	FragmentTimeout  time.Duration
	BufferMaxSets    int
	BufferMaxEntries int
	CacheMaxSets     int
	CacheMaxRanges   int
	Conn             ConnTrackerConfig
}

// Normalizer is the per-packet entry point. It owns both fragment stores
// and the TCP connection table.
type Normalizer struct {
	reassembler *Reassembler
	cache       *FragmentCache
	conns       *ConnTracker

	// randomID supplies replacement IP IDs; swapped out by tests.
	randomID func() uint16
}

// NewNormalizer builds a Normalizer from cfg.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	return &Normalizer{
		reassembler: NewReassembler(cfg.FragmentTimeout, cfg.BufferMaxSets, cfg.BufferMaxEntries),
		cache:       NewFragmentCache(cfg.FragmentTimeout, cfg.CacheMaxSets, cfg.CacheMaxRanges),
		conns:       NewConnTracker(cfg.Conn),
		randomID:    randomUint16,
	}
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomUint16() uint16 { return uint16(randomUint32()) }

// Normalize runs a raw IPv4 packet through the IP normalizer and, for whole
// TCP packets, through the TCP normalizer. On VerdictPass the returned
// slice holds the packet to release; it may be pkt itself rewritten in
// place, a cropped fragment or a reassembled datagram.
func (n *Normalizer) Normalize(pkt []byte, rule *ScrubRule, now time.Time) (Verdict, []byte, error) {
	v, out, err := n.NormalizeIPv4(pkt, rule, now)
	if v != VerdictPass {
		return v, nil, err
	}
	h := ipv4Header(out)
	if h.protocol() == ipProtoTCP && !h.isFragment() {
		if err := n.NormalizeTCP(h, rule, now); err != nil {
			return VerdictDrop, nil, err
		}
	}
	return VerdictPass, out, nil
}

const ipProtoTCP = 6

// NormalizeIPv4 validates and rewrites the IP header and routes fragments to
// the reassembler or the fragment cache according to rule.
func (n *Normalizer) NormalizeIPv4(pkt []byte, rule *ScrubRule, now time.Time) (Verdict, []byte, error) {
	if len(pkt) < ipv4MinHeaderLen {
		return VerdictDrop, nil, fmt.Errorf("%w: %d bytes", ErrHeaderMalformed, len(pkt))
	}
	h := ipv4Header(pkt)
	if h.version() != 4 {
		return VerdictDrop, nil, fmt.Errorf("%w: version %d", ErrHeaderMalformed, h.version())
	}
	hlen, tlen := h.headerLen(), h.totalLen()
	if hlen < ipv4MinHeaderLen {
		return VerdictDrop, nil, fmt.Errorf("%w: header length %d", ErrHeaderMalformed, hlen)
	}
	if hlen > tlen {
		return VerdictDrop, nil, fmt.Errorf("%w: header length %d exceeds total length %d", ErrHeaderMalformed, hlen, tlen)
	}
	if tlen > len(pkt) {
		return VerdictDrop, nil, fmt.Errorf("%w: total length %d but %d bytes captured", ErrHeaderMalformed, tlen, len(pkt))
	}
	h = h[:tlen]

	if rule.NoDF && h.dontFragment() {
		h.setFragField(h.fragField() &^ ipFlagDF)
	}

	if !h.isFragment() {
		n.finishUnfragmented(h, rule)
		return VerdictPass, h, nil
	}

	// A fragment that still carries DF contradicts itself.
	if h.dontFragment() {
		return VerdictDrop, nil, fmt.Errorf("%w: fragment with DF set", ErrFragmentPolicy)
	}
	ipLen := tlen - hlen
	if h.moreFragments() && ipLen&7 != 0 {
		return VerdictDrop, nil, fmt.Errorf("%w: non-final fragment of %d bytes is not 8-byte aligned", ErrFragmentPolicy, ipLen)
	}
	if h.fragOffset()+ipLen > ipv4MaxPacket {
		return VerdictDrop, nil, fmt.Errorf("%w: fragment %d+%d exceeds %d", ErrFragmentPolicy, h.fragOffset(), ipLen, ipv4MaxPacket)
	}

	key := fragmentKey(h)
	frag := newIPFragment(h)

	if rule.Fragment == FragmentReassemble {
		res := n.reassembler.Submit(key, frag, now)
		switch res.status {
		case reassemblyIncomplete:
			return VerdictHold, nil, nil
		case reassemblyRejected:
			return VerdictDrop, nil, res.err
		}
		d := ipv4Header(res.datagram)
		n.finishUnfragmented(d, rule)
		return VerdictPass, d, nil
	}

	res := n.cache.Submit(key, frag, rule.Fragment, now)
	if res.status == cacheDrop {
		return VerdictDrop, nil, res.err
	}
	out := ipv4Header(res.frag.bytes())
	applyMinTTL(out, rule)
	return VerdictPass, out, nil
}

// finishUnfragmented is the tail of the whole-packet path, also taken by
// reassembled datagrams.
func (n *Normalizer) finishUnfragmented(h ipv4Header, rule *ScrubRule) {
	// only DF may remain in the offset field
	if f := h.fragField(); f&^ipFlagDF != 0 {
		h.setFragField(f & ipFlagDF)
	}
	applyMinTTL(h, rule)
	if rule.RandomID {
		h.setID(n.randomID())
	}
}

func applyMinTTL(h ipv4Header, rule *ScrubRule) {
	if rule.MinTTL != 0 && h.ttl() < rule.MinTTL {
		h.setTTL(rule.MinTTL)
	}
}

// Reassembler returns the buffering fragment handler.
func (n *Normalizer) Reassembler() *Reassembler { return n.reassembler }

// FragmentCache returns the non-buffering fragment handler.
func (n *Normalizer) FragmentCache() *FragmentCache { return n.cache }

// Conns returns the TCP connection table.
func (n *Normalizer) Conns() *ConnTracker { return n.conns }
