package main

import (
	"fmt"
	"net/netip"
	"time"
)

// Verdict is the outcome of running a packet through the normalizer.
type Verdict int

const (
	// VerdictPass releases the (possibly rewritten) packet downstream.
	VerdictPass Verdict = iota
	// VerdictDrop discards the packet; the accompanying error says why.
	VerdictDrop
	// VerdictHold means the packet was buffered for reassembly and there is
	// nothing to release yet.
	VerdictHold
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictDrop:
		return "drop"
	case VerdictHold:
		return "hold"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// FragmentPolicy selects how fragments of a flow are handled.
type FragmentPolicy int

const (
	// FragmentReassemble buffers fragments and releases whole datagrams.
	FragmentReassemble FragmentPolicy = iota
	// FragmentCrop forwards fragments, trimming bytes already forwarded.
	FragmentCrop
	// FragmentDropOverlap forwards fragments but drops the whole datagram
	// once any overlap is seen.
	FragmentDropOverlap
)

func (p FragmentPolicy) String() string {
	switch p {
	case FragmentReassemble:
		return "reassemble"
	case FragmentCrop:
		return "crop"
	case FragmentDropOverlap:
		return "drop-ovl"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func parseFragmentPolicy(s string) (FragmentPolicy, error) {
	switch s {
	case "reassemble", "buffer", "":
		return FragmentReassemble, nil
	case "crop":
		return FragmentCrop, nil
	case "drop-ovl", "drop":
		return FragmentDropOverlap, nil
	default:
		return 0, fmt.Errorf("unknown fragment policy %q (want reassemble, crop or drop-ovl)", s)
	}
}

// FragmentSetKey identifies one datagram under reassembly.
type FragmentSetKey struct {
	ID       uint16
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
}

func (k FragmentSetKey) String() string {
	return fmt.Sprintf("%s->%s proto %d id %d", k.Src, k.Dst, k.Protocol, k.ID)
}

func fragmentKey(h ipv4Header) FragmentSetKey {
	return FragmentSetKey{
		ID:       h.id(),
		Protocol: h.protocol(),
		Src:      h.src(),
		Dst:      h.dst(),
	}
}

// ipFragment is one fragment with exclusively owned header and payload
// buffers. offset is the payload's byte offset within the datagram.
type ipFragment struct {
	header  ipv4Header
	payload []byte
	offset  int
	more    bool
}

// newIPFragment copies the fragment out of pkt, which must already have
// passed header validation.
func newIPFragment(pkt ipv4Header) *ipFragment {
	hlen := pkt.headerLen()
	tlen := pkt.totalLen()
	f := &ipFragment{
		header:  make(ipv4Header, hlen),
		payload: make([]byte, tlen-hlen),
		offset:  pkt.fragOffset(),
		more:    pkt.moreFragments(),
	}
	copy(f.header, pkt[:hlen])
	copy(f.payload, pkt[hlen:tlen])
	return f
}

func (f *ipFragment) length() int { return len(f.payload) }
func (f *ipFragment) end() int { return f.offset + len(f.payload) }

// truncateFront drops n payload bytes from the front and moves the recorded
// offset forward. n must be a multiple of 8 so the header can express it.
func (f *ipFragment) truncateFront(n int) {
	f.payload = append([]byte(nil), f.payload[n:]...)
	f.offset += n
	f.header.setFragOffset(f.offset)
	f.header.setTotalLen(len(f.header) + len(f.payload))
}

// truncateBack drops n payload bytes from the back.
func (f *ipFragment) truncateBack(n int) {
	f.payload = append([]byte(nil), f.payload[:len(f.payload)-n]...)
	f.header.setTotalLen(len(f.header) + len(f.payload))
}

// bytes serializes the fragment back into a single packet buffer.
func (f *ipFragment) bytes() []byte {
	b := make([]byte, 0, len(f.header)+len(f.payload))
	b = append(b, f.header...)
	return append(b, f.payload...)
}

// ScrubEvent describes a packet the scrubber dropped or a datagram it
// rebuilt. It feeds the CSV, database and metrics sinks.
type ScrubEvent struct {
	Timestamp time.Time
	Kind      string // "drop" or "reassembled"
	Src       string
	Dst       string
	Protocol  uint8
	IPID      uint16
	Reason    string
	Length    int
}
