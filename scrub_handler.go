package main

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// packetScrubber runs captured frames through the normalizer and forwards
// what passes to the output pcap.
type packetScrubber struct {
	normalizer *Normalizer
	rules      *RuleSet
	out        *packetOutput
	stats      *ScrubStats
	metrics    *scrubMetrics // nil when metrics are off
	drops      *dropLogger   // nil when drop logging is off

	// decapERSPAN replaces every frame by the frame it mirrors
	decapERSPAN bool
	spanIDs     []uint16

	sweepInterval time.Duration
	lastSweep     time.Time
}

type nextLayerTyper interface {
	NextLayerType() gopacket.LayerType
}

// ipv4Offset finds where the IPv4 header starts in the frame. A link layer
// announcing IPv4 counts even when the IPv4 header itself failed to decode,
// so malformed headers still reach the normalizer.
func ipv4Offset(packet gopacket.Packet) (int, bool) {
	off := 0
	for _, l := range packet.Layers() {
		if l.LayerType() == layers.LayerTypeIPv4 {
			return off, true
		}
		off += len(l.LayerContents())
		if nl, ok := l.(nextLayerTyper); ok && nl.NextLayerType() == layers.LayerTypeIPv4 {
			return off, off <= len(packet.Data())
		}
	}
	return 0, false
}

// ruleFor picks the rule for a raw IPv4 packet.
func (ps *packetScrubber) ruleFor(raw []byte) *ScrubRule {
	if len(raw) < ipv4MinHeaderLen {
		return ps.rules.Match(netip.Addr{}, netip.Addr{})
	}
	h := ipv4Header(raw)
	return ps.rules.Match(h.src(), h.dst())
}

func newScrubEvent(kind string, raw []byte, err error, ts time.Time) ScrubEvent {
	ev := ScrubEvent{
		Timestamp: ts,
		Kind:      kind,
		Reason:    dropReason(err),
		Length:    len(raw),
	}
	if len(raw) >= ipv4MinHeaderLen {
		h := ipv4Header(raw)
		ev.Src = h.src().String()
		ev.Dst = h.dst().String()
		ev.Protocol = h.protocol()
		ev.IPID = h.id()
	}
	return ev
}

// handlePacket scrubs one captured frame.
func (ps *packetScrubber) handlePacket(packet gopacket.Packet) {
	if ps.decapERSPAN {
		inner, ok := decapsulateERSPAN(packet, ps.spanIDs)
		if !ok {
			ps.stats.RecordMirrorSkipped()
			return
		}
		packet = inner
	}

	data := packet.Data()
	ci := packet.Metadata().CaptureInfo
	now := ci.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	ps.maybeSweep(now)

	off, ok := ipv4Offset(packet)
	if !ok {
		if *debug {
			loggerDebug.Printf("Non-IPv4 frame of %d bytes passed through", len(data))
		}
		ps.stats.RecordNonIPv4(len(data))
		ps.emit(ci, data)
		return
	}

	raw := data[off:]
	rule := ps.ruleFor(raw)
	fragment := len(raw) >= ipv4MinHeaderLen && ipv4Header(raw).isFragment()

	v, out, err := ps.normalizer.Normalize(raw, rule, now)
	reassembled := v == VerdictPass && fragment && rule.Fragment == FragmentReassemble

	ps.stats.Record(v, err, reassembled, len(out))
	ps.metrics.observe(v, err, reassembled, len(out))

	switch v {
	case VerdictDrop:
		ev := newScrubEvent(EventKindDrop, raw, err, now)
		if *debug {
			loggerDebug.Printf("Drop %s -> %s id %d (rule %s): %v", ev.Src, ev.Dst, ev.IPID, rule.Name, err)
		}
		if ps.drops != nil {
			ps.drops.log(ev)
			writeDropEvent(ev)
		}
		WriteEventToDatabase(ev)
	case VerdictHold:
		if *debug {
			loggerDebug.Printf("Holding fragment of %d bytes for reassembly", len(raw))
		}
	case VerdictPass:
		if reassembled {
			WriteEventToDatabase(newScrubEvent(EventKindReassembled, out, nil, now))
		}
		frame := make([]byte, 0, off+len(out))
		frame = append(frame, data[:off]...)
		frame = append(frame, out...)
		ps.emit(ci, frame)
	}
}

func (ps *packetScrubber) emit(ci gopacket.CaptureInfo, frame []byte) {
	if ps.out == nil {
		return
	}
	if err := ps.out.write(ci, frame); err != nil {
		loggerInfo.Printf("Error writing output packet: %v", err)
	}
}

// maybeSweep expires stale state based on capture time, so offline runs
// age out fragments the same way live capture does.
func (ps *packetScrubber) maybeSweep(now time.Time) {
	if ps.sweepInterval <= 0 {
		return
	}
	if ps.lastSweep.IsZero() {
		ps.lastSweep = now
		return
	}
	if now.Sub(ps.lastSweep) < ps.sweepInterval {
		return
	}
	ps.lastSweep = now
	frags, conns := ps.normalizer.Sweep(now)
	if *debug && (frags > 0 || conns > 0) {
		loggerDebug.Printf("Expired %d fragment sets and %d connections", frags, conns)
	}
}
