package main

import (
	"encoding/binary"
	"net/netip"
)

const (
	ipv4MinHeaderLen = 20
	ipv4MaxPacket    = 65535

	ipFlagDF  = 0x4000
	ipFlagMF  = 0x2000
	ipOffMask = 0x1fff

	tcpMinHeaderLen = 20

	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
	tcpURG = 0x20

	tcpOptEOL       = 0
	tcpOptNOP       = 1
	tcpOptMSS       = 2
	tcpOptTimestamp = 8

	tcpOptLenMSS       = 4
	tcpOptLenTimestamp = 10
)

// ipv4Header is a view over a raw IPv4 packet. Setters rewrite the field in
// place and patch the header checksum incrementally.
type ipv4Header []byte

func (h ipv4Header) version() int { return int(h[0] >> 4) }
func (h ipv4Header) headerLen() int { return int(h[0]&0x0f) << 2 }
func (h ipv4Header) totalLen() int { return int(binary.BigEndian.Uint16(h[2:])) }
func (h ipv4Header) id() uint16 { return binary.BigEndian.Uint16(h[4:]) }
func (h ipv4Header) fragField() uint16 { return binary.BigEndian.Uint16(h[6:]) }
func (h ipv4Header) ttl() uint8 { return h[8] }
func (h ipv4Header) protocol() uint8 { return h[9] }
func (h ipv4Header) checksum() uint16 { return binary.BigEndian.Uint16(h[10:]) }
func (h ipv4Header) src() netip.Addr { return netip.AddrFrom4([4]byte(h[12:16])) }
func (h ipv4Header) dst() netip.Addr { return netip.AddrFrom4([4]byte(h[16:20])) }

// fragOffset is the fragment offset in bytes.
func (h ipv4Header) fragOffset() int { return int(h.fragField()&ipOffMask) << 3 }
func (h ipv4Header) moreFragments() bool { return h.fragField()&ipFlagMF != 0 }
func (h ipv4Header) dontFragment() bool { return h.fragField()&ipFlagDF != 0 }

func (h ipv4Header) isFragment() bool {
	return h.fragField()&(ipFlagMF|ipOffMask) != 0
}

func (h ipv4Header) rewrite(off int, val []byte) {
	sum := rewriteBytes(h[:h.headerLen()], off, val, h.checksum())
	binary.BigEndian.PutUint16(h[10:], sum)
}

func (h ipv4Header) setU16(off int, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	h.rewrite(off, b[:])
}

func (h ipv4Header) setTotalLen(n int) { h.setU16(2, uint16(n)) }
func (h ipv4Header) setID(v uint16) { h.setU16(4, v) }
func (h ipv4Header) setFragField(v uint16) { h.setU16(6, v) }
func (h ipv4Header) setTTL(v uint8) { h.rewrite(8, []byte{v}) }

// setFragOffset stores a byte offset, which must be a multiple of 8, keeping
// the flag bits.
func (h ipv4Header) setFragOffset(off int) {
	h.setFragField(h.fragField()&^ipOffMask | uint16(off>>3)&ipOffMask)
}

// tcpHeader is a view over a raw TCP segment starting at its header.
type tcpHeader []byte

func (t tcpHeader) srcPort() uint16 { return binary.BigEndian.Uint16(t[0:]) }
func (t tcpHeader) dstPort() uint16 { return binary.BigEndian.Uint16(t[2:]) }
func (t tcpHeader) dataOffset() int { return int(t[12]>>4) << 2 }
func (t tcpHeader) reserved() uint8 { return t[12] & 0x0f }
func (t tcpHeader) flags() uint8 { return t[13] }
func (t tcpHeader) checksum() uint16 { return binary.BigEndian.Uint16(t[16:]) }
func (t tcpHeader) urgent() uint16 { return binary.BigEndian.Uint16(t[18:]) }

func (t tcpHeader) rewrite(off int, val []byte) {
	sum := rewriteBytes(t, off, val, t.checksum())
	binary.BigEndian.PutUint16(t[16:], sum)
}

func (t tcpHeader) setU16(off int, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	t.rewrite(off, b[:])
}

func (t tcpHeader) setU32(off int, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	t.rewrite(off, b[:])
}

// walkOptions calls fn for every option in the header with the option's
// offset from the start of the header. Walking stops at EOL, at the first
// malformed length, or when fn returns false.
func (t tcpHeader) walkOptions(fn func(kind uint8, off int, opt []byte) bool) {
	hlen := t.dataOffset()
	if hlen > len(t) {
		hlen = len(t)
	}
	for off := tcpMinHeaderLen; off < hlen; {
		kind := t[off]
		switch kind {
		case tcpOptEOL:
			return
		case tcpOptNOP:
			off++
			continue
		}
		if off+1 >= hlen {
			return
		}
		olen := int(t[off+1])
		if olen < 2 || off+olen > hlen {
			return
		}
		if !fn(kind, off, t[off:off+olen]) {
			return
		}
		off += olen
	}
}

// seqLT and friends compare 32-bit values modulo wraparound.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
