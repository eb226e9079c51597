package main

import (
	"encoding/binary"
	"fmt"
	"time"
)

// NormalizeTCP scrubs the TCP header of a whole IPv4 packet in place and,
// when the rule asks for it, runs the segment through the timestamp engine
// of its connection.
func (n *Normalizer) NormalizeTCP(ip ipv4Header, rule *ScrubRule, now time.Time) error {
	t := tcpHeader(ip[ip.headerLen():])
	if err := scrubTCPHeader(t, rule.MaxMSS); err != nil {
		return err
	}
	if !rule.TCPState {
		return nil
	}
	return n.conns.Track(ip, t, now)
}

// scrubTCPHeader enforces flag sanity, clears the reserved bits, drops a
// stale urgent pointer and clamps the MSS option to maxMSS (0 disables the
// clamp). Every rewrite patches the TCP checksum.
func scrubTCPHeader(t tcpHeader, maxMSS uint16) error {
	if len(t) < tcpMinHeaderLen {
		return fmt.Errorf("%w: tcp header truncated to %d bytes", ErrHeaderMalformed, len(t))
	}
	if off := t.dataOffset(); off < tcpMinHeaderLen || off > len(t) {
		return fmt.Errorf("%w: tcp data offset %d", ErrHeaderMalformed, off)
	}

	flags := t.flags()
	if flags&tcpSYN != 0 {
		if flags&tcpRST != 0 {
			return fmt.Errorf("%w: SYN with RST", ErrTCPFlags)
		}
		// SYN+FIN is illegal but harmless once the FIN is gone
		flags &^= tcpFIN
	} else if flags&(tcpACK|tcpRST) == 0 {
		return fmt.Errorf("%w: 0x%02x without ACK or RST", ErrTCPFlags, flags)
	}
	if flags&tcpACK == 0 && flags&(tcpFIN|tcpPSH|tcpURG) != 0 {
		return fmt.Errorf("%w: 0x%02x without ACK", ErrTCPFlags, flags)
	}

	if flags != t.flags() || t.reserved() != 0 {
		t.rewrite(12, []byte{t[12] &^ 0x0f, flags})
	}

	if flags&tcpURG == 0 && t.urgent() != 0 {
		t.setU16(18, 0)
	}

	if maxMSS != 0 {
		clampMSS(t, maxMSS)
	}
	return nil
}

// clampMSS lowers every MSS option above maxMSS.
func clampMSS(t tcpHeader, maxMSS uint16) {
	t.walkOptions(func(kind uint8, off int, opt []byte) bool {
		if kind == tcpOptMSS && len(opt) >= tcpOptLenMSS {
			if mss := binary.BigEndian.Uint16(opt[2:]); mss > maxMSS {
				if *debug {
					loggerDebug.Printf("Clamping MSS %d to %d", mss, maxMSS)
				}
				t.setU16(off+2, maxMSS)
			}
		}
		return true
	})
}

// tcpPayloadLen is the number of TCP payload bytes carried by ip.
func tcpPayloadLen(ip ipv4Header, t tcpHeader) int {
	n := ip.totalLen() - ip.headerLen() - t.dataOffset()
	if n < 0 {
		return 0
	}
	return n
}
