package main

// checksumFixup returns the internet checksum after one 16-bit word of the
// covered data changed from old to new (RFC 1624, eqn. 3).
func checksumFixup(sum, old, new uint16) uint16 {
	s := uint32(^sum) + uint32(^old) + uint32(new)
	s = (s >> 16) + (s & 0xffff)
	s += s >> 16
	return ^uint16(s)
}

// rewriteBytes copies val into buf at off and returns sum adjusted for the
// change. buf must start on a 16-bit boundary of the checksummed data, which
// holds for IP and TCP headers. Odd offsets and lengths are handled by
// folding in every word the write touches.
func rewriteBytes(buf []byte, off int, val []byte, sum uint16) uint16 {
	start := off &^ 1
	end := off + len(val)
	if end&1 != 0 {
		end++
	}
	if end > len(buf) {
		// only reachable for an odd trailing byte; pad like the checksum does
		end = len(buf)
	}

	old := make([]byte, end-start)
	copy(old, buf[start:end])
	copy(buf[off:], val)

	for i := start; i < end; i += 2 {
		var ow, nw uint16
		if i+1 < end {
			ow = uint16(old[i-start])<<8 | uint16(old[i-start+1])
			nw = uint16(buf[i])<<8 | uint16(buf[i+1])
		} else {
			ow = uint16(old[i-start]) << 8
			nw = uint16(buf[i]) << 8
		}
		if ow != nw {
			sum = checksumFixup(sum, ow, nw)
		}
	}
	return sum
}

// internetChecksum computes the RFC 1071 checksum of b.
func internetChecksum(b []byte) uint16 {
	var s uint32
	for i := 0; i+1 < len(b); i += 2 {
		s += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)&1 != 0 {
		s += uint32(b[len(b)-1]) << 8
	}
	for s>>16 != 0 {
		s = (s >> 16) + (s & 0xffff)
	}
	return ^uint16(s)
}
