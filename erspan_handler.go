package main

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// GRE protocol types carrying ERSPAN.
const (
	greProtoERSPAN  = 0x88BE // Type I, or Type II when the GRE sequence bit is set
	greProtoERSPAN3 = 0x22EB
)

// erspanInfo holds what the ERSPAN header says about a mirrored frame.
type erspanInfo struct {
	Version   uint8 // 0 for Type I, 1 for Type II, 2 for Type III
	SpanID    uint16
	VLAN      uint16
	Direction uint8 // Type III only, 0=ingress 1=egress
}

// parseERSPAN splits a GRE payload into the ERSPAN header fields and the
// mirrored Ethernet frame.
func parseERSPAN(gre *layers.GRE) (erspanInfo, []byte, error) {
	payload := gre.Payload
	var info erspanInfo

	switch uint16(gre.Protocol) {
	case greProtoERSPAN:
		if !gre.SeqPresent {
			// Type I has no ERSPAN header
			return info, payload, nil
		}
		if len(payload) < 8 {
			return info, nil, fmt.Errorf("ERSPAN Type II header too short: %d bytes", len(payload))
		}
		info.Version = uint8(payload[0] >> 4)
		if info.Version != 1 {
			return info, nil, fmt.Errorf("invalid ERSPAN Type II version %d", info.Version)
		}
		info.VLAN = binary.BigEndian.Uint16(payload[0:2]) & 0x0FFF
		info.SpanID = binary.BigEndian.Uint16(payload[2:4]) & 0x03FF
		return info, payload[8:], nil

	case greProtoERSPAN3:
		if len(payload) < 12 {
			return info, nil, fmt.Errorf("ERSPAN Type III header too short: %d bytes", len(payload))
		}
		info.Version = uint8(payload[0] >> 4)
		if info.Version != 2 {
			return info, nil, fmt.Errorf("invalid ERSPAN Type III version %d", info.Version)
		}
		info.VLAN = binary.BigEndian.Uint16(payload[0:2]) & 0x0FFF
		info.SpanID = binary.BigEndian.Uint16(payload[2:4]) & 0x03FF
		word3 := binary.BigEndian.Uint16(payload[10:12])
		info.Direction = uint8((word3 >> 3) & 0x01)
		headerLen := 12
		if word3&0x01 != 0 {
			// platform specific subheader
			headerLen += 8
			if len(payload) < headerLen {
				return info, nil, fmt.Errorf("ERSPAN Type III subheader too short: %d bytes", len(payload))
			}
		}
		return info, payload[headerLen:], nil
	}
	return info, nil, fmt.Errorf("GRE protocol 0x%04X is not ERSPAN", uint16(gre.Protocol))
}

// decapsulateERSPAN returns the mirrored frame carried by packet as a new
// Ethernet packet with the outer capture timestamp. ok is false for frames
// that are not ERSPAN or belong to a session outside spanIDs.
func decapsulateERSPAN(packet gopacket.Packet, spanIDs []uint16) (inner gopacket.Packet, ok bool) {
	greLayer := packet.Layer(layers.LayerTypeGRE)
	if greLayer == nil {
		return nil, false
	}
	gre, isGRE := greLayer.(*layers.GRE)
	if !isGRE {
		return nil, false
	}

	info, frame, err := parseERSPAN(gre)
	if err != nil {
		if *debug {
			loggerDebug.Printf("Skipping GRE frame: %v", err)
		}
		return nil, false
	}
	if len(frame) == 0 {
		if *debug {
			loggerDebug.Printf("No inner frame after ERSPAN v%d header", info.Version)
		}
		return nil, false
	}
	if !spanIDAllowed(info.SpanID, spanIDs) {
		if *debug {
			loggerDebug.Printf("ERSPAN frame filtered out by session filter (SpanID: %d)", info.SpanID)
		}
		return nil, false
	}

	// The frame is copied so the scrubber may rewrite it in place.
	data := append([]byte(nil), frame...)
	inner = gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	md := inner.Metadata()
	md.CaptureInfo = packet.Metadata().CaptureInfo
	md.CaptureLength = len(data)
	md.Length = len(data)

	if *debug {
		loggerDebug.Printf("ERSPAN v%d session %d vlan %d: %d byte inner frame", info.Version, info.SpanID, info.VLAN, len(data))
	}
	return inner, true
}

func spanIDAllowed(id uint16, allowed []uint16) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == id {
			return true
		}
	}
	return false
}

// parseSpanIDs reads a comma separated list of decimal or 0x-prefixed
// session IDs.
func parseSpanIDs(input string) ([]uint16, error) {
	var ids []uint16
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid ERSPAN session ID '%s': %w", part, err)
		}
		if v > 0x03FF {
			return nil, fmt.Errorf("ERSPAN session ID %d out of range (max 1023)", v)
		}
		ids = append(ids, uint16(v))
	}
	return ids, nil
}
