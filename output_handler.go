package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// outputSnaplen leaves room for a full reassembled datagram behind any link
// header.
const outputSnaplen = 262144

// packetOutput writes released packets to a pcap stream.
type packetOutput struct {
	w       *pcapgo.Writer
	file    *os.File // nil when writing to a caller-owned io.Writer
	path    string
	packets uint64
}

// newPacketOutput writes the pcap file header to w.
func newPacketOutput(w io.Writer, linkType layers.LinkType) (*packetOutput, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(outputSnaplen, linkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &packetOutput{w: pw}, nil
}

// createPacketOutput creates dir/filename and writes the pcap file header.
func createPacketOutput(dir, filename string, linkType layers.LinkType) (*packetOutput, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", dir, err)
	}
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output pcap '%s': %w", path, err)
	}
	out, err := newPacketOutput(f, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}
	out.file = f
	out.path = path
	loggerInfo.Printf("Writing scrubbed packets to: %s", path)
	return out, nil
}

// write appends one frame, keeping the capture timestamp.
func (o *packetOutput) write(ci gopacket.CaptureInfo, frame []byte) error {
	ci.CaptureLength = len(frame)
	ci.Length = len(frame)
	ci.InterfaceIndex = 0
	if err := o.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("failed to write packet to output pcap: %w", err)
	}
	o.packets++
	return nil
}

// Close closes the underlying file if this output created it.
func (o *packetOutput) Close() error {
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}
