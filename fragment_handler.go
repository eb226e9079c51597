package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type reassemblyStatus int

const (
	reassemblyIncomplete reassemblyStatus = iota
	reassemblyComplete
	reassemblyRejected
)

// reassemblyResult is what the Reassembler did with one fragment.
// datagram is set for reassemblyComplete, err for reassemblyRejected.
type reassemblyResult struct {
	status   reassemblyStatus
	datagram []byte
	err      error
}

// Reassembler fully buffers fragments and releases whole datagrams.
type Reassembler struct {
	store *FragmentStore
}

// NewReassembler creates a Reassembler backed by its own buffering store.
func NewReassembler(timeout time.Duration, maxSets, maxEntries int) *Reassembler {
	return &Reassembler{
		store: NewFragmentStore("buffer", true, timeout, maxSets, maxEntries),
	}
}

// Store exposes the backing store for the sweeper and for statistics.
func (r *Reassembler) Store() *FragmentStore { return r.store }

func rejected(err error) reassemblyResult {
	return reassemblyResult{status: reassemblyRejected, err: err}
}

// Submit adds one fragment to the datagram identified by key. Overlaps are
// resolved in favour of data already buffered: the new fragment loses its
// front to a predecessor, and later fragments lose their front (or vanish
// entirely) to the new one.
func (r *Reassembler) Submit(key FragmentSetKey, frag *ipFragment, now time.Time) reassemblyResult {
	if frag.end() > ipv4MaxPacket {
		return rejected(fmt.Errorf("%w: fragment ends at %d", ErrReassemblyOverflow, frag.end()))
	}

	st := r.store
	st.mu.Lock()
	defer st.mu.Unlock()

	set, created, err := st.findOrCreate(key, now)
	if err != nil {
		return rejected(err)
	}

	if set.has(fragSeenLast) && frag.end() > set.highest {
		st.remove(set, "failed")
		return rejected(fmt.Errorf("%w: fragment ends at %d past last fragment end %d", ErrFragmentPolicy, frag.end(), set.highest))
	}
	if !frag.more && frag.end() < set.highest {
		st.remove(set, "failed")
		return rejected(fmt.Errorf("%w: last fragment ends at %d before data at %d", ErrFragmentPolicy, frag.end(), set.highest))
	}

	i := sort.Search(len(set.entries), func(i int) bool {
		return set.entries[i].frag.offset > frag.offset
	})

	precut := 0
	if i > 0 {
		if precut = set.entries[i-1].frag.end() - frag.offset; precut >= frag.length() && precut > 0 {
			if *debug {
				loggerDebug.Printf("Duplicate fragment %s: %d-%d already covered", key, frag.offset, frag.end())
			}
			return rejected(fmt.Errorf("%w: %d-%d", ErrDuplicateFragment, frag.offset, frag.end()))
		}
	}

	if err := st.reserve(set, 1); err != nil {
		st.remove(set, "failed")
		return rejected(err)
	}

	if precut > 0 {
		if *debug {
			loggerDebug.Printf("Fragment %s overlap -%d", key, precut)
		}
		frag.truncateFront(precut)
	}

	for i < len(set.entries) && frag.end() > set.entries[i].frag.offset {
		next := set.entries[i].frag
		aftercut := frag.end() - next.offset
		if aftercut < next.length() {
			if *debug {
				loggerDebug.Printf("Fragment %s adjust overlap %d", key, aftercut)
			}
			next.truncateFront(aftercut)
			break
		}
		// completely covered by the new fragment
		set.entries = append(set.entries[:i], set.entries[i+1:]...)
		st.release(1)
	}

	set.entries = append(set.entries, fragmentEntry{})
	copy(set.entries[i+1:], set.entries[i:])
	set.entries[i] = fragmentEntry{frag: frag}

	if frag.end() > set.highest {
		set.highest = frag.end()
	}
	if !frag.more {
		set.flags |= fragSeenLast
	}

	if *debug && created {
		loggerDebug.Printf("New reassembly for %s", key)
	}

	if !set.has(fragSeenLast) {
		return reassemblyResult{status: reassemblyIncomplete}
	}

	off := 0
	for _, e := range set.entries {
		if e.frag.offset != off {
			if *debug {
				loggerDebug.Printf("Missing fragment at %d for %s, next at %d, highest %d", off, key, e.frag.offset, set.highest)
			}
			return reassemblyResult{status: reassemblyIncomplete}
		}
		off = e.frag.end()
	}
	if off < set.highest {
		return reassemblyResult{status: reassemblyIncomplete}
	}

	first := set.entries[0].frag
	if len(first.header)+off > ipv4MaxPacket {
		st.remove(set, "failed")
		return rejected(fmt.Errorf("%w: %d header + %d payload", ErrReassemblyOverflow, len(first.header), off))
	}

	datagram, err := buildDatagram(set, off)
	if err != nil {
		st.remove(set, "failed")
		return rejected(err)
	}
	st.remove(set, "complete")

	if *debug {
		loggerDebug.Printf("Successfully reassembled %s with %d bytes", key, len(datagram))
	}
	return reassemblyResult{status: reassemblyComplete, datagram: datagram}
}

// buildDatagram concatenates the payload of a complete set behind the first
// fragment's header, restoring the addresses the set was keyed on and
// clearing the fragmentation fields.
func buildDatagram(set *fragmentSet, payloadLen int) ([]byte, error) {
	payload := make([]byte, 0, payloadLen)
	for _, e := range set.entries {
		payload = append(payload, e.frag.payload...)
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(set.entries[0].frag.header, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: first fragment header: %v", ErrHeaderMalformed, err)
	}

	newIP := ip
	newIP.Flags &= layers.IPv4DontFragment
	newIP.FragOffset = 0
	newIP.Length = 0 // recomputed by FixLengths
	newIP.SrcIP = set.key.Src.AsSlice()
	newIP.DstIP = set.key.Dst.AsSlice()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, &newIP, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("%w: serializing reassembled datagram: %v", ErrHeaderMalformed, err)
	}
	return buf.Bytes(), nil
}
