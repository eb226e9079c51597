package main

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestFragmentCacheCrop(t *testing.T) {
	c := NewFragmentCache(30*time.Second, 10, 100)
	payload := patternPayload(104)

	key, first := fragmentOf(t, 21, 0, true, payload[:48])
	if res := c.Submit(key, first, FragmentCrop, testEpoch); res.status != cacheForward {
		t.Fatalf("Expected first fragment to be forwarded, got %d (%v)", res.status, res.err)
	}

	_, overlap := fragmentOf(t, 21, 40, true, payload[40:96])
	res := c.Submit(key, overlap, FragmentCrop, testEpoch)
	if res.status != cacheForward {
		t.Fatalf("Expected cropped fragment to be forwarded, got %d (%v)", res.status, res.err)
	}
	if res.frag.offset != 48 || res.frag.length() != 48 {
		t.Errorf("Expected crop to 48-96, got %d-%d", res.frag.offset, res.frag.end())
	}
	out := res.frag.bytes()
	if h := ipv4Header(out); h.fragOffset() != 48 || h.totalLen() != len(out) || !h.moreFragments() {
		t.Errorf("Cropped header inconsistent: offset %d total length %d (%d bytes) mf=%t",
			h.fragOffset(), h.totalLen(), len(out), h.moreFragments())
	}
	if !bytes.Equal(out[20:], payload[48:96]) {
		t.Errorf("Cropped payload mismatch")
	}
	if !ipChecksumOK(out) {
		t.Errorf("Header checksum invalid after crop")
	}

	_, dup := fragmentOf(t, 21, 8, true, payload[8:40])
	if res := c.Submit(key, dup, FragmentCrop, testEpoch); res.status != cacheDrop || !errors.Is(res.err, ErrDuplicateFragment) {
		t.Errorf("Expected fully covered fragment to be dropped as duplicate, got %d (%v)", res.status, res.err)
	}

	_, last := fragmentOf(t, 21, 96, false, payload[96:])
	res = c.Submit(key, last, FragmentCrop, testEpoch)
	if res.status != cacheComplete {
		t.Fatalf("Expected the last fragment to complete the datagram, got %d (%v)", res.status, res.err)
	}
	if c.Store().Len() != 0 {
		t.Errorf("Expected a complete datagram to leave the cache")
	}
	if st := c.Store().GetStats(); st.Complete != 1 || st.Entries != 0 {
		t.Errorf("Unexpected cache stats %+v", st)
	}
}

func TestFragmentCacheCropBack(t *testing.T) {
	c := NewFragmentCache(30*time.Second, 10, 100)
	payload := patternPayload(128)

	key, later := fragmentOf(t, 22, 48, true, payload[48:96])
	if res := c.Submit(key, later, FragmentCrop, testEpoch); res.status != cacheForward {
		t.Fatalf("Expected forward, got %d (%v)", res.status, res.err)
	}

	_, early := fragmentOf(t, 22, 0, true, payload[:64])
	res := c.Submit(key, early, FragmentCrop, testEpoch)
	if res.status != cacheForward {
		t.Fatalf("Expected forward, got %d (%v)", res.status, res.err)
	}
	if res.frag.offset != 0 || res.frag.length() != 48 {
		t.Errorf("Expected back crop to 0-48, got %d-%d", res.frag.offset, res.frag.end())
	}
	if !bytes.Equal(res.frag.payload, payload[:48]) {
		t.Errorf("Back-cropped payload mismatch")
	}
}

func TestFragmentCacheDropOverlapPoisons(t *testing.T) {
	c := NewFragmentCache(30*time.Second, 10, 100)
	payload := patternPayload(112)

	key, first := fragmentOf(t, 23, 0, true, payload[:48])
	if res := c.Submit(key, first, FragmentDropOverlap, testEpoch); res.status != cacheForward {
		t.Fatalf("Expected first fragment to be forwarded, got %d (%v)", res.status, res.err)
	}

	_, overlap := fragmentOf(t, 23, 40, true, payload[40:64])
	res := c.Submit(key, overlap, FragmentDropOverlap, testEpoch)
	if res.status != cacheDrop || !errors.Is(res.err, ErrFragmentPoisoned) {
		t.Fatalf("Expected overlap to poison the datagram, got %d (%v)", res.status, res.err)
	}

	// Later, non-overlapping fragments of the same datagram are dropped too.
	_, clean := fragmentOf(t, 23, 64, true, payload[64:96])
	res = c.Submit(key, clean, FragmentDropOverlap, testEpoch)
	if res.status != cacheDrop || !errors.Is(res.err, ErrFragmentPoisoned) {
		t.Fatalf("Expected poisoned datagram to keep dropping, got %d (%v)", res.status, res.err)
	}
	if !errors.Is(res.err, ErrFragmentPolicy) {
		t.Errorf("Poisoning must be reported as a fragment policy violation")
	}
	if dropReason(res.err) != "fragment-poisoned" {
		t.Errorf("Expected drop reason fragment-poisoned, got %s", dropReason(res.err))
	}

	_, last := fragmentOf(t, 23, 96, false, payload[96:])
	res = c.Submit(key, last, FragmentDropOverlap, testEpoch)
	if res.status != cacheDrop {
		t.Errorf("Expected the last fragment of a poisoned datagram to be dropped, got %d", res.status)
	}
	if c.Store().Len() != 0 {
		t.Errorf("Expected fully covered poisoned datagram to be released")
	}
}

func TestFragmentCacheUnalignedFrontCut(t *testing.T) {
	c := NewFragmentCache(30*time.Second, 10, 100)

	// NormalizeIPv4 never lets an unaligned non-final fragment this far.
	key, a := fragmentOf(t, 25, 0, true, patternPayload(44))
	if res := c.Submit(key, a, FragmentCrop, testEpoch); res.status != cacheForward {
		t.Fatalf("Expected forward, got %d (%v)", res.status, res.err)
	}
	_, b := fragmentOf(t, 25, 40, true, patternPayload(40))
	res := c.Submit(key, b, FragmentCrop, testEpoch)
	if res.status != cacheDrop || !errors.Is(res.err, ErrFragmentPolicy) {
		t.Errorf("Expected a crop the header cannot express to drop, got %d (%v)", res.status, res.err)
	}
	if !c.Store().Contains(key) {
		t.Errorf("An unaligned overlap under crop must not discard the datagram")
	}
}

func TestFragmentCacheDropsSetOnPoolExhaustion(t *testing.T) {
	c := NewFragmentCache(30*time.Second, 10, 1)
	payload := patternPayload(24)

	key, first := fragmentOf(t, 24, 0, true, payload[:8])
	if res := c.Submit(key, first, FragmentDropOverlap, testEpoch); res.status != cacheForward {
		t.Fatalf("Expected forward, got %d (%v)", res.status, res.err)
	}

	_, last := fragmentOf(t, 24, 16, false, payload[16:])
	res := c.Submit(key, last, FragmentDropOverlap, testEpoch)
	if res.status != cacheDrop || !errors.Is(res.err, ErrResourceExhausted) {
		t.Fatalf("Expected memory drop, got %d (%v)", res.status, res.err)
	}
	if c.Store().Contains(key) {
		t.Errorf("Expected the datagram to be dropped with its fragment")
	}
	if st := c.Store().GetStats(); st.Failed != 1 || st.Live != 0 || st.Entries != 0 {
		t.Errorf("Unexpected cache stats %+v", st)
	}

	// a retransmitted last fragment starts over cleanly
	_, last = fragmentOf(t, 24, 16, false, payload[16:])
	if res := c.Submit(key, last, FragmentDropOverlap, testEpoch.Add(time.Second)); res.status != cacheForward {
		t.Errorf("Expected the retransmit to be forwarded, got %d (%v)", res.status, res.err)
	}
}
