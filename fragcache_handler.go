package main

import (
	"fmt"
	"time"
)

type cacheStatus int

const (
	cacheForward cacheStatus = iota
	cacheDrop
	cacheComplete
)

// cacheResult is what the FragmentCache did with one fragment. frag is the
// fragment to forward (possibly cropped) for cacheForward and cacheComplete.
type cacheResult struct {
	status cacheStatus
	frag   *ipFragment
	err    error
}

// FragmentCache is the non-buffering fragment filter. It only remembers
// which byte ranges of a datagram have been forwarded and either crops or
// drops fragments that would forward a byte twice.
type FragmentCache struct {
	store *FragmentStore
}

// NewFragmentCache creates a FragmentCache backed by its own cache store.
func NewFragmentCache(timeout time.Duration, maxSets, maxRanges int) *FragmentCache {
	return &FragmentCache{
		store: NewFragmentStore("cache", false, timeout, maxSets, maxRanges),
	}
}

// Store exposes the backing store for the sweeper and for statistics.
func (c *FragmentCache) Store() *FragmentStore { return c.store }

func cacheDropped(err error) cacheResult {
	return cacheResult{status: cacheDrop, err: err}
}

// Submit filters one fragment. policy is FragmentCrop or
// FragmentDropOverlap.
func (c *FragmentCache) Submit(key FragmentSetKey, frag *ipFragment, policy FragmentPolicy, now time.Time) cacheResult {
	st := c.store
	st.mu.Lock()
	defer st.mu.Unlock()

	set, _, err := st.findOrCreate(key, now)
	if err != nil {
		return cacheDropped(err)
	}

	if (set.has(fragSeenLast) && frag.end() > set.highest) || (!frag.more && frag.end() < set.highest) {
		err := fmt.Errorf("%w: fragment %d-%d inconsistent with datagram end %d", ErrFragmentPolicy, frag.offset, frag.end(), set.highest)
		if policy == FragmentDropOverlap {
			c.poison(set)
		} else {
			st.remove(set, "failed")
		}
		return cacheDropped(err)
	}

	if err := st.reserve(set, 1); err != nil {
		st.remove(set, "failed")
		return cacheDropped(err)
	}
	out := set.ranges.insert(cacheRange{start: frag.offset, end: frag.end()})
	st.release(1 - out.delta)

	if frag.end() > set.highest {
		set.highest = frag.end()
	}
	if !frag.more {
		set.flags |= fragSeenLast
	}

	res := cacheResult{status: cacheForward, frag: frag}
	switch {
	case set.has(fragPoisoned):
		res = cacheDropped(fmt.Errorf("%w: %s", ErrFragmentPoisoned, key))
	case out.duplicate:
		if *debug {
			loggerDebug.Printf("fragcache %s: dead %d-%d", key, frag.offset, frag.end())
		}
		res = cacheDropped(fmt.Errorf("%w: %d-%d", ErrDuplicateFragment, frag.offset, frag.end()))
	case out.frontCut > 0 || out.backCut > 0:
		if policy == FragmentDropOverlap {
			c.poison(set)
			res = cacheDropped(fmt.Errorf("%w: overlap at %d-%d", ErrFragmentPoisoned, frag.offset, frag.end()))
			break
		}
		if out.frontCut&7 != 0 {
			res = cacheDropped(fmt.Errorf("%w: unaligned overlap of %d bytes", ErrFragmentPolicy, out.frontCut))
			break
		}
		if *debug {
			loggerDebug.Printf("fragcache %s: chop %d-%d to %d-%d", key, frag.offset, frag.end(), out.stored.start, out.stored.end)
		}
		if out.frontCut > 0 {
			frag.truncateFront(out.frontCut)
		}
		if out.backCut > 0 {
			frag.truncateBack(out.backCut)
		}
	}

	if set.has(fragSeenLast) && set.ranges.covers(set.highest) {
		if *debug {
			loggerDebug.Printf("fragcache %s: done 0-%d", key, set.highest)
		}
		st.remove(set, "complete")
		if res.status == cacheForward {
			res.status = cacheComplete
		}
	}
	return res
}

func (c *FragmentCache) poison(set *fragmentSet) {
	if !set.has(fragPoisoned) {
		loggerDebug.Printf("fragcache %s: dropping overall datagram", set.key)
	}
	set.flags |= fragPoisoned
}
