package main

import "sort"

// cacheRange is a half-open byte range [start, end) of a datagram that has
// already been forwarded.
type cacheRange struct {
	start, end int
}

func (r cacheRange) length() int { return r.end - r.start }

// intervalSet keeps sorted, non-overlapping and non-touching ranges.
type intervalSet struct {
	ranges []cacheRange
}

// mergeOutcome tells the caller what insert did with a new range.
type mergeOutcome struct {
	// duplicate is set when nothing of the new range was left after
	// trimming; the caller drops the fragment.
	duplicate bool
	// frontCut and backCut are the bytes the caller has to remove from the
	// live payload for it to match stored.
	frontCut int
	backCut  int
	// stored is the trimmed range, before merging with neighbours.
	stored cacheRange
	// delta is the change in the number of stored ranges.
	delta int
}

// predecessor returns the index of the last range starting at or before
// off, or -1.
func (s *intervalSet) predecessor(off int) int {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].start > off })
	return i - 1
}

// insert records r, trimming it against what is already covered.
func (s *intervalSet) insert(r cacheRange) mergeOutcome {
	var out mergeOutcome
	before := len(s.ranges)

	p := s.predecessor(r.start)
	if p >= 0 && s.ranges[p].end > r.start {
		precut := s.ranges[p].end - r.start
		if precut >= r.length() {
			out.duplicate = true
			return out
		}
		r.start += precut
		out.frontCut = precut
	}

	// Followers start after the predecessor. Fully covered ones go away,
	// the first partially covered one limits the new range.
	i := p + 1
	for i < len(s.ranges) && s.ranges[i].start < r.end {
		if s.ranges[i].end <= r.end {
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			continue
		}
		aftercut := r.end - s.ranges[i].start
		r.end = s.ranges[i].start
		out.backCut = aftercut
		break
	}

	if r.length() <= 0 {
		out.duplicate = true
		out.delta = len(s.ranges) - before
		return out
	}
	out.stored = r

	// i is now the insertion point; merge with touching neighbours.
	switch {
	case p >= 0 && s.ranges[p].end == r.start && i < len(s.ranges) && s.ranges[i].start == r.end:
		s.ranges[p].end = s.ranges[i].end
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	case p >= 0 && s.ranges[p].end == r.start:
		s.ranges[p].end = r.end
	case i < len(s.ranges) && s.ranges[i].start == r.end:
		s.ranges[i].start = r.start
	default:
		s.ranges = append(s.ranges, cacheRange{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = r
	}
	out.delta = len(s.ranges) - before
	return out
}

// covers reports whether the set is exactly one range [0, end).
func (s *intervalSet) covers(end int) bool {
	return len(s.ranges) == 1 && s.ranges[0].start == 0 && s.ranges[0].end == end
}

func (s *intervalSet) len() int { return len(s.ranges) }
