package main

import (
	"fmt"
	"sync"
	"time"
)

const (
	fragSeenLast = 1 << iota
	fragNoBuffer
	fragPoisoned
)

// fragmentEntry is one buffered fragment of a datagram.
type fragmentEntry struct {
	frag *ipFragment
}

// fragmentSet is the reassembly state of one datagram. A buffering store
// fills entries, a cache store fills ranges.
type fragmentSet struct {
	key       FragmentSetKey
	highest   int // highest end offset observed
	lastTouch time.Time
	flags     int

	entries []fragmentEntry
	ranges  intervalSet

	// age queue links; prev is newer, next is older
	prev, next *fragmentSet
}

func (s *fragmentSet) has(flag int) bool { return s.flags&flag != 0 }

// size is the number of pool objects the set holds.
func (s *fragmentSet) size() int {
	if s.has(fragNoBuffer) {
		return s.ranges.len()
	}
	return len(s.entries)
}

// entryPool enforces a cap on live FragmentEntry or CacheRange objects.
type entryPool struct {
	limit int
	used  int
}

func (p *entryPool) available(n int) bool {
	return p.limit <= 0 || p.used+n <= p.limit
}

// FragmentStoreStats tracks the lifecycle of fragment sets in one store.
type FragmentStoreStats struct {
	Created  uint64
	Complete uint64
	Failed   uint64
	Expired  uint64
	Evicted  uint64
	Live     uint64
	Entries  uint64
}

// FragmentStore is a table of in-progress datagrams with an age queue.
// The head of the queue is the most recently touched set. All methods
// except the exported ones expect mu to be held.
type FragmentStore struct {
	mu       sync.Mutex
	name     string
	buffered bool
	sets     map[FragmentSetKey]*fragmentSet
	head     *fragmentSet
	tail     *fragmentSet
	timeout  time.Duration
	maxSets  int
	pool     entryPool
	stats    FragmentStoreStats

	// onRemove is told about every set leaving the store and why.
	onRemove func(store string, key FragmentSetKey, cause string)
}

// evictFraction is the share of pool objects released on exhaustion.
const evictFraction = 0.1

// NewFragmentStore creates a store. buffered selects between keeping
// payload (entries) and keeping coverage only (ranges).
func NewFragmentStore(name string, buffered bool, timeout time.Duration, maxSets, maxEntries int) *FragmentStore {
	return &FragmentStore{
		name:     name,
		buffered: buffered,
		sets:     make(map[FragmentSetKey]*fragmentSet),
		timeout:  timeout,
		maxSets:  maxSets,
		pool:     entryPool{limit: maxEntries},
	}
}

// find looks a set up by exact key and touches it.
func (st *FragmentStore) find(key FragmentSetKey, now time.Time) *fragmentSet {
	s, ok := st.sets[key]
	if !ok {
		return nil
	}
	st.touch(s, now)
	return s
}

// findOrCreate returns the set for key, creating an empty one if needed.
// created reports whether the set is new.
func (st *FragmentStore) findOrCreate(key FragmentSetKey, now time.Time) (s *fragmentSet, created bool, err error) {
	if s = st.find(key, now); s != nil {
		return s, false, nil
	}
	if st.maxSets > 0 && len(st.sets) >= st.maxSets {
		st.evict(evictSets, evictFraction, nil)
		if len(st.sets) >= st.maxSets {
			return nil, false, fmt.Errorf("%w: %s store holds %d datagrams", ErrResourceExhausted, st.name, len(st.sets))
		}
	}
	s = &fragmentSet{key: key, lastTouch: now}
	if !st.buffered {
		s.flags |= fragNoBuffer
	}
	st.sets[key] = s
	st.pushFront(s)
	st.stats.Created++
	st.stats.Live++
	return s, true, nil
}

// reserve takes n pool objects for s, evicting older sets once if the pool
// is exhausted. s itself is never evicted.
func (st *FragmentStore) reserve(s *fragmentSet, n int) error {
	if n <= 0 {
		return nil
	}
	if !st.pool.available(n) {
		st.evict(evictEntries, evictFraction, s)
		if !st.pool.available(n) {
			return fmt.Errorf("%w: %s store at %d/%d entries", ErrResourceExhausted, st.name, st.pool.used, st.pool.limit)
		}
	}
	st.pool.used += n
	st.stats.Entries = uint64(st.pool.used)
	return nil
}

// release hands n pool objects back.
func (st *FragmentStore) release(n int) {
	st.pool.used -= n
	if st.pool.used < 0 {
		loggerInfo.Printf("%s fragment pool counter below zero (%d), resetting", st.name, st.pool.used)
		st.pool.used = 0
	}
	st.stats.Entries = uint64(st.pool.used)
}

// touch refreshes the set's timestamp and moves it to the newest end.
func (st *FragmentStore) touch(s *fragmentSet, now time.Time) {
	s.lastTouch = now
	if st.head == s {
		return
	}
	st.unlink(s)
	st.pushFront(s)
}

// remove destroys s and returns its pool objects. cause is one of
// "complete", "failed", "expired" or "evicted".
func (st *FragmentStore) remove(s *fragmentSet, cause string) {
	if cur, ok := st.sets[s.key]; !ok || cur != s {
		return
	}
	delete(st.sets, s.key)
	st.unlink(s)
	st.release(s.size())
	s.entries = nil
	s.ranges = intervalSet{}
	st.stats.Live--
	switch cause {
	case "complete":
		st.stats.Complete++
	case "expired":
		st.stats.Expired++
	case "evicted":
		st.stats.Evicted++
	default:
		st.stats.Failed++
	}
	if st.onRemove != nil {
		st.onRemove(st.name, s.key, cause)
	}
}

// purgeExpired removes every set idle for longer than the store timeout,
// walking from the oldest end and stopping at the first live one.
func (st *FragmentStore) purgeExpired(now time.Time) int {
	n := 0
	for s := st.tail; s != nil; s = st.tail {
		if now.Sub(s.lastTouch) <= st.timeout {
			break
		}
		if *debug {
			loggerDebug.Printf("%s fragment timeout: %s (%d pieces, highest %d)", st.name, s.key, s.size(), s.highest)
		}
		st.remove(s, "expired")
		n++
	}
	return n
}

// evictLimit names the store limit an eviction has to make room under.
type evictLimit int

const (
	evictEntries evictLimit = 1 << iota
	evictSets
)

// evict removes the oldest sets until each limit in which is down to
// (1-fraction) of its current use. keep is skipped.
func (st *FragmentStore) evict(which evictLimit, fraction float64, keep *fragmentSet) int {
	entryGoal, setGoal := st.pool.used, len(st.sets)
	if which&evictEntries != 0 {
		entryGoal = int(float64(st.pool.used) * (1 - fraction))
	}
	if which&evictSets != 0 {
		setGoal = int(float64(len(st.sets)) * (1 - fraction))
	}
	if *debug {
		loggerDebug.Printf("%s fragment store under pressure: trying to free %d entries and %d datagrams",
			st.name, st.pool.used-entryGoal, len(st.sets)-setGoal)
	}
	n := 0
	s := st.tail
	for s != nil && (st.pool.used > entryGoal || len(st.sets) > setGoal) {
		prev := s.prev
		if s != keep {
			st.remove(s, "evicted")
			n++
		}
		s = prev
	}
	return n
}

func (st *FragmentStore) pushFront(s *fragmentSet) {
	s.prev = nil
	s.next = st.head
	if st.head != nil {
		st.head.prev = s
	}
	st.head = s
	if st.tail == nil {
		st.tail = s
	}
}

func (st *FragmentStore) unlink(s *fragmentSet) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if st.head == s {
		st.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else if st.tail == s {
		st.tail = s.prev
	}
	s.prev, s.next = nil, nil
}

// SetRemoveHook installs fn, called with the store lock held for every set
// leaving the store.
func (st *FragmentStore) SetRemoveHook(fn func(store string, key FragmentSetKey, cause string)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onRemove = fn
}

// Name is "buffer" or "cache".
func (st *FragmentStore) Name() string { return st.name }

// PurgeExpired is the locked entry point used by the sweeper.
func (st *FragmentStore) PurgeExpired(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.purgeExpired(now)
}

// EvictFraction is the locked form of evict.
func (st *FragmentStore) EvictFraction(fraction float64) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.evict(evictEntries|evictSets, fraction, nil)
}

// Len returns the number of live sets.
func (st *FragmentStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sets)
}

// Contains reports whether a set for key is live, without touching it.
func (st *FragmentStore) Contains(key FragmentSetKey) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sets[key]
	return ok
}

// GetStats returns a copy of the store statistics.
func (st *FragmentStore) GetStats() FragmentStoreStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}
