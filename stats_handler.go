package main

import (
	"math"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ScrubStats counts what the capture loop did with every frame.
type ScrubStats struct {
	mu            sync.Mutex
	Frames        uint64
	NonIPv4       uint64
	MirrorSkipped uint64 // frames that were not ERSPAN with decapsulation on
	Passed        uint64
	Held          uint64
	Reassembled   uint64
	BytesOut      uint64
	Dropped       map[string]uint64
}

// NewScrubStats creates zeroed statistics with a counter for every reason.
func NewScrubStats() *ScrubStats {
	s := &ScrubStats{Dropped: make(map[string]uint64, len(allDropReasons))}
	for _, r := range allDropReasons {
		s.Dropped[r] = 0
	}
	return s
}

// Record accounts one normalizer verdict. outLen is the size of the
// released packet for VerdictPass.
func (s *ScrubStats) Record(v Verdict, err error, reassembled bool, outLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Frames++
	switch v {
	case VerdictPass:
		s.Passed++
		s.BytesOut += uint64(outLen)
		if reassembled {
			s.Reassembled++
		}
	case VerdictHold:
		s.Held++
	case VerdictDrop:
		s.Dropped[dropReason(err)]++
	}
}

// RecordNonIPv4 accounts a frame passed through untouched.
func (s *ScrubStats) RecordNonIPv4(outLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	s.NonIPv4++
	s.BytesOut += uint64(outLen)
}

// RecordMirrorSkipped accounts a frame discarded by mirror decapsulation.
func (s *ScrubStats) RecordMirrorSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	s.MirrorSkipped++
}

// TotalDropped sums the drop counters.
func (s *ScrubStats) TotalDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, c := range s.Dropped {
		n += c
	}
	return n
}

// statisticsRows flattens the frame counters, fragment store and
// connection table statistics into (counter, value) rows in a stable order.
func statisticsRows(s *ScrubStats, n *Normalizer) [][]string {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }

	s.mu.Lock()
	rows := [][]string{
		{"frames", u(s.Frames)},
		{"non_ipv4", u(s.NonIPv4)},
		{"mirror_skipped", u(s.MirrorSkipped)},
		{"passed", u(s.Passed)},
		{"held", u(s.Held)},
		{"reassembled", u(s.Reassembled)},
		{"bytes_out", u(s.BytesOut)},
	}
	for _, r := range allDropReasons {
		rows = append(rows, []string{"dropped_" + r, u(s.Dropped[r])})
	}
	s.mu.Unlock()

	for _, st := range []*FragmentStore{n.Reassembler().Store(), n.FragmentCache().Store()} {
		fs := st.GetStats()
		p := "fragments_" + st.name + "_"
		rows = append(rows,
			[]string{p + "created", u(fs.Created)},
			[]string{p + "complete", u(fs.Complete)},
			[]string{p + "failed", u(fs.Failed)},
			[]string{p + "expired", u(fs.Expired)},
			[]string{p + "evicted", u(fs.Evicted)},
			[]string{p + "live", u(fs.Live)},
		)
	}

	cs := n.Conns().GetStats()
	rows = append(rows,
		[]string{"conns_created", u(cs.Created)},
		[]string{"conns_closed", u(cs.Closed)},
		[]string{"conns_expired", u(cs.Expired)},
		[]string{"conns_refused", u(cs.Refused)},
		[]string{"conns_live", u(cs.Live)},
		[]string{"segments_untracked", u(cs.Untracked)},
	)
	return rows
}

// dropLogger logs dropped packets at INFO, throttled so a flood of bad
// packets cannot flood the log.
type dropLogger struct {
	limiter    *rate.Limiter
	suppressed uint64
}

// newDropLogger allows perSecond lines per second; 0 means no limit.
func newDropLogger(perSecond float64) *dropLogger {
	if perSecond <= 0 {
		return &dropLogger{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(math.Max(1, math.Ceil(perSecond)))
	return &dropLogger{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (d *dropLogger) log(ev ScrubEvent) {
	if !d.limiter.Allow() {
		d.suppressed++
		return
	}
	fields := logrus.Fields{
		"src":    ev.Src,
		"dst":    ev.Dst,
		"proto":  ev.Protocol,
		"ip_id":  ev.IPID,
		"reason": ev.Reason,
		"length": ev.Length,
	}
	if d.suppressed > 0 {
		fields["suppressed"] = d.suppressed
		d.suppressed = 0
	}
	loggerInfo.WithFields(fields).Info("Dropped packet")
}
