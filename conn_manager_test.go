package main

import (
	"encoding/binary"
	"errors"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

// segStep describes one segment of a scripted connection.
type segStep struct {
	from     netip.AddrPort
	at       time.Duration
	syn, ack bool
	rst      bool
	tsval    uint32
	tsecr    uint32
	noTS     bool
	payload  int
	ttl      uint8
	wantErr  error
}

func (s segStep) build(t *testing.T) []byte {
	t.Helper()
	to := testServer
	if s.from == testServer {
		to = testClient
	}
	tcp := &layers.TCP{SYN: s.syn, ACK: s.ack, RST: s.rst}
	if !s.noTS {
		tcp.Options = []layers.TCPOption{tsOption(s.tsval, s.tsecr)}
	}
	ttl := s.ttl
	if ttl == 0 {
		ttl = 64
	}
	return buildSegment(t, s.from, to, ttl, tcp, patternPayload(s.payload))
}

func newStatefulNormalizer(cc ConnTrackerConfig) *Normalizer {
	cfg := DefaultConfig().NormalizerConfig()
	cfg.Conn = cc
	n := NewNormalizer(cfg)
	n.conns.randomMod = func() uint32 { return 0 }
	return n
}

var statefulRule = &ScrubRule{Name: "stateful", TCPState: true}

// runSegments feeds the script through n and checks every verdict.
func runSegments(t *testing.T, n *Normalizer, script []segStep) [][]byte {
	t.Helper()
	outs := make([][]byte, len(script))
	for i, s := range script {
		v, out, err := n.Normalize(s.build(t), statefulRule, testEpoch.Add(s.at))
		if s.wantErr != nil {
			if v != VerdictDrop || !errors.Is(err, s.wantErr) {
				t.Fatalf("Segment %d: expected drop with %v, got %s (%v)", i, s.wantErr, v, err)
			}
			continue
		}
		if v != VerdictPass || err != nil {
			t.Fatalf("Segment %d: expected pass, got %s (%v)", i, v, err)
		}
		outs[i] = out
	}
	return outs
}

// handshake opens a connection with both directions PAWS-armed: the client
// starts its clock at 1000 and the server at 5000.
var handshake = []segStep{
	{from: testClient, syn: true, tsval: 1000},
	{from: testServer, syn: true, ack: true, tsval: 5000, tsecr: 1000},
	{from: testClient, ack: true, tsval: 1001, tsecr: 5000},
}

func TestPAWSRejectsOutOfWindowTimestamps(t *testing.T) {
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})

	script := append(append([]segStep(nil), handshake...),
		segStep{from: testClient, at: time.Second, ack: true, tsval: 1002, tsecr: 5000, payload: 100},
		segStep{from: testServer, at: time.Second, ack: true, tsval: 5001, tsecr: 1002},
		// replayed old segment
		segStep{from: testClient, at: 2 * time.Second, ack: true, tsval: 900, tsecr: 5001, wantErr: ErrTimestampSequence},
		// echoes a value the server never sent
		segStep{from: testClient, at: 2 * time.Second, ack: true, tsval: 1003, tsecr: 4000, wantErr: ErrTimestampSequence},
		segStep{from: testClient, at: 2 * time.Second, ack: true, tsval: 1003, tsecr: 6000, wantErr: ErrTimestampSequence},
		// clock running faster than allowed
		segStep{from: testClient, at: 2 * time.Second, ack: true, tsval: 101002, tsecr: 5001, wantErr: ErrTimestampSequence},
		// data without a timestamp after timestamped data
		segStep{from: testClient, at: 2 * time.Second, ack: true, noTS: true, payload: 10, wantErr: ErrTimestampSequence},
		segStep{from: testClient, at: 2 * time.Second, ack: true, tsval: 1003, tsecr: 5001, payload: 10},
		segStep{from: testClient, at: 3 * time.Second, rst: true, ack: true, noTS: true},
	)
	runSegments(t, n, script)

	if n.Conns().Len() != 0 {
		t.Errorf("Expected RST to close the connection")
	}
	stats := n.Conns().GetStats()
	if stats.Created != 1 || stats.Closed != 1 || stats.Live != 0 {
		t.Errorf("Unexpected connection stats %+v", stats)
	}
}

func TestPAWSChecksWaitForBothDirections(t *testing.T) {
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})

	runSegments(t, n, []segStep{
		{from: testClient, syn: true, tsval: 1000},
		{from: testServer, syn: true, ack: true, tsval: 5000, tsecr: 1000},
		// tsecr below the server's first tsval, but the client is not armed yet
		{from: testClient, ack: true, tsval: 1001, tsecr: 3000},
		// same echo once both sides are armed
		{from: testClient, ack: true, tsval: 1002, tsecr: 3000, wantErr: ErrTimestampSequence},
	})
}

func TestPAWSGivesUpOnIdleConnections(t *testing.T) {
	tests := []struct {
		name       string
		paws       PAWSConfig
		wantServer bool // server direction idled too
	}{
		{
			name:       "sender idle past max-idle",
			paws:       PAWSConfig{MaxFreq: 1100, Fudge: time.Second, MaxIdle: time.Minute, MaxConn: time.Hour},
			wantServer: true,
		},
		{
			name:       "connection older than max-conn",
			paws:       PAWSConfig{MaxFreq: 1100, Fudge: time.Second, MaxIdle: time.Hour, MaxConn: time.Minute},
			wantServer: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: 24 * time.Hour, PAWS: tt.paws})
			script := append(append([]segStep(nil), handshake...),
				// would be a replay on an armed connection
				segStep{from: testClient, at: 2 * time.Minute, ack: true, tsval: 1, tsecr: 5000},
				segStep{from: testClient, at: 2*time.Minute + time.Second, ack: true, tsval: 2, tsecr: 5000},
			)
			runSegments(t, n, script)

			c := n.conns.conns[makeConnKey(testClient, testServer)]
			if c == nil {
				t.Fatalf("Connection not tracked")
			}
			client, server := c.states[0], c.states[1]
			if !client.has(scrubPAWSIdled) || client.has(scrubPAWS) {
				t.Errorf("Expected client checks idled for good, flags 0x%x", client.flags)
			}
			if server.has(scrubPAWSIdled) != tt.wantServer {
				t.Errorf("Server idled = %t, want %t", server.has(scrubPAWSIdled), tt.wantServer)
			}
			if client.tsval != 1001 {
				t.Errorf("An idled direction must not move its high-water mark, tsval %d", client.tsval)
			}
		})
	}
}

func TestTimestampModulation(t *testing.T) {
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})
	mods := []uint32{0x10000000, 0x20000000}
	n.conns.randomMod = func() uint32 {
		m := mods[0]
		mods = mods[1:]
		return m
	}

	outs := runSegments(t, n, []segStep{
		{from: testClient, syn: true, tsval: 1000},
		{from: testServer, syn: true, ack: true, tsval: 5000, tsecr: 1000 + 0x10000000},
		{from: testClient, ack: true, tsval: 1001, tsecr: 5000 + 0x20000000},
	})

	want := [][2]uint32{
		{1000 + 0x10000000, 0},
		{5000 + 0x20000000, 1000},
		{1001 + 0x10000000, 5000},
	}
	for i, out := range outs {
		th := segmentTCP(out)
		off, count := findTimestamps(th)
		if count != 1 {
			t.Fatalf("Segment %d: expected one timestamp option, got %d", i, count)
		}
		got := [2]uint32{binary.BigEndian.Uint32(th[off+2:]), binary.BigEndian.Uint32(th[off+6:])}
		if got != want[i] {
			t.Errorf("Segment %d: wire timestamps %v, want %v", i, got, want[i])
		}
		if !tcpChecksumOK(out) {
			t.Errorf("Segment %d: TCP checksum invalid after modulation", i)
		}
	}
}

func TestRejectsMultipleTimestampOptions(t *testing.T) {
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})
	runSegments(t, n, handshake)

	tcp := &layers.TCP{ACK: true, Options: []layers.TCPOption{tsOption(1002, 5000), tsOption(1003, 5000)}}
	pkt := buildSegment(t, testClient, testServer, 64, tcp, nil)
	v, _, err := n.Normalize(pkt, statefulRule, testEpoch.Add(time.Second))
	if v != VerdictDrop || !errors.Is(err, ErrHeaderMalformed) {
		t.Fatalf("Expected malformed header drop, got %s (%v)", v, err)
	}
}

func TestTTLFloorPerDirection(t *testing.T) {
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})
	outs := runSegments(t, n, []segStep{
		{from: testClient, syn: true, tsval: 1000, ttl: 64},
		{from: testClient, ack: true, tsval: 1001, ttl: 10},
		{from: testClient, ack: true, tsval: 1002, ttl: 100},
		{from: testClient, ack: true, tsval: 1003, ttl: 70},
	})

	for i, want := range []uint8{64, 64, 100, 100} {
		h := ipv4Header(outs[i])
		if h.ttl() != want {
			t.Errorf("Segment %d: expected TTL %d, got %d", i, want, h.ttl())
		}
		if !ipChecksumOK(outs[i]) {
			t.Errorf("Segment %d: IP checksum invalid", i)
		}
	}
}

func TestConnTrackerLifecycle(t *testing.T) {
	t.Run("mid-stream segments are not tracked", func(t *testing.T) {
		n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})
		runSegments(t, n, []segStep{{from: testClient, ack: true, tsval: 7, tsecr: 9}})
		if n.Conns().Len() != 0 || n.Conns().GetStats().Untracked != 1 {
			t.Errorf("Expected an untracked segment, stats %+v", n.Conns().GetStats())
		}
	})

	t.Run("table limit refuses new connections", func(t *testing.T) {
		n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, MaxConns: 1, PAWS: DefaultPAWSConfig()})
		runSegments(t, n, []segStep{{from: testClient, syn: true, tsval: 1}})

		other := netip.AddrPortFrom(testClient.Addr(), testClient.Port()+1)
		pkt := buildSegment(t, other, testServer, 64, &layers.TCP{SYN: true}, nil)
		v, _, err := n.Normalize(pkt, statefulRule, testEpoch)
		if v != VerdictDrop || !errors.Is(err, ErrResourceExhausted) {
			t.Fatalf("Expected memory drop, got %s (%v)", v, err)
		}
		if dropReason(err) != "memory" {
			t.Errorf("Expected drop reason memory, got %s", dropReason(err))
		}
		if st := n.Conns().GetStats(); st.Refused != 1 || st.Live != 1 {
			t.Errorf("Unexpected stats %+v", st)
		}
	})

	t.Run("new handshake replaces an answered connection", func(t *testing.T) {
		n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})
		runSegments(t, n, []segStep{
			{from: testClient, syn: true, tsval: 1000},
			{from: testServer, syn: true, ack: true, tsval: 5000, tsecr: 1000},
			{from: testClient, at: time.Minute, syn: true, tsval: 1},
		})
		st := n.Conns().GetStats()
		if st.Created != 2 || st.Live != 1 || n.Conns().Len() != 1 {
			t.Errorf("Unexpected stats after replacement %+v", st)
		}
		c := n.conns.conns[makeConnKey(testClient, testServer)]
		if c.states[1] != nil || c.states[0].tsval0 != 1 {
			t.Errorf("Expected fresh state after replacement")
		}
	})

	t.Run("idle connections expire", func(t *testing.T) {
		n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Minute, PAWS: DefaultPAWSConfig()})
		runSegments(t, n, []segStep{{from: testClient, syn: true, tsval: 1000}})

		if got := n.Conns().ExpireIdle(testEpoch.Add(30 * time.Second)); got != 0 {
			t.Fatalf("Expected nothing to expire yet, got %d", got)
		}
		frags, conns := n.Sweep(testEpoch.Add(2 * time.Minute))
		if frags != 0 || conns != 1 {
			t.Fatalf("Expected one connection to expire, got %d fragments and %d connections", frags, conns)
		}
		if st := n.Conns().GetStats(); st.Expired != 1 || st.Live != 0 {
			t.Errorf("Unexpected stats %+v", st)
		}
	})
}

func TestMakeConnKeyIsSymmetric(t *testing.T) {
	tests := []struct {
		name   string
		a, b   netip.AddrPort
		wantLo netip.AddrPort
	}{
		{"different addresses", testClient, testServer, testClient},
		{"same address", netip.MustParseAddrPort("192.0.2.10:40000"), netip.MustParseAddrPort("192.0.2.10:80"), netip.MustParseAddrPort("192.0.2.10:80")},
		{"mixed families", netip.MustParseAddrPort("[2001:db8::1]:53"), netip.MustParseAddrPort("203.0.113.5:53"), netip.MustParseAddrPort("203.0.113.5:53")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := makeConnKey(tt.a, tt.b)
			if k != makeConnKey(tt.b, tt.a) {
				t.Errorf("Both directions must map to the same key")
			}
			if k.lo != tt.wantLo {
				t.Errorf("Expected %s as the low endpoint, got %s", tt.wantLo, k.lo)
			}
		})
	}
}

func TestPAWSTicksSince(t *testing.T) {
	tests := []struct {
		name    string
		paws    PAWSConfig
		elapsed time.Duration
		want    uint32
	}{
		{"millisecond clock", PAWSConfig{MaxFreq: 1000}, 1500 * time.Millisecond, 1500},
		{"default frequency", PAWSConfig{}, time.Second, 1100},
		{"fudge added", PAWSConfig{MaxFreq: 1000, Fudge: 30 * time.Second}, time.Second, 31000},
		{"clock stepped back", PAWSConfig{MaxFreq: 1000, Fudge: time.Second}, -5 * time.Second, 0},
		{"fast clock over days", PAWSConfig{MaxFreq: 10000, Fudge: 30 * time.Second}, 6 * 24 * time.Hour, math.MaxInt32},
		{"highest frequency over hours", PAWSConfig{MaxFreq: 1000000, Fudge: 30 * time.Second}, 2 * time.Hour, math.MaxInt32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.paws.ticksSince(tt.elapsed); got != tt.want {
				t.Errorf("ticksSince(%s) = %d, want %d", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestPAWSWindowOnFastClockAfterLongGap(t *testing.T) {
	paws := DefaultPAWSConfig()
	paws.MaxFreq = 1000000
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: 24 * time.Hour, PAWS: paws})

	script := append(append([]segStep(nil), handshake...),
		segStep{from: testClient, at: 2 * time.Hour, ack: true, tsval: 2001, tsecr: 5000, payload: 10},
	)
	runSegments(t, n, script)
}

func TestUntimestampedFirstDataAllowsLaterUntimestampedData(t *testing.T) {
	n := newStatefulNormalizer(ConnTrackerConfig{IdleTimeout: time.Hour, PAWS: DefaultPAWSConfig()})

	script := append(append([]segStep(nil), handshake...),
		segStep{from: testClient, at: time.Second, ack: true, noTS: true, payload: 10},
		segStep{from: testClient, at: time.Second, ack: true, tsval: 1002, tsecr: 5000, payload: 10},
		segStep{from: testClient, at: 2 * time.Second, ack: true, noTS: true, payload: 10},
		// timestamped segments are still window checked
		segStep{from: testClient, at: 2 * time.Second, ack: true, tsval: 900, tsecr: 5000, wantErr: ErrTimestampSequence},
	)
	runSegments(t, n, script)

	c := n.conns.conns[makeConnKey(testClient, testServer)]
	if c == nil {
		t.Fatalf("Connection not tracked")
	}
	client := c.states[0]
	if !client.has(scrubDataNoTS) || client.has(scrubDataTS) {
		t.Errorf("Expected the first data segment to be recorded as untimestamped, flags 0x%x", client.flags)
	}
	if !client.has(scrubPAWS) {
		t.Errorf("Expected the client direction to stay armed, flags 0x%x", client.flags)
	}
}
