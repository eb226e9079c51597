package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricValue returns the value of the series of name whose labels include
// every pair in labels.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("No series %s%v", name, labels)
	return 0
}

func TestScrubMetricsObserve(t *testing.T) {
	n := newTestNormalizer()
	m := newScrubMetrics(n)

	m.observe(VerdictPass, nil, false, 100)
	m.observe(VerdictPass, nil, true, 1000)
	m.observe(VerdictHold, nil, false, 0)
	m.observe(VerdictDrop, ErrDuplicateFragment, false, 0)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"pktscrub_packets_total", map[string]string{"verdict": "pass"}, 2},
		{"pktscrub_packets_total", map[string]string{"verdict": "hold"}, 1},
		{"pktscrub_packets_total", map[string]string{"verdict": "drop"}, 1},
		{"pktscrub_drops_total", map[string]string{"reason": "duplicate-fragment"}, 1},
		{"pktscrub_drops_total", map[string]string{"reason": "memory"}, 0},
		{"pktscrub_reassembled_datagrams_total", nil, 1},
		{"pktscrub_output_bytes_total", nil, 1100},
		{"pktscrub_tcp_connections", nil, 0},
	}
	for _, c := range checks {
		if got := metricValue(t, m.registry, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}

	var nilMetrics *scrubMetrics
	nilMetrics.observe(VerdictPass, nil, false, 1)
}

func TestScrubMetricsFragmentStores(t *testing.T) {
	n := newTestNormalizer()
	m := newScrubMetrics(n)

	key, frag := fragmentOf(t, 40, 0, true, patternPayload(16))
	n.Reassembler().Submit(key, frag, testEpoch)

	if got := metricValue(t, m.registry, "pktscrub_fragment_sets", map[string]string{"store": "buffer"}); got != 1 {
		t.Errorf("Expected one buffered set, got %v", got)
	}
	if got := metricValue(t, m.registry, "pktscrub_fragment_sets", map[string]string{"store": "cache"}); got != 0 {
		t.Errorf("Expected an empty cache, got %v", got)
	}

	n.Sweep(testEpoch.Add(time.Minute))
	removed := map[string]string{"store": "buffer", "cause": "expired"}
	if got := metricValue(t, m.registry, "pktscrub_fragment_sets_removed_total", removed); got != 1 {
		t.Errorf("Expected one expired set counted, got %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := newScrubMetrics(newTestNormalizer())
	m.observe(VerdictDrop, ErrTimestampSequence, false, 0)

	srv := httptest.NewServer(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), `pktscrub_drops_total{reason="timestamp-sequence"} 1`) {
		t.Errorf("Drop counter missing from exposition:\n%s", body)
	}
}
