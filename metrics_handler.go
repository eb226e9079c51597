package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "pktscrub"

// scrubMetrics exports the scrubber's counters and table sizes.
type scrubMetrics struct {
	registry *prometheus.Registry

	packets      *prometheus.CounterVec // by verdict
	drops        *prometheus.CounterVec // by reason
	reassembled  prometheus.Counter
	setsRemoved  *prometheus.CounterVec // by store and cause
	bytesWritten prometheus.Counter
}

// newScrubMetrics registers the scrubber metrics on a private registry and
// hooks into n's fragment stores.
func newScrubMetrics(n *Normalizer) *scrubMetrics {
	m := &scrubMetrics{
		registry: prometheus.NewPedanticRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_total",
			Help:      "Packets seen by the normalizer, by verdict.",
		}, []string{"verdict"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drops_total",
			Help:      "Packets dropped by the normalizer, by reason.",
		}, []string{"reason"}),
		reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reassembled_datagrams_total",
			Help:      "Datagrams rebuilt from buffered fragments.",
		}),
		setsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fragment_sets_removed_total",
			Help:      "Fragment sets leaving a store, by store and cause.",
		}, []string{"store", "cause"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "output_bytes_total",
			Help:      "Bytes of packets released downstream.",
		}),
	}

	conns := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "tcp_connections",
		Help:      "TCP connections under stateful scrubbing.",
	}, func() float64 { return float64(n.Conns().Len()) })

	// Pre-create label values so every series shows up from the start.
	for _, v := range []Verdict{VerdictPass, VerdictDrop, VerdictHold} {
		m.packets.WithLabelValues(v.String())
	}
	for _, r := range allDropReasons {
		m.drops.WithLabelValues(r)
	}

	m.registry.MustRegister(m.packets, m.drops, m.reassembled, m.setsRemoved, m.bytesWritten, conns)

	for _, st := range []*FragmentStore{n.Reassembler().Store(), n.FragmentCache().Store()} {
		st := st
		st.SetRemoveHook(func(store string, _ FragmentSetKey, cause string) {
			m.setsRemoved.WithLabelValues(store, cause).Inc()
		})
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "fragment_sets",
			Help:        "Datagrams currently under reassembly, by store.",
			ConstLabels: prometheus.Labels{"store": st.Name()},
		}, func() float64 { return float64(st.Len()) }))
	}
	return m
}

// observe records one normalizer verdict.
func (m *scrubMetrics) observe(v Verdict, err error, reassembled bool, outLen int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(v.String()).Inc()
	switch v {
	case VerdictDrop:
		m.drops.WithLabelValues(dropReason(err)).Inc()
	case VerdictPass:
		m.bytesWritten.Add(float64(outLen))
		if reassembled {
			m.reassembled.Inc()
		}
	}
}

// serveMetrics starts the /metrics endpoint in the background.
func serveMetrics(addr string, m *scrubMetrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			loggerInfo.Printf("Metrics server on %s stopped: %v", addr, err)
		}
	}()
	loggerInfo.Printf("Serving metrics on %s/metrics", addr)
	return srv
}
