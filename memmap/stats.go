package memmap

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Statistics counts what a build found. The counters are exported as
// Prometheus collectors through Register.
type Statistics struct {
	nodes         atomic.Int64
	processed     atomic.Int64
	encounters    atomic.Int64
	candidateSets atomic.Int64
	addressErrors atomic.Int64
	listEntries   atomic.Int64

	nodesTotal     prometheus.Counter
	processedTotal prometheus.Counter
	encounterTotal prometheus.Counter
	candidateGauge prometheus.Gauge
	errorsTotal    prometheus.Counter
	coveredGauge   prometheus.Gauge
	probability    prometheus.Histogram
}

func newStatistics() *Statistics {
	const ns, sub = "insight", "memmap"
	return &Statistics{
		nodesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "nodes_total",
			Help: "Number of nodes created.",
		}),
		processedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "processed_nodes_total",
			Help: "Number of nodes whose members were visited.",
		}),
		encounterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "encounters_total",
			Help: "Number of times an existing node was reached again.",
		}),
		candidateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "candidate_sets",
			Help: "Number of addresses with more than one candidate type.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "address_errors_total",
			Help: "Number of instances rejected for an invalid address.",
		}),
		coveredGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "covered_bytes",
			Help: "Bytes of guest memory covered by nodes.",
		}),
		probability: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "initial_probability",
			Help:    "Initial probabilities estimated by the oracle.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
}

// Register registers the collectors with reg.
func (s *Statistics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		s.nodesTotal, s.processedTotal, s.encounterTotal, s.candidateGauge,
		s.errorsTotal, s.coveredGauge, s.probability,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Statistics) nodeCreated(initial float64) {
	s.nodes.Add(1)
	s.nodesTotal.Inc()
	s.probability.Observe(initial)
}

func (s *Statistics) nodeProcessed() {
	s.processed.Add(1)
	s.processedTotal.Inc()
}

func (s *Statistics) nodeEncountered() {
	s.encounters.Add(1)
	s.encounterTotal.Inc()
}

func (s *Statistics) candidateSet() {
	s.candidateSets.Add(1)
	s.candidateGauge.Inc()
}

func (s *Statistics) addressError() {
	s.addressErrors.Add(1)
	s.errorsTotal.Inc()
}

// Snapshot is a copy of the counters.
type Snapshot struct {
	Nodes         int64
	Processed     int64
	Encounters    int64
	CandidateSets int64
	AddressErrors int64
	ListEntries   int64
	CoveredBytes  uint64
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s nodes, %s processed, %s encounters, %s candidate sets, %s list entries, %s covered, %s address errors",
		humanize.Comma(s.Nodes), humanize.Comma(s.Processed), humanize.Comma(s.Encounters),
		humanize.Comma(s.CandidateSets), humanize.Comma(s.ListEntries),
		humanize.IBytes(s.CoveredBytes), humanize.Comma(s.AddressErrors))
}
