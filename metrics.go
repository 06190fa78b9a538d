package groupsort

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Phase labels for groupsort_phase_duration_seconds.
const (
	phaseGrouping = "grouping"
	phaseSorting  = "sorting"
	phaseFinalize = "finalize"
)

// runMetrics holds the Prometheus collectors of a sort run. A nil
// *runMetrics is valid and records nothing.
type runMetrics struct {
	linesTotal     prometheus.Counter
	bytesTotal     prometheus.Counter
	bucketsSorted  prometheus.Counter
	buffersInUse   prometheus.Gauge
	phaseDurations *prometheus.HistogramVec
}

// newRunMetrics registers the run collectors with reg. Collectors already
// registered by an earlier run are reused, so repeated sorts in one process
// keep accumulating into the same series.
func newRunMetrics(reg prometheus.Registerer) (*runMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &runMetrics{
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsort_lines_total",
			Help: "Total number of lines grouped.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsort_bytes_total",
			Help: "Total number of line bytes grouped.",
		}),
		bucketsSorted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsort_buckets_sorted_total",
			Help: "Total number of non-empty buckets sorted and written.",
		}),
		buffersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groupsort_pool_buffers_in_use",
			Help: "Number of pooled line buffers currently checked out.",
		}),
		phaseDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "groupsort_phase_duration_seconds",
				Help:    "Wall time of each sort phase in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),
	}

	var err error
	if m.linesTotal, err = register(reg, m.linesTotal); err != nil {
		return nil, err
	}
	if m.bytesTotal, err = register(reg, m.bytesTotal); err != nil {
		return nil, err
	}
	if m.bucketsSorted, err = register(reg, m.bucketsSorted); err != nil {
		return nil, err
	}
	if m.buffersInUse, err = register(reg, m.buffersInUse); err != nil {
		return nil, err
	}
	if m.phaseDurations, err = register(reg, m.phaseDurations); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, or returns the collector registered before it
// under the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *runMetrics) addGrouped(lines int, bytes uint64) {
	if m == nil {
		return
	}
	m.linesTotal.Add(float64(lines))
	m.bytesTotal.Add(float64(bytes))
}

func (m *runMetrics) bucketSorted() {
	if m == nil {
		return
	}
	m.bucketsSorted.Inc()
}

func (m *runMetrics) setBuffersInUse(n int) {
	if m == nil {
		return
	}
	m.buffersInUse.Set(float64(n))
}

func (m *runMetrics) observePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDurations.WithLabelValues(phase).Observe(d.Seconds())
}
