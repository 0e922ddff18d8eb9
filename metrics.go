package sockauth

import (
	"sync/atomic"
	"time"

	"github.com/MrEthical07/sockauth/jwt"
)

// MetricID identifies one gate counter or histogram.
type MetricID uint16

const (
	// MetricAdmissionAccepted counts connections bound Authenticated.
	MetricAdmissionAccepted MetricID = iota
	// MetricAdmissionAnonymous counts connections bound Anonymous.
	MetricAdmissionAnonymous
	// MetricAdmissionRejected counts refused connections.
	MetricAdmissionRejected
	// MetricAdmissionAbandoned counts attempts whose peer went away mid-admission.
	MetricAdmissionAbandoned
	// MetricOptionalDegraded counts optional-mode attempts whose credential
	// was presented but failed.
	MetricOptionalDegraded
	MetricVerifyMissing
	MetricVerifyMalformed
	MetricVerifyExpired
	MetricVerifyMissingSubject
	MetricVerifySubjectRejected
	MetricVerifyUnexpected
	// MetricRateLimited counts handshakes refused by the limiter.
	MetricRateLimited
	// MetricMessageRateLimited counts channel events dropped by the message
	// limiter.
	MetricMessageRateLimited
	// MetricSubscriptionRateLimited counts room joins and leaves dropped by the
	// subscription limiter.
	MetricSubscriptionRateLimited
	// MetricSubjectLookupTimeout counts directory lookups that hit the timeout.
	MetricSubjectLookupTimeout
	// MetricAuthorizationDenied counts predicate denials through Gate.Authorize.
	MetricAuthorizationDenied
	// MetricPresenceError counts failed presence registry writes.
	MetricPresenceError
	// MetricAdmitLatency is the admission latency histogram.
	MetricAdmitLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free gate counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
// Histogram buckets are non-cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a metrics set from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram id. Only MetricAdmitLatency has buckets.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricAdmitLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies the current values. Disabled metrics yield empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricAdmitLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricAdmitLatency].buckets[i])
		}
		s.Histograms[MetricAdmitLatency] = buckets
	}

	return s
}

func verifyMetric(kind jwt.Kind) MetricID {
	switch kind {
	case jwt.KindMissing:
		return MetricVerifyMissing
	case jwt.KindMalformed:
		return MetricVerifyMalformed
	case jwt.KindExpired:
		return MetricVerifyExpired
	case jwt.KindMissingSubject:
		return MetricVerifyMissingSubject
	case jwt.KindSubjectRejected:
		return MetricVerifySubjectRejected
	default:
		return MetricVerifyUnexpected
	}
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
