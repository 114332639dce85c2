package arbiter

import (
	"fmt"
	"io"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
)

// Metrics counts engine activity. Counters are safe to read from other goroutines.
type Metrics struct {
	set *vm.Set

	Queries   *vm.Counter
	Refused   *vm.Counter
	Dropped   *vm.Counter
	Malformed *vm.Counter
	Buffered  *vm.Counter
	Ignored   *vm.Counter
	Timeouts  *vm.Counter

	replies  [classCount]*vm.Counter
	accepted [classCount]*vm.Counter

	live atomic.Int64
}

// NewMetrics returns a zeroed counter set registered in its own metrics.Set.
func NewMetrics() *Metrics {
	set := vm.NewSet()
	m := &Metrics{
		set:       set,
		Queries:   set.NewCounter("dnssplit_queries_total"),
		Refused:   set.NewCounter("dnssplit_refused_total"),
		Dropped:   set.NewCounter("dnssplit_dropped_total"),
		Malformed: set.NewCounter("dnssplit_malformed_total"),
		Buffered:  set.NewCounter("dnssplit_buffered_total"),
		Ignored:   set.NewCounter("dnssplit_ignored_total"),
		Timeouts:  set.NewCounter("dnssplit_timeouts_total"),
	}
	for c := Class(0); c < classCount; c++ {
		m.replies[c] = set.NewCounter(fmt.Sprintf(`dnssplit_replies_total{class=%q}`, c.String()))
		m.accepted[c] = set.NewCounter(fmt.Sprintf(`dnssplit_accepted_total{class=%q}`, c.String()))
	}
	set.NewGauge("dnssplit_sessions_live", func() float64 {
		return float64(m.live.Load())
	})
	return m
}

// Replies returns the number of upstream replies received from class c.
func (m *Metrics) Replies(c Class) uint64 { return m.replies[c].Get() }

// Accepted returns the number of class c replies sent to clients.
func (m *Metrics) Accepted(c Class) uint64 { return m.accepted[c].Get() }

// Live returns the number of sessions in flight.
func (m *Metrics) Live() int64 { return m.live.Load() }

// WritePrometheus writes all engine metrics in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Queries          uint64 `json:"queries"`
	Refused          uint64 `json:"refused"`
	Dropped          uint64 `json:"dropped"`
	Malformed        uint64 `json:"malformed"`
	Buffered         uint64 `json:"buffered"`
	Ignored          uint64 `json:"ignored"`
	Timeouts         uint64 `json:"timeouts"`
	UntrustedReplies uint64 `json:"untrusted_replies"`
	TrustedReplies   uint64 `json:"trusted_replies"`
	UntrustedAccept  uint64 `json:"untrusted_accepted"`
	TrustedAccept    uint64 `json:"trusted_accepted"`
	Live             int64  `json:"live_sessions"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Queries:          m.Queries.Get(),
		Refused:          m.Refused.Get(),
		Dropped:          m.Dropped.Get(),
		Malformed:        m.Malformed.Get(),
		Buffered:         m.Buffered.Get(),
		Ignored:          m.Ignored.Get(),
		Timeouts:         m.Timeouts.Get(),
		UntrustedReplies: m.Replies(Untrusted),
		TrustedReplies:   m.Replies(Trusted),
		UntrustedAccept:  m.Accepted(Untrusted),
		TrustedAccept:    m.Accepted(Trusted),
		Live:             m.live.Load(),
	}
}
