// Package metrics records poll cycle and delivery counters.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine events.
type Recorder interface {
	CycleFinished(outcome string, duration time.Duration)
	QueryFailed()
	InvalidAddress()
	Delivered(accepted, rejected int)
	TransportFailed()
	Acknowledged(written, failed int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) CycleFinished(string, time.Duration) {}
func (Nop) QueryFailed()                        {}
func (Nop) InvalidAddress()                     {}
func (Nop) Delivered(int, int)                  {}
func (Nop) TransportFailed()                    {}
func (Nop) Acknowledged(int, int)               {}

var _ Recorder = Nop{}

// Prometheus is a Recorder backed by Prometheus collectors.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	queryFailures prometheus.Counter
	invalid       prometheus.Counter
	recipients    *prometheus.CounterVec
	transport     prometheus.Counter
	acks          *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates a collector registered on reg (the default registerer if nil).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "section_notifier"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"})
		p.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		})
		p.queryFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "store_query_failures_total",
			Help:      "Subscriber lookups that failed and were treated as empty.",
		})
		p.invalid = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "invalid_addresses_total",
			Help:      "Subscriber addresses skipped as malformed.",
		})
		p.recipients = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "recipients_total",
			Help:      "Notification recipients by transport result.",
		}, []string{"result"})
		p.transport = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "transport_failures_total",
			Help:      "Messages the mail transport failed to send.",
		})
		p.acks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "acknowledgments_total",
			Help:      "Notification timestamp writes by result.",
		}, []string{"result"})

		p.reg.MustRegister(p.cycles, p.cycleDuration, p.queryFailures, p.invalid, p.recipients, p.transport, p.acks)
	})
}

func (p *Prometheus) CycleFinished(outcome string, duration time.Duration) {
	p.ensureRegistered()
	p.cycles.WithLabelValues(outcome).Inc()
	p.cycleDuration.Observe(duration.Seconds())
}

func (p *Prometheus) QueryFailed() {
	p.ensureRegistered()
	p.queryFailures.Inc()
}

func (p *Prometheus) InvalidAddress() {
	p.ensureRegistered()
	p.invalid.Inc()
}

func (p *Prometheus) Delivered(accepted, rejected int) {
	p.ensureRegistered()
	p.recipients.WithLabelValues("accepted").Add(float64(accepted))
	p.recipients.WithLabelValues("rejected").Add(float64(rejected))
}

func (p *Prometheus) TransportFailed() {
	p.ensureRegistered()
	p.transport.Inc()
}

func (p *Prometheus) Acknowledged(written, failed int) {
	p.ensureRegistered()
	p.acks.WithLabelValues("written").Add(float64(written))
	p.acks.WithLabelValues("failed").Add(float64(failed))
}
