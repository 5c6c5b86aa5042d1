package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var HistogramBuckets = []float64{
	// --- Fast responses (0 - 500ms) ---
	25, 50, 75, 100, 150, 200, 300, 400, 500,

	// --- Medium responses around 700ms (500ms - 2s) ---
	750, 1000, 1250, 1500, 1750, 2000,

	// --- Slow responses (2s - 15s) ---
	2500, 3000, 4000, 5000, 7500, 10000, 15000,

	// --- Extended range: covers 60000ms+ (15s - 75s) ---
	20000,  // 20s
	30000,  // 30s
	45000,  // 45s
	60000,  // 60s
	75000,  // 75s
	90000,  // 90s
	120000, // 120s
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "gauge":
		metric = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "histogram":
		metric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
				Buckets:   HistogramBuckets,
			},
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "summary":
		metric = prometheus.NewSummary(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	}
	return metric
}

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "process latency in milliseconds",
	Type:        "histogram_vec",
	Args:        []string{"type", "subtype"},
}

var metricsJobItems = &Metric{
	ID:          "jobItems",
	Name:        "job_items_total",
	Description: "Items handled by background jobs, partitioned by job and outcome.",
	Type:        "counter_vec",
	Args:        []string{"job", "outcome"},
}

var metricsCharges = &Metric{
	ID:          "charges",
	Name:        "charges_total",
	Description: "Gateway charges created, partitioned by kind and resulting status.",
	Type:        "counter_vec",
	Args:        []string{"kind", "status"},
}

var metricsProvisioningGaps = &Metric{
	ID:          "provisioningGaps",
	Name:        "provisioning_gaps_total",
	Description: "Paid entitlements that could not be pushed to the directory.",
	Type:        "counter_vec",
	Args:        []string{"kind"},
}

var metricsNotifications = &Metric{
	ID:          "notifications",
	Name:        "notifications_total",
	Description: "Subscriber notifications, partitioned by template and delivery result.",
	Type:        "counter_vec",
	Args:        []string{"template", "result"},
}

// BusinessMetrics are the domain counters exposed next to the HTTP metrics.
type BusinessMetrics struct {
	processDur *prometheus.HistogramVec
	jobItems   *prometheus.CounterVec
	charges    *prometheus.CounterVec
	gaps       *prometheus.CounterVec
	notifies   *prometheus.CounterVec
}

// NewBusinessMetrics registers the domain collectors with reg.
// Collectors already registered with reg are reused.
func NewBusinessMetrics(reg prometheus.Registerer) *BusinessMetrics {
	register := func(m *Metric) prometheus.Collector {
		c := NewMetric(m, "")
		if m.Type == "histogram_vec" {
			c = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    m.Name,
				Help:    m.Description,
				Buckets: HistogramBuckets,
			}, m.Args)
		}
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
		}
		return c
	}
	return &BusinessMetrics{
		processDur: register(MetricsBusinessProcess).(*prometheus.HistogramVec),
		jobItems:   register(metricsJobItems).(*prometheus.CounterVec),
		charges:    register(metricsCharges).(*prometheus.CounterVec),
		gaps:       register(metricsProvisioningGaps).(*prometheus.CounterVec),
		notifies:   register(metricsNotifications).(*prometheus.CounterVec),
	}
}

// NewDefaultBusinessMetrics registers with the process-wide registry.
func NewDefaultBusinessMetrics() *BusinessMetrics {
	return NewBusinessMetrics(prometheus.DefaultRegisterer)
}

// ObserveProcess records the duration of a business process such as a job run.
func (m *BusinessMetrics) ObserveProcess(typ, subtype string, start time.Time) {
	if m == nil {
		return
	}
	m.processDur.WithLabelValues(typ, subtype).Observe(MillisecondsSince(start))
}

func (m *BusinessMetrics) JobItem(job, outcome string) {
	if m == nil {
		return
	}
	m.jobItems.WithLabelValues(job, outcome).Inc()
}

// JobItems adds n items with the same outcome.
func (m *BusinessMetrics) JobItems(job, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobItems.WithLabelValues(job, outcome).Add(float64(n))
}

func (m *BusinessMetrics) Charge(kind, status string) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(kind, status).Inc()
}

func (m *BusinessMetrics) ProvisioningGap(kind string) {
	if m == nil {
		return
	}
	m.gaps.WithLabelValues(kind).Inc()
}

func (m *BusinessMetrics) Notification(template string, delivered bool) {
	if m == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.notifies.WithLabelValues(template, result).Inc()
}

const (
	RefererKey = "X-Referer"
)

var Module = fx.Options(
	fx.Provide(NewDefaultBusinessMetrics),
)
