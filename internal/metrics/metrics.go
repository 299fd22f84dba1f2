package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coopbank_ledger"

// Metrics groups the service's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitionsTotal     *prometheus.CounterVec
	operationsTotal      *prometheus.CounterVec
	invariantViolations  prometheus.Counter
	gatewayCallsTotal    *prometheus.CounterVec
	gatewayCallDuration  *prometheus.HistogramVec
	notifierEventsTotal  *prometheus.CounterVec
	notifierQueueDepth   prometheus.Gauge
	pollerRunsTotal      *prometheus.CounterVec
	pollerCheckedTotal   prometheus.Counter
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDurations *prometheus.HistogramVec
}

// New registers every collector on reg. Passing nil uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transactions",
				Name:      "transitions_total",
				Help:      "Committed status transitions partitioned by type and target status.",
			},
			[]string{"type", "from", "to"},
		),
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transactions",
				Name:      "operations_total",
				Help:      "Service operations partitioned by operation and result.",
			},
			[]string{"operation", "result"},
		),
		invariantViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "invariant_violations_total",
				Help:      "Atomic units aborted by a failed balance invariant check.",
			},
		),
		gatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "calls_total",
				Help:      "Mobile-money provider calls partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		gatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "call_duration_seconds",
				Help:      "Mobile-money provider call latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		notifierEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifier",
				Name:      "events_total",
				Help:      "Events handled by the notifier partitioned by routing key and result.",
			},
			[]string{"routing_key", "result"},
		),
		notifierQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "notifier",
				Name:      "queue_depth",
				Help:      "Events waiting to be published.",
			},
		),
		pollerRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "runs_total",
				Help:      "Pending transaction poller runs partitioned by result.",
			},
			[]string{"result"},
		),
		pollerCheckedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "checked_total",
				Help:      "Pending gateway transactions re-polled by the poller.",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests partitioned by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		httpRequestDurations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) ObserveTransition(txType domain.TransactionType, from, to domain.TransactionStatus) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(txType), string(from), string(to)).Inc()
}

// ObserveOperation counts one service call and classifies its error.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, Result(err)).Inc()
	if errors.Is(err, domain.ErrInvariantViolation) {
		m.invariantViolations.Inc()
	}
}

func (m *Metrics) ObserveGatewayCall(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCallsTotal.WithLabelValues(operation, outcome).Inc()
	m.gatewayCallDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveNotifierEvent(routingKey, result string) {
	if m == nil {
		return
	}
	m.notifierEventsTotal.WithLabelValues(routingKey, result).Inc()
}

func (m *Metrics) SetNotifierQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.notifierQueueDepth.Set(float64(depth))
}

func (m *Metrics) ObservePollerRun(checked int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.pollerRunsTotal.WithLabelValues("error").Inc()
	} else {
		m.pollerRunsTotal.WithLabelValues("success").Inc()
	}
	m.pollerCheckedTotal.Add(float64(checked))
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDurations.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Result maps an operation error onto a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, domain.ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrGatewayRejected):
		return "gateway_rejected"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case domain.IsValidationError(err):
		return "invalid"
	default:
		return "error"
	}
}
