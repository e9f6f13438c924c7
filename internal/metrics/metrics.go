package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Outcomes recorded on the query and request metrics.
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeFailure  = "error"
	OutcomeRejected = "rejected" // malformed request
)

// queryDuration times backend execution, labeled by outcome.
var queryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kqlbridge_query_duration_seconds",
		Help:    "Duration of backend query execution.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.3, 1.2, 5, 30},
	},
	[]string{"outcome"},
)

var requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kqlbridge_requests_total",
		Help: "Search requests by the phase they finished in.",
	},
	[]string{"phase", "outcome"},
)

// RegisterDefault registers the runtime and process collectors and the
// bridge metrics. Calling it twice is harmless.
func RegisterDefault(logger *zap.Logger) {
	mustRegister(logger, "Go collector", collectors.NewGoCollector())
	mustRegister(logger, "process collector", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mustRegister(logger, "query duration histogram", queryDuration)
	mustRegister(logger, "request counter", requests)
}

func mustRegister(logger *zap.Logger, name string, c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		if logger != nil {
			logger.Fatal("failed to register "+name, zap.Error(err))
		} else {
			panic("metrics: failed to register " + name + ": " + err.Error())
		}
	}
}

// Timer measures one backend execution.
type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop records the elapsed time under outcome and returns it.
func (t *Timer) Stop(outcome string) time.Duration {
	elapsed := time.Since(t.start)
	queryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	return elapsed
}

// CountRequest records a request that finished in phase.
func CountRequest(phase, outcome string) {
	requests.WithLabelValues(phase, outcome).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
