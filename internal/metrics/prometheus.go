package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "loop_agent"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	stepsConfirmed prometheus.Counter
	stepsFailed    prometheus.Counter
	plansCompleted prometheus.Counter
	plansAborted   prometheus.Counter
	deleverages    prometheus.Counter
	healthWarnings prometheus.Counter
	staleReads     prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	stepsConfirmed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "steps_confirmed_total",
		Help:      "Total number of confirmed loop instructions.",
	})
	stepsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "steps_failed_total",
		Help:      "Total number of failed loop instructions.",
	})
	plansCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "plans_completed_total",
		Help:      "Total number of loop plans executed to completion.",
	})
	plansAborted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "plans_aborted_total",
		Help:      "Total number of loop plans aborted mid-sequence.",
	})
	deleverages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "deleverages_triggered_total",
		Help:      "Total number of automatic deleverage runs.",
	})
	healthWarnings := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "health_warnings_total",
		Help:      "Total number of health factor warning band hits.",
	})
	staleReads := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stale_reads_total",
		Help:      "Total number of skipped health checks due to failed chain reads.",
	})

	registry.MustRegister(stepsConfirmed, stepsFailed, plansCompleted, plansAborted, deleverages, healthWarnings, staleReads)

	m := &Metrics{
		StepsConfirmed:       promCounter{stepsConfirmed},
		StepsFailed:          promCounter{stepsFailed},
		PlansCompleted:       promCounter{plansCompleted},
		PlansAborted:         promCounter{plansAborted},
		DeleveragesTriggered: promCounter{deleverages},
		HealthWarnings:       promCounter{healthWarnings},
		StaleReads:           promCounter{staleReads},
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		stepsConfirmed: stepsConfirmed,
		stepsFailed:    stepsFailed,
		plansCompleted: plansCompleted,
		plansAborted:   plansAborted,
		deleverages:    deleverages,
		healthWarnings: healthWarnings,
		staleReads:     staleReads,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
