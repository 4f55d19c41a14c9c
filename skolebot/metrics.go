package skolebot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "skolebot"

// metrics holds the counters exposed on the API's /metrics route.
// Each bot gets its own registry, so tests can create as many bots
// as they like.
type metrics struct {
	registry *prometheus.Registry

	onboardingStarted   prometheus.Counter
	onboardingCompleted *prometheus.CounterVec
	onboardingAbandoned prometheus.Counter
	reviewDecisions     *prometheus.CounterVec
	pointsAwarded       prometheus.Counter
	levelUps            prometheus.Counter
	interactions        *prometheus.CounterVec
	apiRequests         *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		onboardingStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "onboarding",
				Name:      "started_total",
				Help:      "Questionnaires started",
			},
		),
		onboardingCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "onboarding",
				Name:      "completed_total",
				Help:      "Questionnaires completed, by role",
			},
			[]string{"role"},
		),
		onboardingAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "onboarding",
				Name:      "abandoned_total",
				Help:      "Questionnaires which timed out before completion",
			},
		),
		reviewDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "review",
				Name:      "decisions_total",
				Help:      "Teacher application review decisions",
			},
			[]string{"decision", "result"},
		),
		pointsAwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "leveling",
				Name:      "points_awarded_total",
				Help:      "Points awarded for messages",
			},
		),
		levelUps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "leveling",
				Name:      "level_ups_total",
				Help:      "Level-ups",
			},
		),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "interactions_total",
				Help:      "Interactions received, by command or component",
			},
			[]string{"name"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests, by route and status",
			},
			[]string{"route", "status"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.onboardingStarted,
		m.onboardingCompleted,
		m.onboardingAbandoned,
		m.reviewDecisions,
		m.pointsAwarded,
		m.levelUps,
		m.interactions,
		m.apiRequests,
	)
	return m
}
