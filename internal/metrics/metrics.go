// Package metrics holds the Prometheus collectors for the API and the helpers
// that record into them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdhub_http_requests_total",
			Help: "Total number of HTTP requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmdhub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ChatbotAnswersTotal splits answers into rule matches and the fallback text.
	ChatbotAnswersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdhub_chatbot_answers_total",
			Help: "Chatbot answers by outcome (matched or fallback)",
		},
		[]string{"outcome"},
	)

	EngagementActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdhub_engagement_actions_total",
			Help: "Like, unlike and copy actions by result",
		},
		[]string{"action", "result"},
	)

	ModerationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdhub_moderation_transitions_total",
			Help: "Moderation actions applied, by action and target state",
		},
		[]string{"action", "to"},
	)

	DuplicatesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdhub_duplicates_removed_total",
			Help: "Duplicate records deleted by resolution actions",
		},
	)

	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdhub_search_requests_total",
			Help: "Search requests by the backend that served them",
		},
		[]string{"backend"},
	)

	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmdhub_live_sessions",
			Help: "Open live catalog WebSocket sessions",
		},
	)
)

func RecordHTTPRequest(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func RecordChatbotAnswer(matched bool) {
	outcome := "fallback"
	if matched {
		outcome = "matched"
	}
	ChatbotAnswersTotal.WithLabelValues(outcome).Inc()
}

func RecordEngagement(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EngagementActionsTotal.WithLabelValues(action, result).Inc()
}

func RecordTransition(action, to string) {
	ModerationTransitionsTotal.WithLabelValues(action, to).Inc()
}

func RecordDuplicatesRemoved(n int) {
	if n > 0 {
		DuplicatesRemovedTotal.Add(float64(n))
	}
}

func RecordSearch(backend string) {
	SearchRequestsTotal.WithLabelValues(backend).Inc()
}
