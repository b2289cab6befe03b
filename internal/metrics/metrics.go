package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crisischat_sessions_created_total",
			Help: "Total crisis sessions created",
		},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisischat_messages_routed_total",
			Help: "Total messages appended and broadcast",
		},
		[]string{"sender_role"},
	)

	MatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crisischat_matches_total",
			Help: "Total room-responder pairings",
		},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisischat_escalations_total",
			Help: "Total escalations by trigger",
		},
		[]string{"trigger"},
	)

	RiskHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crisischat_risk_scanner_hits_total",
			Help: "Total messages flagged by the keyword risk scanner",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crisischat_waiting_queue_depth",
			Help: "Rooms currently waiting for a responder",
		},
	)

	RespondersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crisischat_responders_online",
			Help: "Responders currently connected",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crisischat_broadcast_drops_total",
			Help: "Subscribers dropped for not keeping up with broadcasts",
		},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisischat_persist_failures_total",
			Help: "Fire-and-forget persistence failures by operation",
		},
		[]string{"op"},
	)
)
