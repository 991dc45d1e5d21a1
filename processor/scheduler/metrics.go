package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors register once regardless of how many scheduler
// instances a process hosts.
var (
	notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "notifications_sent_total",
		Help:      "Notifications delivered to the transport.",
	})
	notificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "notifications_failed_total",
		Help:      "Notification delivery attempts that failed.",
	})
	slaReminders = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "sla_reminders_total",
		Help:      "Reminder notifications enqueued by the SLA sweep.",
	})
	slaEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "sla_escalations_total",
		Help:      "Escalation notifications enqueued by the SLA sweep.",
	})
	overdueSteps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "overdue_steps",
		Help:      "Live steps past their due time at the last sweep.",
	})
	staleLeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "stale_leases_reaped_total",
		Help:      "Abandoned dispatch leases cleared by the reaper.",
	})
	retryBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ticketflow",
		Subsystem: "scheduler",
		Name:      "retry_backlog",
		Help:      "Notifications past their backoff awaiting redelivery.",
	})
)
