package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	ticketCreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_creations_total",
			Help: "Ticket creations by tier and outcome",
		},
		[]string{"tier", "status"},
	)

	checkins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_checkins_total",
			Help: "Check-in attempts by outcome",
		},
		[]string{"outcome"},
	)

	decodeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qr_decode_attempts_total",
			Help: "Completed decode attempts per capture adapter",
		},
		[]string{"adapter", "outcome"},
	)

	dispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatches_total",
			Help: "Per-recipient notification dispatch results",
		},
		[]string{"status"},
	)

	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Duration of scan requests per adapter",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"adapter"},
	)

	pendingDrafts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_payment_drafts_total",
			Help: "Drafts held in Redis awaiting payment confirmation",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

func RecordTicketCreation(tier, status string) {
	ticketCreations.WithLabelValues(tier, status).Inc()
}

func RecordCheckIn(outcome string) {
	checkins.WithLabelValues(outcome).Inc()
}

func RecordDecodeAttempt(adapter, outcome string) {
	decodeAttempts.WithLabelValues(adapter, outcome).Inc()
}

func RecordDispatch(status string) {
	dispatchResults.WithLabelValues(status).Inc()
}

func ObserveScanDuration(adapter string, d time.Duration) {
	scanDuration.WithLabelValues(adapter).Observe(d.Seconds())
}

// Monitor periodically samples gauges that cannot be pushed at the point of
// change, such as the number of outstanding payment drafts in Redis.
type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		m.collectDraftMetrics(ctx)
		goroutineCount.Set(float64(runtime.NumGoroutine()))

		cancel()
	}
}

func (m *Monitor) collectDraftMetrics(ctx context.Context) {
	var count int64

	iter := m.redis.Scan(ctx, 0, "pending_draft:*", 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return
	}

	pendingDrafts.Set(float64(count))
}
