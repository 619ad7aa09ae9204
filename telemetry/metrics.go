// Package telemetry provides Prometheus metrics, tracing setup, and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	GameplayEvents      *prometheus.CounterVec
	ResponsesAttempted  prometheus.Counter
	ResponsesSent       prometheus.Counter
	ResponsesSuppressed *prometheus.CounterVec
	CompletionFailures  prometheus.Counter
	ClipsCreated        prometheus.Counter
	ClipsSimulated      prometheus.Counter
	ClipsDiscarded      prometheus.Counter
	PlatformEvents      *prometheus.CounterVec

	// Histograms (seconds)
	CompletionDuration prometheus.Observer
	ClipCallDuration   prometheus.Observer

	// Gauges
	ClipQueueDepth     prometheus.Gauge
	ResponseQueueDepth prometheus.Gauge
	EngineActive       prometheus.Gauge // 1=active,0=inactive
	StreamLive         prometheus.Gauge // 1=live,0=offline
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		GameplayEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hypebot_gameplay_events_total", Help: "Simulated gameplay events by type"}, []string{"type"})
		ResponsesAttempted = promauto.NewCounter(prometheus.CounterOpts{Name: "hypebot_responses_attempted_total", Help: "Generation attempts approved by the decision engine"})
		ResponsesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "hypebot_responses_sent_total", Help: "Generated replies sent to chat"})
		ResponsesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hypebot_responses_suppressed_total", Help: "Triggers that did not produce a reply, by reason"}, []string{"reason"})
		CompletionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "hypebot_completion_failures_total", Help: "Completion provider failures (timeout, error, empty)"})
		ClipsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "hypebot_clips_created_total", Help: "Clips created via the Twitch API"})
		ClipsSimulated = promauto.NewCounter(prometheus.CounterOpts{Name: "hypebot_clips_simulated_total", Help: "Locally simulated clip records"})
		ClipsDiscarded = promauto.NewCounter(prometheus.CounterOpts{Name: "hypebot_clips_discarded_total", Help: "Clip requests discarded for staleness"})
		PlatformEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hypebot_platform_events_total", Help: "EventSub notifications by type"}, []string{"type"})
		CompletionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "hypebot_completion_duration_seconds", Help: "Completion call duration seconds", Buckets: prometheus.DefBuckets})
		ClipCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "hypebot_clip_call_duration_seconds", Help: "Clip API call duration seconds", Buckets: prometheus.DefBuckets})
		ClipQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "hypebot_clip_queue_depth", Help: "Pending clip requests"})
		ResponseQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "hypebot_response_queue_depth", Help: "Pending gameplay response triggers"})
		EngineActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "hypebot_engine_active", Help: "Response engine active=1 inactive=0"})
		StreamLive = promauto.NewGauge(prometheus.GaugeOpts{Name: "hypebot_stream_live", Help: "Monitored channel live=1 offline=0"})
	})
}

// IncGameplayEvent counts a simulated event by type.
func IncGameplayEvent(typ string) {
	if GameplayEvents != nil {
		GameplayEvents.WithLabelValues(typ).Inc()
	}
}

// IncSuppressed counts a trigger that produced no reply.
func IncSuppressed(reason string) {
	if ResponsesSuppressed != nil {
		ResponsesSuppressed.WithLabelValues(reason).Inc()
	}
}

// IncPlatformEvent counts an EventSub notification by type.
func IncPlatformEvent(typ string) {
	if PlatformEvents != nil {
		PlatformEvents.WithLabelValues(typ).Inc()
	}
}

// SetClipQueueDepth records the pending clip request count.
func SetClipQueueDepth(n int) {
	if ClipQueueDepth != nil {
		ClipQueueDepth.Set(float64(n))
	}
}

// SetResponseQueueDepth records the pending gameplay trigger count.
func SetResponseQueueDepth(n int) {
	if ResponseQueueDepth != nil {
		ResponseQueueDepth.Set(float64(n))
	}
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetStreamLive records whether the monitored channel is currently live.
func SetStreamLive(live bool) {
	if StreamLive == nil {
		return
	}
	if live {
		StreamLive.Set(1)
	} else {
		StreamLive.Set(0)
	}
}

// SetEngineActive records the response engine activation state.
func SetEngineActive(active bool) {
	if EngineActive == nil {
		return
	}
	if active {
		EngineActive.Set(1)
	} else {
		EngineActive.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
