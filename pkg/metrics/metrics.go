package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callstream_active_sessions",
		Help: "Number of call sessions with an open transport",
	})
	PlaybackActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callstream_playback_active",
		Help: "1 while a downstream audio buffer is playing",
	})
)

// Counters
var (
	FramesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callstream_frames_in_total",
		Help: "Inbound WebSocket frames by classification",
	}, []string{"kind"})
	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callstream_parse_errors_total",
		Help: "Inbound text frames that were not valid JSON",
	})
	AudioFramesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callstream_audio_frames_out_total",
		Help: "PCM16 frames written upstream",
	})
	CaptureBlocksDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callstream_capture_blocks_dropped_total",
		Help: "Capture blocks dropped because the downsample queue was full",
	})
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callstream_reconnect_attempts_total",
		Help: "Scheduled reconnect attempts",
	})
	ReconnectOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callstream_reconnect_outcomes_total",
		Help: "Reconnect attempt outcomes (success, error, exhausted)",
	}, []string{"outcome"})
	BootstrapRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callstream_bootstrap_requests_total",
		Help: "Session bootstrap HTTP requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	HandlerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callstream_handler_panics_total",
		Help: "Event handlers that panicked during dispatch",
	})
)

// Histograms
var (
	PlaybackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callstream_playback_duration_ms",
		Help:    "Duration of downstream audio buffers played to completion",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
	})
)
