package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the session-level metrics.
type Collector struct {
	TurnsTotal       *prometheus.CounterVec
	TurnErrorsTotal  *prometheus.CounterVec
	AudioChunksTotal *prometheus.CounterVec
	AudioSeconds     *prometheus.CounterVec
	BufferFillPct    prometheus.Gauge
	BufferOverruns   prometheus.Counter
	BufferUnderruns  prometheus.Counter
	HumanInterrupts  prometheus.Counter
	SessionState     *prometheus.GaugeVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "turns_total",
			Help:      "Completed speaking turns by participant and end status.",
		}, []string{"participant", "status"}),
		TurnErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "turn_errors_total",
			Help:      "Turn failures by stage.",
		}, []string{"stage"}),
		AudioChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "audio_chunks_total",
			Help:      "PCM chunks accepted by the mixer per participant.",
		}, []string{"participant"}),
		AudioSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "audio_seconds_total",
			Help:      "Synthesized audio duration per participant.",
		}, []string{"participant"}),
		BufferFillPct: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mofafm",
			Name:      "buffer_fill_pct",
			Help:      "Ring buffer fill percentage.",
		}),
		BufferOverruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "buffer_overruns_total",
			Help:      "Ring buffer overruns.",
		}),
		BufferUnderruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "buffer_underruns_total",
			Help:      "Ring buffer underruns.",
		}),
		HumanInterrupts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "human_interrupts_total",
			Help:      "Accepted human interrupts.",
		}),
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mofafm",
			Name:      "session_state",
			Help:      "Current session state as a one-hot gauge.",
		}, []string{"state"}),
	}
}

// SetState flips the one-hot session state gauge.
func (c *Collector) SetState(state string) {
	for _, s := range []string{"idle", "running", "interrupted", "ending", "error"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.SessionState.WithLabelValues(s).Set(v)
	}
}
