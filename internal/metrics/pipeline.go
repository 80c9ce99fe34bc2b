package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCached   = "cached"
	OutcomeDegraded = "degraded"
)

// Pipeline holds the Prometheus collectors of the meeting pipeline.
// A nil *Pipeline records nothing.
type Pipeline struct {
	StageRuns      *prometheus.CounterVec
	StageSeconds   *prometheus.HistogramVec
	ChunksTotal    prometheus.Counter
	ChunkBytes     prometheus.Counter
	MeetingsSaved  *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

// NewPipeline registers the pipeline collectors on reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		StageRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meeting_stage_runs_total",
				Help: "Pipeline stage runs by outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meeting_stage_seconds",
				Help:    "Duration of remote pipeline stages",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		ChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_chunks_total",
			Help: "Recorded slices buffered in scratch",
		}),
		ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_chunk_bytes_total",
			Help: "Bytes of recorded slices buffered in scratch",
		}),
		MeetingsSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meeting_records_saved_total",
				Help: "Meeting records resolved by the save step, by final status",
			},
			[]string{"status"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_active_sessions",
			Help: "Sessions currently held in memory",
		}),
	}
}

// ObserveStage counts one stage run. Cached runs do not feed the histogram.
func (p *Pipeline) ObserveStage(stage, outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.StageRuns.WithLabelValues(stage, outcome).Inc()
	if outcome != OutcomeCached {
		p.StageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

func (p *Pipeline) ChunkStored(size int) {
	if p == nil {
		return
	}
	p.ChunksTotal.Inc()
	p.ChunkBytes.Add(float64(size))
}

func (p *Pipeline) MeetingSaved(status string) {
	if p == nil {
		return
	}
	p.MeetingsSaved.WithLabelValues(status).Inc()
}

func (p *Pipeline) SetSessions(n int) {
	if p == nil {
		return
	}
	p.ActiveSessions.Set(float64(n))
}
