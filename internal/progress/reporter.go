// Package progress derives completion statistics and ETA from the checkpoint store.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
)

// DefaultInterval is how often Watch logs.
const DefaultInterval = 30 * time.Second

// Report is a point-in-time view of the corpus.
type Report struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`

	CompletionPct       float64 `json:"completion_pct"`
	MeanProcessingMs    float64 `json:"mean_processing_time_ms"`
	MinProcessingMs     int64   `json:"min_processing_time_ms"`
	MaxProcessingMs     int64   `json:"max_processing_time_ms"`
	CompletedAttempts   int     `json:"completed_attempts"`
	FailedAttempts      int     `json:"failed_attempts"`
	ThroughputPerMinute float64 `json:"throughput_per_minute"`

	// ETA is meaningful only when ETAKnown; it needs one completed attempt.
	ETA      time.Duration `json:"eta"`
	ETAKnown bool          `json:"eta_known"`
}

// ETAString renders the ETA for humans.
func (r Report) ETAString() string {
	if !r.ETAKnown {
		return "unknown"
	}
	return r.ETA.Round(time.Second).String()
}

// Reporter reads statistics from a store. It never writes.
type Reporter struct {
	store  checkpoint.Store
	logger *slog.Logger
}

// NewReporter creates a reporter over store.
func NewReporter(store checkpoint.Store, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, logger: logger}
}

// Report queries the store and computes the derived figures.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	stats, err := r.store.Statistics(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("statistics: %w", err)
	}

	rep := Report{
		Total:             stats.Total,
		Completed:         stats.Completed,
		Failed:            stats.Failed,
		Processing:        stats.Processing,
		Pending:           stats.Pending,
		MeanProcessingMs:  stats.MeanProcessingMs,
		MinProcessingMs:   stats.MinProcessingMs,
		MaxProcessingMs:   stats.MaxProcessingMs,
		CompletedAttempts: stats.CompletedAttempts,
		FailedAttempts:    stats.FailedAttempts,
	}
	if stats.Total > 0 {
		rep.CompletionPct = float64(stats.Completed) / float64(stats.Total) * 100
	}
	if stats.CompletedAttempts > 0 {
		rep.ETAKnown = true
		remaining := float64(stats.Pending + stats.Processing)
		rep.ETA = time.Duration(remaining * stats.MeanProcessingMs * float64(time.Millisecond))
		if stats.MeanProcessingMs > 0 {
			rep.ThroughputPerMinute = 60000 / stats.MeanProcessingMs
		}
	}
	return rep, nil
}

// Watch logs a report every interval until ctx is cancelled.
func (r *Reporter) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := r.Report(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("progress report failed", "error", err)
				}
				continue
			}
			r.Log(rep)
		}
	}
}

// Log writes rep at info level.
func (r *Reporter) Log(rep Report) {
	r.logger.Info("progress",
		"completed", rep.Completed,
		"failed", rep.Failed,
		"pending", rep.Pending,
		"processing", rep.Processing,
		"total", rep.Total,
		"completion_pct", fmt.Sprintf("%.1f", rep.CompletionPct),
		"mean_ms", int64(rep.MeanProcessingMs),
		"eta", rep.ETAString())
}
