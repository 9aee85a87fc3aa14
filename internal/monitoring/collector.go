package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/txn-pipeline/internal/model"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	BatchesTotal    int     `json:"batches_total"`
	BatchesComplete int     `json:"batches_complete"`
	BatchesFailed   int     `json:"batches_failed"`
	BatchesInFlight int     `json:"batches_in_flight"`
	FailRate        float64 `json:"fail_rate"`

	// Quality metrics of completed batches in the window.
	AverageQuality    float64 `json:"average_quality"`
	LowQualityBatches int     `json:"low_quality_batches"`
	QualityThreshold  float64 `json:"quality_threshold"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsStore is the store surface the collector reads.
type StatsStore interface {
	BatchWindowStats(ctx context.Context, since time.Time, qualityThreshold float64) (*model.BatchWindowStats, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store            StatsStore
	qualityThreshold float64
}

// NewCollector creates a new metrics collector. Batches scoring below
// qualityThreshold count as low quality.
func NewCollector(st StatsStore, qualityThreshold float64) *Collector {
	return &Collector{store: st, qualityThreshold: qualityThreshold}
}

// Collect gathers a snapshot of batch metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		QualityThreshold: c.qualityThreshold,
		LookbackHours:    lookbackHours,
		CollectedAt:      time.Now().UTC(),
	}

	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)
	stats, err := c.store.BatchWindowStats(ctx, cutoff, c.qualityThreshold)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: batch window stats")
	}

	snap.BatchesTotal = stats.Total
	snap.BatchesComplete = stats.Complete
	snap.BatchesFailed = stats.Failed
	snap.BatchesInFlight = max(stats.Total-stats.Complete-stats.Failed, 0)
	snap.AverageQuality = stats.AverageQuality
	snap.LowQualityBatches = stats.LowQuality

	finished := stats.Complete + stats.Failed
	if finished > 0 {
		snap.FailRate = float64(stats.Failed) / float64(finished)
	}

	return snap, nil
}
