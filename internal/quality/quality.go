// Package quality scores batches and maintains the quality metrics ledger.
package quality

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/model"
)

// Store persists and reads quality metrics.
type Store interface {
	InsertQualityMetrics(ctx context.Context, m *model.QualityMetrics) error
	GetQualityMetrics(ctx context.Context, batchID string) (*model.QualityMetrics, error)
	LatestQualityMetrics(ctx context.Context) (*model.QualityMetrics, error)
	QualityTotals(ctx context.Context) (*model.QualityTotals, error)
}

// Counts are the per-batch inputs to scoring.
type Counts struct {
	Ingested   int
	Invalid    int
	Duplicates int
	Cleaned    int
	Features   int
}

// Percentage returns the share of ingested rows that survived, in [0, 100]
// and rounded to two decimals. An empty batch scores 100.
func Percentage(total, invalid, duplicates int) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(total-invalid-duplicates) / float64(total) * 100
	return round2(clamp(pct))
}

func clamp(pct float64) float64 {
	return math.Max(0, math.Min(100, pct))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Metrics builds the QualityMetrics row for a batch.
func Metrics(batchID string, c Counts) *model.QualityMetrics {
	return &model.QualityMetrics{
		BatchID:               batchID,
		TotalRecordsIngested:  c.Ingested,
		InvalidRecords:        c.Invalid,
		DuplicateRecords:      c.Duplicates,
		CleanedRecords:        c.Cleaned,
		DroppedRecords:        c.Invalid + c.Duplicates,
		FeaturesGenerated:     c.Features,
		DataQualityPercentage: Percentage(c.Ingested, c.Invalid, c.Duplicates),
		CreatedAt:             time.Now().UTC(),
	}
}

// Ledger records and reports quality metrics.
type Ledger struct {
	store Store
}

// NewLedger creates a Ledger.
func NewLedger(st Store) *Ledger {
	return &Ledger{store: st}
}

// Record writes the immutable metrics row for a batch. A second write for the
// same batch fails with store.ErrConflict.
func (l *Ledger) Record(ctx context.Context, batchID string, c Counts) (*model.QualityMetrics, error) {
	m := Metrics(batchID, c)
	if err := l.store.InsertQualityMetrics(ctx, m); err != nil {
		return nil, eris.Wrapf(err, "quality: record batch %s", batchID)
	}
	zap.L().Info("quality: recorded",
		zap.String("batch_id", batchID),
		zap.Int("ingested", m.TotalRecordsIngested),
		zap.Int("cleaned", m.CleanedRecords),
		zap.Int("dropped", m.DroppedRecords),
		zap.Float64("quality_pct", m.DataQualityPercentage),
	)
	return m, nil
}

// Get returns the metrics of one batch.
func (l *Ledger) Get(ctx context.Context, batchID string) (*model.QualityMetrics, error) {
	m, err := l.store.GetQualityMetrics(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "quality: get batch %s", batchID)
	}
	return m, nil
}

// Latest returns the most recently recorded metrics, or nil when none exist.
func (l *Ledger) Latest(ctx context.Context) (*model.QualityMetrics, error) {
	m, err := l.store.LatestQualityMetrics(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "quality: latest")
	}
	return m, nil
}

// Aggregate returns the across-batches view.
func (l *Ledger) Aggregate(ctx context.Context) (*model.AggregateQuality, error) {
	t, err := l.store.QualityTotals(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "quality: totals")
	}
	return Summarize(t), nil
}

// Summarize derives the aggregate view from raw sums. The overall percentage
// weights every row equally; the average is the plain mean of batch scores.
func Summarize(t *model.QualityTotals) *model.AggregateQuality {
	agg := &model.AggregateQuality{
		TotalBatches:             t.Batches,
		TotalRecordsIngested:     t.Ingested,
		TotalInvalidRecords:      t.Invalid,
		TotalDuplicateRecords:    t.Duplicates,
		TotalCleanedRecords:      t.Cleaned,
		AverageQualityPercentage: 100,
		OverallQualityPercentage: 100,
	}
	if t.Batches > 0 {
		agg.AverageQualityPercentage = round2(t.PercentageSum / float64(t.Batches))
	}
	if t.Ingested > 0 {
		agg.OverallQualityPercentage = round2(clamp(float64(t.Cleaned) / float64(t.Ingested) * 100))
	}
	return agg
}
