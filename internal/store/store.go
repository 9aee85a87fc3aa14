package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/txn-pipeline/internal/model"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = eris.New("not found")

// ErrConflict is returned when a write violates a uniqueness rule, such as a
// second QualityMetrics row for the same batch.
var ErrConflict = eris.New("conflict")

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Status model.BatchStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// FeatureFilter specifies criteria for listing feature records.
type FeatureFilter struct {
	BatchID    string
	CustomerID string
	Limit      int
}

// Store defines the persistence interface for the transaction pipeline.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, batchID, source, checksum string) (*model.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error
	CompleteBatch(ctx context.Context, batchID string, result *model.BatchResult) error
	FailBatch(ctx context.Context, batchID string, reason string) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)
	BatchWindowStats(ctx context.Context, since time.Time, qualityThreshold float64) (*model.BatchWindowStats, error)

	// Phases
	CreatePhase(ctx context.Context, batchID string, name string) (*model.BatchPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error
	ListPhases(ctx context.Context, batchID string) ([]model.BatchPhase, error)

	// Transactions
	InsertRaw(ctx context.Context, records []model.RawRecord) ([]int64, error)
	InsertClean(ctx context.Context, records []model.CleanRecord) ([]int64, error)
	ExistingTransactionIDs(ctx context.Context, ids []string) (map[string]bool, error)
	CustomerHistory(ctx context.Context, customerID string, upTo time.Time) ([]model.CleanRecord, error)
	DateRevenue(ctx context.Context, date time.Time) (float64, error)
	InsertRejections(ctx context.Context, rejections []model.Rejection) error
	ListRejections(ctx context.Context, batchID string, limit int) ([]model.Rejection, error)

	// Features
	InsertFeatures(ctx context.Context, features []model.FeatureRecord) (int, error)
	ListFeatures(ctx context.Context, filter FeatureFilter) ([]model.FeatureRecord, error)
	FeatureStats(ctx context.Context) (*model.FeatureStats, error)

	// Summaries
	UpsertDailySummaries(ctx context.Context, deltas []model.DailyDelta) error
	UpsertCustomerSummaries(ctx context.Context, deltas []model.CustomerDelta) error
	DailySummaries(ctx context.Context, limit int) ([]model.DailySummary, error)
	CustomerSummaries(ctx context.Context, limit int) ([]model.CustomerSummary, error)
	TopCustomers(ctx context.Context, limit int) ([]model.CustomerRevenue, error)
	DailyRevenueSeries(ctx context.Context) ([]model.RevenuePoint, error)

	// Quality
	InsertQualityMetrics(ctx context.Context, m *model.QualityMetrics) error
	GetQualityMetrics(ctx context.Context, batchID string) (*model.QualityMetrics, error)
	LatestQualityMetrics(ctx context.Context) (*model.QualityMetrics, error)
	QualityTotals(ctx context.Context) (*model.QualityTotals, error)

	// Analytics
	KPIs(ctx context.Context) (*model.KPIs, error)
	DatasetStats(ctx context.Context) (*model.DatasetStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func dateKey(t time.Time) string {
	return t.UTC().Format(model.DateLayout)
}

func parseDateKey(s string) (time.Time, error) {
	// SQLite may hand back either a bare date or a full timestamp.
	if len(s) > len(model.DateLayout) {
		s = s[:len(model.DateLayout)]
	}
	t, err := time.Parse(model.DateLayout, s)
	return t, eris.Wrapf(err, "parse stored date %q", s)
}
