// Package pipeline drives one uploaded batch through ingestion, cleaning,
// feature engineering, aggregation and quality scoring.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/txn-pipeline/internal/aggregate"
	"github.com/sells-group/txn-pipeline/internal/clean"
	"github.com/sells-group/txn-pipeline/internal/feature"
	"github.com/sells-group/txn-pipeline/internal/fetcher"
	"github.com/sells-group/txn-pipeline/internal/ingest"
	"github.com/sells-group/txn-pipeline/internal/lock"
	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/monitoring"
	"github.com/sells-group/txn-pipeline/internal/quality"
	"github.com/sells-group/txn-pipeline/internal/store"
)

// StructuralError is a fatal problem with the upload as a whole.
type StructuralError = ingest.StructuralError

// ErrBatchExists is returned when a batch id is reused while its batch is not
// complete.
var ErrBatchExists = eris.New("pipeline: batch already exists")

// Phase names recorded in batch_phases.
const (
	PhaseIngest    = "ingest"
	PhaseClean     = "clean"
	PhaseFeatures  = "features"
	PhaseAggregate = "aggregate"
	PhaseQuality   = "quality"
)

// lockKey serializes batches: one batch in flight at a time.
const lockKey = "batch"

// Options tunes the orchestrator.
type Options struct {
	FeatureWorkers int
	// LockTimeout bounds the wait for another in-flight batch. Zero waits
	// as long as ctx allows.
	LockTimeout time.Duration
	// MaxRejections caps the rejections embedded in a BatchResult; all are
	// persisted regardless. Zero embeds none.
	MaxRejections int
}

// Input is one submitted upload. Either Table or Data must be set; Data is
// decoded according to Format.
type Input struct {
	BatchID string
	Source  string
	Format  fetcher.Format
	Data    []byte
	Table   *fetcher.Table
}

// Orchestrator runs batches.
type Orchestrator struct {
	store   store.Store
	locker  lock.Locker
	metrics *monitoring.Metrics
	opts    Options

	ingester   *ingest.Ingester
	cleaner    *clean.Cleaner
	features   *feature.Engine
	aggregator *aggregate.Aggregator
	ledger     *quality.Ledger
}

// New creates an Orchestrator. A nil locker selects an in-process lock; nil
// metrics disables instrumentation.
func New(st store.Store, locker lock.Locker, metrics *monitoring.Metrics, opts Options) *Orchestrator {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Orchestrator{
		store:      st,
		locker:     locker,
		metrics:    metrics,
		opts:       opts,
		ingester:   ingest.New(st),
		cleaner:    clean.New(st),
		features:   feature.New(st, opts.FeatureWorkers),
		aggregator: aggregate.New(st),
		ledger:     quality.NewLedger(st),
	}
}

// NewBatchID returns a fresh batch identifier of the form
// batch_<8 hex>_<unix seconds>.
func NewBatchID() string {
	hexPart := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("batch_%s_%d", hexPart, time.Now().Unix())
}

// Run processes one batch synchronously. Re-running the id of a complete
// batch returns its stored result without reprocessing.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*model.BatchResult, error) {
	batchID := in.BatchID
	if batchID == "" {
		batchID = NewBatchID()
	}
	log := zap.L().With(zap.String("batch_id", batchID), zap.String("source", in.Source))

	lockCtx := ctx
	if o.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, o.opts.LockTimeout)
		defer cancel()
	}
	unlock, err := o.locker.Lock(lockCtx, lockKey)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: acquire batch lock")
	}
	defer func() {
		if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			log.Warn("pipeline: failed to release batch lock", zap.Error(unlockErr))
		}
	}()

	if prior, done, err := o.resume(ctx, batchID); err != nil || done {
		if done {
			log.Info("pipeline: batch already complete, returning stored result")
		}
		return prior, err
	}

	if _, err := o.store.CreateBatch(ctx, batchID, in.Source, checksum(in)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(ErrBatchExists, "batch %s", batchID)
		}
		return nil, eris.Wrap(err, "pipeline: create batch")
	}

	log.Info("pipeline: batch received")
	o.metrics.BatchStarted()

	res, err := o.process(ctx, batchID, in, log)
	if err != nil {
		if failErr := o.store.FailBatch(context.WithoutCancel(ctx), batchID, err.Error()); failErr != nil {
			log.Warn("pipeline: failed to mark batch failed", zap.Error(failErr))
		}
		o.metrics.BatchFinished(string(model.BatchStatusFailed))
		log.Error("pipeline: batch failed", zap.Error(err))
		return nil, err
	}

	o.metrics.BatchFinished(string(model.BatchStatusComplete))
	return res, nil
}

// resume looks up an existing batch. done is true when its stored result
// should be returned as-is.
func (o *Orchestrator) resume(ctx context.Context, batchID string) (*model.BatchResult, bool, error) {
	existing, err := o.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "pipeline: get batch")
	}
	if existing.Status == model.BatchStatusComplete && existing.Result != nil {
		return existing.Result, true, nil
	}
	return nil, false, eris.Wrapf(ErrBatchExists, "batch %s is %s", batchID, existing.Status)
}

func (o *Orchestrator) process(ctx context.Context, batchID string, in Input, log *zap.Logger) (*model.BatchResult, error) {
	setStatus := func(status model.BatchStatus) {
		if statusErr := o.store.UpdateBatchStatus(ctx, batchID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.String("status", string(status)), zap.Error(statusErr))
		}
	}

	trackPhase := func(name string, fn func() (map[string]any, error)) error {
		phase, phaseErr := o.store.CreatePhase(ctx, batchID, name)
		if phaseErr != nil {
			log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		start := time.Now()
		meta, fnErr := fn()
		elapsed := time.Since(start)

		pr := &model.PhaseResult{
			Name:     name,
			Duration: elapsed.Milliseconds(),
			Metadata: meta,
		}
		if fnErr != nil {
			pr.Status = model.PhaseStatusFailed
			pr.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration),
				zap.Error(fnErr),
			)
		} else {
			pr.Status = model.PhaseStatusComplete
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration),
			)
		}
		o.metrics.ObserveStage(name, string(pr.Status), elapsed)

		if phase != nil {
			if err := o.store.CompletePhase(context.WithoutCancel(ctx), phase.ID, pr); err != nil {
				log.Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
			}
		}
		return fnErr
	}

	var rejections []model.Rejection
	var rejMu sync.Mutex
	persistRejections := func(rs []model.Rejection) error {
		if len(rs) == 0 {
			return nil
		}
		if err := o.store.InsertRejections(ctx, rs); err != nil {
			return eris.Wrap(err, "pipeline: insert rejections")
		}
		rejMu.Lock()
		rejections = append(rejections, rs...)
		rejMu.Unlock()
		return nil
	}

	// ===== Ingesting =====
	setStatus(model.BatchStatusIngesting)

	var ingested *ingest.Result
	err := trackPhase(PhaseIngest, func() (map[string]any, error) {
		table, err := decode(ctx, in)
		if err != nil {
			return nil, err
		}
		ingested, err = o.ingester.Run(ctx, batchID, table)
		if err != nil {
			return nil, err
		}
		rs := make([]model.Rejection, len(ingested.Errors))
		for i, e := range ingested.Errors {
			rs[i] = e.Rejection(batchID)
		}
		if err := persistRejections(rs); err != nil {
			return nil, err
		}
		return map[string]any{
			"total_rows": ingested.TotalRows,
			"raw":        len(ingested.Raw),
			"row_errors": len(ingested.Errors),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	// ===== Cleaning =====
	setStatus(model.BatchStatusCleaning)

	var cleaned *clean.Result
	err = trackPhase(PhaseClean, func() (map[string]any, error) {
		var err error
		cleaned, err = o.cleaner.Run(ctx, batchID, ingested.Raw)
		if err != nil {
			return nil, err
		}
		if err := persistRejections(cleaned.Rejections); err != nil {
			return nil, err
		}
		return map[string]any{
			"cleaned":    len(cleaned.Clean),
			"invalid":    cleaned.InvalidCount,
			"duplicates": cleaned.DuplicateCount,
			"warnings":   len(cleaned.Warnings),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	// ===== Enriching: features and aggregation are independent =====
	setStatus(model.BatchStatusEnriching)

	var features []model.FeatureRecord
	var aggregated *aggregate.Result

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trackPhase(PhaseFeatures, func() (map[string]any, error) {
			var err error
			features, err = o.features.Run(gCtx, batchID, cleaned.Clean)
			if err != nil {
				return nil, err
			}
			return map[string]any{"features": len(features)}, nil
		})
	})
	g.Go(func() error {
		return trackPhase(PhaseAggregate, func() (map[string]any, error) {
			var err error
			aggregated, err = o.aggregator.Run(gCtx, batchID, cleaned.Clean)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"daily_keys":    len(aggregated.Daily),
				"customer_keys": len(aggregated.Customers),
			}, nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// ===== Scoring =====
	setStatus(model.BatchStatusScoring)

	invalid := len(ingested.Errors) + cleaned.InvalidCount
	var metrics *model.QualityMetrics
	err = trackPhase(PhaseQuality, func() (map[string]any, error) {
		var err error
		metrics, err = o.ledger.Record(ctx, batchID, quality.Counts{
			Ingested:   ingested.TotalRows,
			Invalid:    invalid,
			Duplicates: cleaned.DuplicateCount,
			Cleaned:    len(cleaned.Clean),
			Features:   len(features),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"data_quality_percentage": metrics.DataQualityPercentage}, nil
	})
	if err != nil {
		return nil, err
	}

	result := &model.BatchResult{
		BatchID:               batchID,
		Status:                model.BatchStatusComplete,
		RecordsProcessed:      ingested.TotalRows,
		RecordsCleaned:        len(cleaned.Clean),
		InvalidRecords:        invalid,
		DuplicatesSkipped:     cleaned.DuplicateCount,
		DroppedRecords:        metrics.DroppedRecords,
		FeaturesGenerated:     len(features),
		RecordsTransformed:    aggregated.Transformed(),
		Warnings:              len(cleaned.Warnings),
		DataQualityPercentage: metrics.DataQualityPercentage,
		Rejections:            o.reported(rejections),
	}

	if err := o.store.CompleteBatch(ctx, batchID, result); err != nil {
		return nil, eris.Wrap(err, "pipeline: complete batch")
	}

	o.metrics.AddRows(monitoring.OutcomeCleaned, result.RecordsCleaned)
	o.metrics.AddRows(monitoring.OutcomeInvalid, result.InvalidRecords)
	o.metrics.AddRows(monitoring.OutcomeDuplicate, result.DuplicatesSkipped)
	o.metrics.SetQuality(result.DataQualityPercentage)

	log.Info("pipeline: batch complete",
		zap.Int("records_processed", result.RecordsProcessed),
		zap.Int("records_cleaned", result.RecordsCleaned),
		zap.Int("invalid_records", result.InvalidRecords),
		zap.Int("duplicates_skipped", result.DuplicatesSkipped),
		zap.Int("features_generated", result.FeaturesGenerated),
		zap.Float64("data_quality_percentage", result.DataQualityPercentage),
	)
	return result, nil
}

// reported orders rejections by row and applies the embed cap.
func (o *Orchestrator) reported(rs []model.Rejection) []model.Rejection {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].RowIndex < rs[j].RowIndex })
	if len(rs) > o.opts.MaxRejections {
		rs = rs[:o.opts.MaxRejections]
	}
	if len(rs) == 0 {
		return nil
	}
	return rs
}

func decode(ctx context.Context, in Input) (*fetcher.Table, error) {
	if in.Table != nil {
		return in.Table, nil
	}
	table, err := fetcher.Decode(ctx, in.Data, in.Format)
	if err != nil {
		return nil, &StructuralError{Reason: err.Error()}
	}
	return table, nil
}

func checksum(in Input) string {
	if len(in.Data) == 0 {
		return ""
	}
	sum := sha256.Sum256(in.Data)
	return hex.EncodeToString(sum[:])
}
