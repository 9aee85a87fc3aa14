package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/txn-pipeline/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// seedClean inserts matching raw and clean rows and returns the clean ids.
func seedClean(t *testing.T, s Store, batchID string, rows ...model.CleanRecord) []int64 {
	t.Helper()
	ctx := context.Background()

	raws := make([]model.RawRecord, len(rows))
	for i, c := range rows {
		raws[i] = model.RawRecord{
			BatchID:         batchID,
			RowIndex:        i + 1,
			TransactionID:   c.TransactionID,
			TransactionDate: c.TransactionDate.Format(model.DateLayout),
			CustomerID:      c.CustomerID,
			Product:         c.Product,
		}
	}
	rawIDs, err := s.InsertRaw(ctx, raws)
	require.NoError(t, err)
	require.Len(t, rawIDs, len(rows))

	for i := range rows {
		rows[i].BatchID = batchID
		rows[i].RawID = rawIDs[i]
	}
	ids, err := s.InsertClean(ctx, rows)
	require.NoError(t, err)
	require.Len(t, ids, len(rows))
	return ids
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		b, err := s.CreateBatch(ctx, "batch_0001", "upload.csv", "abc123")
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusReceived, b.Status)

		got, err := s.GetBatch(ctx, "batch_0001")
		require.NoError(t, err)
		assert.Equal(t, "upload.csv", got.Source)
		assert.Equal(t, "abc123", got.Checksum)
		assert.Equal(t, model.BatchStatusReceived, got.Status)
		assert.Nil(t, got.Result)
	})

	t.Run("CreateBatchConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateBatch(ctx, "batch_dup", "a.csv", "")
		require.NoError(t, err)

		_, err = s.CreateBatch(ctx, "batch_dup", "a.csv", "")
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrConflict))
	})

	t.Run("GetBatchNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetBatch(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("UpdateBatchStatusNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateBatchStatus(context.Background(), "missing", model.BatchStatusCleaning)
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("CompleteBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateBatch(ctx, "batch_done", "a.csv", "")
		require.NoError(t, err)
		require.NoError(t, s.UpdateBatchStatus(ctx, "batch_done", model.BatchStatusScoring))

		result := &model.BatchResult{
			BatchID:               "batch_done",
			Status:                model.BatchStatusComplete,
			RecordsProcessed:      3,
			RecordsCleaned:        2,
			InvalidRecords:        1,
			DataQualityPercentage: 66.67,
		}
		require.NoError(t, s.CompleteBatch(ctx, "batch_done", result))

		got, err := s.GetBatch(ctx, "batch_done")
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusComplete, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, 3, got.Result.RecordsProcessed)
		assert.InDelta(t, 66.67, got.Result.DataQualityPercentage, 1e-9)
	})

	t.Run("FailBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateBatch(ctx, "batch_fail", "a.csv", "")
		require.NoError(t, err)
		require.NoError(t, s.FailBatch(ctx, "batch_fail", "missing required columns"))

		got, err := s.GetBatch(ctx, "batch_fail")
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusFailed, got.Status)
		assert.Equal(t, "missing required columns", got.Error)
	})

	t.Run("ListBatchesFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"b1", "b2", "b3"} {
			_, err := s.CreateBatch(ctx, id, "a.csv", "")
			require.NoError(t, err)
		}
		require.NoError(t, s.FailBatch(ctx, "b2", "boom"))

		all, err := s.ListBatches(ctx, BatchFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		failed, err := s.ListBatches(ctx, BatchFilter{Status: model.BatchStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "b2", failed[0].ID)

		limited, err := s.ListBatches(ctx, BatchFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("BatchWindowStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"w1", "w2", "w3"} {
			_, err := s.CreateBatch(ctx, id, "a.csv", "")
			require.NoError(t, err)
		}
		require.NoError(t, s.FailBatch(ctx, "w3", "boom"))
		require.NoError(t, s.InsertQualityMetrics(ctx, &model.QualityMetrics{BatchID: "w1", DataQualityPercentage: 100, CreatedAt: time.Now()}))
		require.NoError(t, s.InsertQualityMetrics(ctx, &model.QualityMetrics{BatchID: "w2", DataQualityPercentage: 50, CreatedAt: time.Now()}))

		st, err := s.BatchWindowStats(ctx, time.Now().Add(-time.Hour), 80)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Total)
		assert.Equal(t, 1, st.Failed)
		assert.InDelta(t, 75.0, st.AverageQuality, 1e-9)
		assert.Equal(t, 1, st.LowQuality)
	})

	t.Run("Phases", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateBatch(ctx, "batch_ph", "a.csv", "")
		require.NoError(t, err)

		p, err := s.CreatePhase(ctx, "batch_ph", "clean")
		require.NoError(t, err)
		assert.Equal(t, model.PhaseStatusRunning, p.Status)

		require.NoError(t, s.CompletePhase(ctx, p.ID, &model.PhaseResult{
			Name:     "clean",
			Status:   model.PhaseStatusComplete,
			Duration: 12,
			Metadata: map[string]any{"cleaned": float64(4)},
		}))

		phases, err := s.ListPhases(ctx, "batch_ph")
		require.NoError(t, err)
		require.Len(t, phases, 1)
		assert.Equal(t, model.PhaseStatusComplete, phases[0].Status)
		require.NotNil(t, phases[0].Result)
		assert.Equal(t, float64(4), phases[0].Result.Metadata["cleaned"])

		err = s.CompletePhase(ctx, "nope", &model.PhaseResult{Status: model.PhaseStatusFailed})
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("InsertRawAssignsIDsInOrder", func(t *testing.T) {
		s := newStore(t)
		ids, err := s.InsertRaw(context.Background(), []model.RawRecord{
			{BatchID: "b", RowIndex: 1, TransactionDate: "2024-01-01", CustomerID: "C1", Product: "A", Quantity: "1"},
			{BatchID: "b", RowIndex: 2, TransactionDate: "not a date", CustomerID: "", Product: "B", Price: "x"},
		})
		require.NoError(t, err)
		require.Len(t, ids, 2)
		assert.Less(t, ids[0], ids[1])

		none, err := s.InsertRaw(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ExistingTransactionIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedClean(t, s, "b1",
			model.CleanRecord{TransactionID: "T1", TransactionDate: day("2024-01-01"), CustomerID: "C1", Product: "A", Quantity: 1, Price: 1, TotalAmount: 1},
			model.CleanRecord{TransactionDate: day("2024-01-01"), CustomerID: "C1", Product: "B", Quantity: 1, Price: 1, TotalAmount: 1},
		)

		found, err := s.ExistingTransactionIDs(ctx, []string{"T1", "T2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"T1": true}, found)

		empty, err := s.ExistingTransactionIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("DuplicateTransactionIDRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedClean(t, s, "b1",
			model.CleanRecord{TransactionID: "T1", TransactionDate: day("2024-01-01"), CustomerID: "C1", Product: "A", Quantity: 1, Price: 1, TotalAmount: 1},
		)
		rawIDs, err := s.InsertRaw(ctx, []model.RawRecord{{BatchID: "b2", RowIndex: 1, TransactionID: "T1"}})
		require.NoError(t, err)

		_, err = s.InsertClean(ctx, []model.CleanRecord{
			{BatchID: "b2", RawID: rawIDs[0], TransactionID: "T1", TransactionDate: day("2024-01-02"), CustomerID: "C1", Product: "A", Quantity: 1, Price: 1, TotalAmount: 1},
		})
		assert.Error(t, err)
	})

	t.Run("CustomerHistoryAndDateRevenue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedClean(t, s, "b1",
			model.CleanRecord{TransactionDate: day("2024-01-01"), CustomerID: "C1", Product: "A", Quantity: 1, Price: 10, TotalAmount: 10},
			model.CleanRecord{TransactionDate: day("2024-01-03"), CustomerID: "C1", Product: "B", Quantity: 2, Price: 5, TotalAmount: 10},
			model.CleanRecord{TransactionDate: day("2024-01-01"), CustomerID: "C2", Product: "A", Quantity: 1, Price: 7.5, TotalAmount: 7.5},
			model.CleanRecord{TransactionDate: day("2024-01-05"), CustomerID: "C1", Product: "C", Quantity: 1, Price: 1, TotalAmount: 1},
		)

		history, err := s.CustomerHistory(ctx, "C1", day("2024-01-03"))
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, day("2024-01-01"), history[0].TransactionDate)
		assert.Equal(t, "B", history[1].Product)

		rev, err := s.DateRevenue(ctx, day("2024-01-01"))
		require.NoError(t, err)
		assert.InDelta(t, 17.5, rev, 1e-9)

		rev, err = s.DateRevenue(ctx, day("2023-12-31"))
		require.NoError(t, err)
		assert.Zero(t, rev)
	})

	t.Run("Rejections", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.InsertRejections(ctx, []model.Rejection{
			{BatchID: "b1", Stage: "clean", RowIndex: 3, RawID: 9, Reason: model.ReasonInvalidDate, Detail: "bad date"},
			{BatchID: "b1", Stage: "ingest", RowIndex: 1, CustomerID: "", Reason: model.ReasonMissingRequired, Detail: "customer_id"},
		}))

		got, err := s.ListRejections(ctx, "b1", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].RowIndex)
		assert.Equal(t, model.ReasonMissingRequired, got[0].Reason)
		assert.Equal(t, int64(0), got[0].RawID)
		assert.Equal(t, int64(9), got[1].RawID)
	})

	t.Run("FeaturesUpsertByCleanID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ids := seedClean(t, s, "b1",
			model.CleanRecord{TransactionDate: day("2024-01-01"), CustomerID: "C1", Product: "A", Quantity: 1, Price: 10, TotalAmount: 10},
		)
		f := model.FeatureRecord{
			CleanID:                 ids[0],
			BatchID:                 "b1",
			CustomerID:              "C1",
			TransactionDate:         day("2024-01-01"),
			TotalAmount:             10,
			Quantity:                1,
			Price:                   10,
			DailyRevenue:            10,
			CustomerLifetimeValue:   10,
			TransactionFrequency:    1,
			AverageTransactionValue: 10,
		}
		n, err := s.InsertFeatures(ctx, []model.FeatureRecord{f})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		f.DailyRevenue = 20
		_, err = s.InsertFeatures(ctx, []model.FeatureRecord{f})
		require.NoError(t, err)

		got, err := s.ListFeatures(ctx, FeatureFilter{BatchID: "b1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.InDelta(t, 20.0, got[0].DailyRevenue, 1e-9)
		assert.Equal(t, "2024-01-01", got[0].Date)
		assert.Equal(t, day("2024-01-01"), got[0].TransactionDate)

		stats, err := s.FeatureStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TotalFeatures)
		assert.Equal(t, 1, stats.UniqueCustomers)
	})

	t.Run("DailySummariesAccumulate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertDailySummaries(ctx, []model.DailyDelta{
			{Date: day("2024-01-01"), Revenue: 10, Orders: 1, Quantity: 2},
		}))
		require.NoError(t, s.UpsertDailySummaries(ctx, []model.DailyDelta{
			{Date: day("2024-01-01"), Revenue: 5, Orders: 2, Quantity: 3},
			{Date: day("2024-01-02"), Revenue: 1, Orders: 1, Quantity: 1},
		}))

		got, err := s.DailySummaries(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, day("2024-01-02"), got[0].Date)
		assert.InDelta(t, 15.0, got[1].TotalRevenue, 1e-9)
		assert.Equal(t, 3, got[1].TotalOrders)
		assert.InDelta(t, 5.0, got[1].TotalQuantity, 1e-9)

		series, err := s.DailyRevenueSeries(ctx)
		require.NoError(t, err)
		assert.Equal(t, []model.RevenuePoint{{Date: "2024-01-01", Revenue: 15}, {Date: "2024-01-02", Revenue: 1}}, series)
	})

	t.Run("CustomerSummariesAccumulate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertCustomerSummaries(ctx, []model.CustomerDelta{
			{CustomerID: "C1", Revenue: 10, Orders: 1, LastDate: day("2024-01-05")},
		}))
		require.NoError(t, s.UpsertCustomerSummaries(ctx, []model.CustomerDelta{
			{CustomerID: "C1", Revenue: 20, Orders: 3, LastDate: day("2024-01-02")},
			{CustomerID: "C2", Revenue: 1, Orders: 1, LastDate: day("2024-01-01")},
		}))

		got, err := s.CustomerSummaries(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "C1", got[0].CustomerID)
		assert.InDelta(t, 30.0, got[0].TotalRevenue, 1e-9)
		assert.Equal(t, 4, got[0].TotalOrders)
		assert.InDelta(t, 7.5, got[0].AverageOrderValue, 1e-9)
		require.NotNil(t, got[0].LastTransactionDate)
		assert.Equal(t, day("2024-01-05"), *got[0].LastTransactionDate)

		top, err := s.TopCustomers(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []model.CustomerRevenue{{CustomerID: "C1", Revenue: 30}}, top)
	})

	t.Run("QualityMetricsImmutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		latest, err := s.LatestQualityMetrics(ctx)
		require.NoError(t, err)
		assert.Nil(t, latest)

		m := &model.QualityMetrics{
			BatchID:               "b1",
			TotalRecordsIngested:  4,
			InvalidRecords:        1,
			DuplicateRecords:      1,
			CleanedRecords:        2,
			DroppedRecords:        2,
			FeaturesGenerated:     2,
			DataQualityPercentage: 50,
			CreatedAt:             time.Now(),
		}
		require.NoError(t, s.InsertQualityMetrics(ctx, m))

		err = s.InsertQualityMetrics(ctx, m)
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrConflict))

		got, err := s.GetQualityMetrics(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.CleanedRecords)
		assert.InDelta(t, 50.0, got.DataQualityPercentage, 1e-9)

		_, err = s.GetQualityMetrics(ctx, "b2")
		assert.True(t, eris.Is(err, ErrNotFound))

		latest, err = s.LatestQualityMetrics(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "b1", latest.BatchID)

		totals, err := s.QualityTotals(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, totals.Batches)
		assert.Equal(t, 4, totals.Ingested)
		assert.Equal(t, 1, totals.Duplicates)
	})

	t.Run("KPIsAndDatasetStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		empty, err := s.DatasetStats(ctx)
		require.NoError(t, err)
		assert.Nil(t, empty.MinDate)

		seedClean(t, s, "b1",
			model.CleanRecord{TransactionDate: day("2024-01-01"), CustomerID: "C1", Product: "A", Quantity: 1, Price: 10, TotalAmount: 10},
			model.CleanRecord{TransactionDate: day("2024-01-04"), CustomerID: "C2", Product: "A", Quantity: 2, Price: 15, TotalAmount: 30},
		)

		k, err := s.KPIs(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 40.0, k.TotalRevenue, 1e-9)
		assert.Equal(t, 2, k.TotalOrders)
		assert.InDelta(t, 20.0, k.AverageOrderValue, 1e-9)
		assert.Equal(t, 2, k.TotalCustomers)

		st, err := s.DatasetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.RawTransactions)
		assert.Equal(t, 2, st.CleanTransactions)
		require.NotNil(t, st.MinDate)
		assert.Equal(t, "2024-01-01", *st.MinDate)
		assert.Equal(t, "2024-01-04", *st.MaxDate)
		assert.Equal(t, 1, st.UniqueProducts)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
