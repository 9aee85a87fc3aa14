package feature

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "feature.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(s string) time.Time {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

type txn struct {
	date     string
	customer string
	amount   float64
}

// persist writes txns as clean records of batchID and returns them with ids.
func persist(t *testing.T, st *store.SQLiteStore, batchID string, txns ...txn) []model.CleanRecord {
	t.Helper()
	ctx := context.Background()

	raws := make([]model.RawRecord, len(txns))
	for i, x := range txns {
		raws[i] = model.RawRecord{BatchID: batchID, RowIndex: i + 1, TransactionDate: x.date, CustomerID: x.customer, Product: "P"}
	}
	rawIDs, err := st.InsertRaw(ctx, raws)
	require.NoError(t, err)

	recs := make([]model.CleanRecord, len(txns))
	for i, x := range txns {
		recs[i] = model.CleanRecord{
			BatchID:         batchID,
			RawID:           rawIDs[i],
			TransactionDate: day(x.date),
			CustomerID:      x.customer,
			Product:         "P",
			Quantity:        1,
			Price:           x.amount,
			TotalAmount:     x.amount,
		}
	}
	ids, err := st.InsertClean(ctx, recs)
	require.NoError(t, err)
	for i := range recs {
		recs[i].ID = ids[i]
	}
	return recs
}

func TestRun_DailyRevenueAcrossCustomers(t *testing.T) {
	st := newTestStore(t)
	recs := persist(t, st, "b1",
		txn{"2024-01-15", "CUST001", 100},
		txn{"2024-01-15", "CUST002", 50},
	)

	feats, err := New(st, 2).Run(context.Background(), "b1", recs)
	require.NoError(t, err)
	require.Len(t, feats, 2)
	for _, f := range feats {
		assert.Equal(t, 150.0, f.DailyRevenue)
	}
}

func TestRun_CumulativeAndTies(t *testing.T) {
	st := newTestStore(t)
	recs := persist(t, st, "b1",
		txn{"2024-01-03", "C1", 5},
		txn{"2024-01-01", "C1", 10},
		txn{"2024-01-03", "C1", 20},
		txn{"2024-01-10", "C1", 1},
	)

	feats, err := New(st, 1).Run(context.Background(), "b1", recs)
	require.NoError(t, err)
	require.Len(t, feats, 4)

	assert.Equal(t, "2024-01-01", feats[0].Date)
	assert.Equal(t, 10.0, feats[0].CustomerLifetimeValue)
	assert.Equal(t, 1, feats[0].TransactionFrequency)
	assert.Equal(t, 0, feats[0].DaysSinceFirstTransaction)

	// Same-day peers share cumulative values and include each other.
	assert.Equal(t, feats[1].CustomerLifetimeValue, feats[2].CustomerLifetimeValue)
	assert.Equal(t, 35.0, feats[1].CustomerLifetimeValue)
	assert.Equal(t, 3, feats[2].TransactionFrequency)
	assert.InDelta(t, 35.0/3, feats[2].AverageTransactionValue, 1e-12)
	assert.Equal(t, 2, feats[1].DaysSinceFirstTransaction)
	assert.Less(t, feats[1].CleanID, feats[2].CleanID)

	assert.Equal(t, 36.0, feats[3].CustomerLifetimeValue)
	assert.Equal(t, 9, feats[3].DaysSinceFirstTransaction)
}

func TestRun_UsesPriorBatchHistory(t *testing.T) {
	st := newTestStore(t)
	persist(t, st, "b0", txn{"2024-01-01", "C1", 40}, txn{"2024-02-01", "C1", 1000})
	recs := persist(t, st, "b1", txn{"2024-01-05", "C1", 10})

	feats, err := New(st, 0).Run(context.Background(), "b1", recs)
	require.NoError(t, err)
	require.Len(t, feats, 1)
	// Later-dated history is excluded; earlier batches count.
	assert.Equal(t, 50.0, feats[0].CustomerLifetimeValue)
	assert.Equal(t, 2, feats[0].TransactionFrequency)
	assert.Equal(t, 4, feats[0].DaysSinceFirstTransaction)
	assert.Equal(t, 10.0, feats[0].DailyRevenue)
}

func TestRun_Deterministic(t *testing.T) {
	st := newTestStore(t)
	recs := persist(t, st, "b1",
		txn{"2024-01-02", "B", 0.1},
		txn{"2024-01-01", "A", 0.2},
		txn{"2024-01-02", "A", 0.3},
		txn{"2024-01-01", "C", 0.7},
		txn{"2024-01-02", "B", 0.1},
		txn{"2024-01-05", "A", 1.25},
	)

	first, err := New(st, 3).Run(context.Background(), "b1", recs)
	require.NoError(t, err)

	reversed := make([]model.CleanRecord, len(recs))
	for i := range recs {
		reversed[i] = recs[len(recs)-1-i]
	}
	second, err := New(st, 1).Run(context.Background(), "b1", reversed)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := st.ListFeatures(context.Background(), store.FeatureFilter{BatchID: "b1"})
	require.NoError(t, err)
	assert.Len(t, stored, len(recs))
}

func TestRun_MonotoneWithinCustomer(t *testing.T) {
	st := newTestStore(t)
	recs := persist(t, st, "b1",
		txn{"2024-03-01", "A", 3},
		txn{"2024-01-01", "A", 0},
		txn{"2024-02-01", "A", 7},
		txn{"2024-02-01", "A", 2},
		txn{"2024-04-01", "A", 0},
	)

	feats, err := New(st, 2).Run(context.Background(), "b1", recs)
	require.NoError(t, err)
	for i := 1; i < len(feats); i++ {
		assert.GreaterOrEqual(t, feats[i].CustomerLifetimeValue, feats[i-1].CustomerLifetimeValue)
		assert.GreaterOrEqual(t, feats[i].TransactionFrequency, feats[i-1].TransactionFrequency)
		assert.False(t, feats[i].TransactionDate.Before(feats[i-1].TransactionDate))
	}
}

func TestRun_Empty(t *testing.T) {
	feats, err := New(nil, 1).Run(context.Background(), "b1", nil)
	require.NoError(t, err)
	assert.Nil(t, feats)
}

type failingStore struct {
	Store
}

func (failingStore) DateRevenue(context.Context, time.Time) (float64, error) {
	return 0, errors.New("timeout")
}

func TestRun_StoreErrorAborts(t *testing.T) {
	_, err := New(failingStore{}, 1).Run(context.Background(), "b1", []model.CleanRecord{
		{ID: 1, CustomerID: "A", TransactionDate: day("2024-01-01")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature: daily revenue 2024-01-01")
}

func TestRunningTotals(t *testing.T) {
	totals := runningTotals([]model.CleanRecord{
		{TransactionDate: day("2024-01-01"), TotalAmount: 1},
		{TransactionDate: day("2024-01-01"), TotalAmount: 2},
		{TransactionDate: day("2024-01-04"), TotalAmount: 4},
	})
	assert.Equal(t, []cumulative{
		{date: day("2024-01-01"), total: 3, count: 2},
		{date: day("2024-01-04"), total: 7, count: 3},
	}, totals)

	c, ok := at(totals, day("2024-01-03"))
	require.True(t, ok)
	assert.Equal(t, 2, c.count)

	_, ok = at(totals, day("2023-12-31"))
	assert.False(t, ok)
}

func TestSortRecords(t *testing.T) {
	recs := []model.CleanRecord{
		{ID: 3, CustomerID: "B", TransactionDate: day("2024-01-01")},
		{ID: 2, CustomerID: "A", TransactionDate: day("2024-01-02")},
		{ID: 5, CustomerID: "A", TransactionDate: day("2024-01-01")},
		{ID: 1, CustomerID: "A", TransactionDate: day("2024-01-01")},
	}
	SortRecords(recs)
	var ids []int64
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{1, 5, 2, 3}, ids)
}
