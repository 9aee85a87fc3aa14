package quality

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/store"
)

func TestPercentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                string
		total, invalid, dup int
		want                float64
	}{
		{"empty batch", 0, 0, 0, 100},
		{"all clean", 10, 0, 0, 100},
		{"half dropped", 4, 1, 1, 50},
		{"rounded", 3, 1, 0, 66.67},
		{"all duplicates", 5, 0, 5, 0},
		{"overcount clamps", 2, 2, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Percentage(tt.total, tt.invalid, tt.dup)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		})
	}
}

func TestMetrics(t *testing.T) {
	m := Metrics("b1", Counts{Ingested: 10, Invalid: 2, Duplicates: 1, Cleaned: 7, Features: 7})
	assert.Equal(t, "b1", m.BatchID)
	assert.Equal(t, 3, m.DroppedRecords)
	assert.Equal(t, 70.0, m.DataQualityPercentage)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestSummarize(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		agg := Summarize(&model.QualityTotals{})
		assert.Equal(t, 100.0, agg.OverallQualityPercentage)
		assert.Equal(t, 100.0, agg.AverageQualityPercentage)
	})

	t.Run("weights by rows", func(t *testing.T) {
		// A 1-row batch at 0% and a 99-row batch at 100%.
		agg := Summarize(&model.QualityTotals{
			Batches:       2,
			Ingested:      100,
			Invalid:       1,
			Cleaned:       99,
			PercentageSum: 100,
		})
		assert.Equal(t, 99.0, agg.OverallQualityPercentage)
		assert.Equal(t, 50.0, agg.AverageQualityPercentage)
		assert.Equal(t, 2, agg.TotalBatches)
		assert.Equal(t, 1, agg.TotalInvalidRecords)
	})
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertQualityMetrics(ctx context.Context, q *model.QualityMetrics) error {
	return m.Called(ctx, q).Error(0)
}

func (m *mockStore) GetQualityMetrics(ctx context.Context, batchID string) (*model.QualityMetrics, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.QualityMetrics), args.Error(1)
}

func (m *mockStore) LatestQualityMetrics(ctx context.Context) (*model.QualityMetrics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.QualityMetrics), args.Error(1)
}

func (m *mockStore) QualityTotals(ctx context.Context) (*model.QualityTotals, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.QualityTotals), args.Error(1)
}

func TestLedger_StoreErrors(t *testing.T) {
	st := &mockStore{}
	st.On("InsertQualityMetrics", mock.Anything, mock.Anything).Return(errors.New("read only"))
	st.On("QualityTotals", mock.Anything).Return(nil, errors.New("read only"))
	st.On("LatestQualityMetrics", mock.Anything).Return(nil, nil)

	l := NewLedger(st)
	_, err := l.Record(context.Background(), "b1", Counts{})
	assert.ErrorContains(t, err, "quality: record batch b1")

	_, err = l.Aggregate(context.Background())
	assert.ErrorContains(t, err, "quality: totals")

	m, err := l.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLedger_SQLite(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "quality.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	_, err = st.CreateBatch(ctx, "b1", "test", "")
	require.NoError(t, err)
	_, err = st.CreateBatch(ctx, "b2", "test", "")
	require.NoError(t, err)

	l := NewLedger(st)
	_, err = l.Record(ctx, "b1", Counts{Ingested: 2, Duplicates: 1, Cleaned: 1, Features: 1})
	require.NoError(t, err)

	_, err = l.Record(ctx, "b1", Counts{Ingested: 2, Cleaned: 2})
	assert.True(t, errors.Is(err, store.ErrConflict))

	_, err = l.Record(ctx, "b2", Counts{Ingested: 8, Cleaned: 8, Features: 8})
	require.NoError(t, err)

	got, err := l.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.DataQualityPercentage)

	agg, err := l.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.TotalBatches)
	assert.Equal(t, 90.0, agg.OverallQualityPercentage)
	assert.Equal(t, 75.0, agg.AverageQualityPercentage)

	_, err = l.Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
