package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/store"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListFeatures(ctx context.Context, filter store.FeatureFilter) ([]model.FeatureRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.FeatureRecord), args.Error(1)
}

func TestFeatures_WritesRows(t *testing.T) {
	lister := &mockLister{}
	filter := store.FeatureFilter{BatchID: "b1"}
	lister.On("ListFeatures", mock.Anything, filter).Return([]model.FeatureRecord{
		{
			ID:                        1,
			CleanID:                   10,
			BatchID:                   "b1",
			CustomerID:                "CUST001",
			TransactionDate:           time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			TotalAmount:               100,
			Quantity:                  1,
			Price:                     100,
			DailyRevenue:              150,
			CustomerLifetimeValue:     100,
			TransactionFrequency:      1,
			AverageTransactionValue:   100,
			DaysSinceFirstTransaction: 0,
			City:                      "Austin",
		},
	}, nil)

	var buf bytes.Buffer
	n, err := Features(context.Background(), lister, filter, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "clean_id,batch_id,transaction_id,customer_id,transaction_date,"))
	assert.NotContains(t, lines[0], ",id,")

	var got []model.FeatureRecord
	require.NoError(t, csvutil.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "2024-01-15", got[0].Date)
	assert.Equal(t, 150.0, got[0].DailyRevenue)
	assert.Equal(t, "Austin", got[0].City)
	lister.AssertExpectations(t)
}

func TestFeatures_EmptyWritesHeader(t *testing.T) {
	lister := &mockLister{}
	lister.On("ListFeatures", mock.Anything, mock.Anything).Return([]model.FeatureRecord{}, nil)

	var buf bytes.Buffer
	n, err := Features(context.Background(), lister, store.FeatureFilter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "customer_lifetime_value")
}

func TestFeatures_StoreError(t *testing.T) {
	lister := &mockLister{}
	lister.On("ListFeatures", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	var buf bytes.Buffer
	_, err := Features(context.Background(), lister, store.FeatureFilter{}, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export: list features")
	assert.Empty(t, buf.String())
}
