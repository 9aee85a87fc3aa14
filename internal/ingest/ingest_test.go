package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/txn-pipeline/internal/fetcher"
	"github.com/sells-group/txn-pipeline/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertRaw(ctx context.Context, records []model.RawRecord) ([]int64, error) {
	args := m.Called(ctx, records)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func sequentialIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(100 + i)
	}
	return ids
}

var fullHeader = []string{"transaction_id", "transaction_date", "customer_id", "product", "category", "quantity", "price", "payment_method", "city"}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		columns  []string
		missing  []string
		dups     []string
		optional []string
	}{
		{
			name:     "full",
			columns:  fullHeader,
			optional: []string{"transaction_id", "category", "payment_method", "city"},
		},
		{
			name:    "bom and case",
			columns: []string{"\ufeffTransaction_Date", " CUSTOMER_ID ", "Product", "Quantity", "Price"},
		},
		{
			name:    "missing price",
			columns: []string{"transaction_date", "customer_id", "product", "quantity"},
			missing: []string{"price"},
		},
		{
			name:    "duplicate column",
			columns: []string{"transaction_date", "customer_id", "product", "quantity", "price", "Price"},
			dups:    []string{"price"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseHeader(tt.columns)
			if len(tt.missing) > 0 || len(tt.dups) > 0 {
				var se *StructuralError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, tt.missing, se.Missing)
				assert.Equal(t, tt.dups, se.Duplicates)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.optional, h.Optional)
			for _, c := range model.RequiredColumns {
				assert.True(t, h.Has(c), c)
			}
		})
	}
}

func TestParseHeader_IgnoresUnknown(t *testing.T) {
	h, err := ParseHeader([]string{"transaction_date", "customer_id", "product", "quantity", "price", "store_code"})
	require.NoError(t, err)
	assert.Equal(t, []string{"store_code"}, h.Ignored)
}

func TestRun_ClassifiesRows(t *testing.T) {
	st := &mockStore{}
	st.On("InsertRaw", mock.Anything, mock.MatchedBy(func(r []model.RawRecord) bool { return len(r) == 3 })).
		Return(sequentialIDs(3), nil)

	table := &fetcher.Table{
		Header: fullHeader,
		Rows: [][]string{
			{"T1", "2024-01-15", "CUST001", "Widget", "Tools", "5", "29.99", "card", "Austin"},
			{"", "2024-01-15", "", "Widget", "", "5", "29.99", "", ""},
			{"", "2024-01-16", "CUST002", "Gadget", "", "", "12", "", ""},
			{"", "2024-01-16", "CUST002", "Gadget", "", "null", "", "", ""},
			{"", "not-a-date", "CUST003", "Thing", "", "1", "abc", "", ""},
		},
	}

	res, err := New(st).Run(context.Background(), "batch_x", table)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalRows)
	require.Len(t, res.Raw, 3)
	require.Len(t, res.Errors, 2)

	assert.Equal(t, RowError{RowIndex: 2, Reason: model.ReasonMissingRequired, Fields: []string{"customer_id"}}, res.Errors[0])
	assert.Equal(t, RowError{RowIndex: 4, Reason: model.ReasonMissingRequired, Fields: []string{"quantity|price"}}, res.Errors[1])

	first := res.Raw[0]
	assert.Equal(t, int64(100), first.ID)
	assert.Equal(t, 1, first.RowIndex)
	assert.Equal(t, "T1", first.TransactionID)
	assert.Equal(t, "29.99", first.Price)
	assert.Equal(t, "Austin", first.City)

	// Semantic validation belongs to cleaning; raw keeps the text.
	assert.Equal(t, "not-a-date", res.Raw[2].TransactionDate)
	assert.Equal(t, "abc", res.Raw[2].Price)
	assert.Equal(t, 5, res.Raw[2].RowIndex)
	st.AssertExpectations(t)
}

func TestRun_ShortRowsTreatedAsEmpty(t *testing.T) {
	st := &mockStore{}
	table := &fetcher.Table{
		Header: []string{"transaction_date", "customer_id", "product", "quantity", "price"},
		Rows:   [][]string{{"2024-01-01", "C1"}},
	}

	res, err := New(st).Run(context.Background(), "b", table)
	require.NoError(t, err)
	assert.Empty(t, res.Raw)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, []string{"product", "quantity|price"}, res.Errors[0].Fields)
	st.AssertNotCalled(t, "InsertRaw", mock.Anything, mock.Anything)
}

func TestRun_StructuralErrorPersistsNothing(t *testing.T) {
	st := &mockStore{}
	table := &fetcher.Table{
		Header: []string{"date", "customer", "product"},
		Rows:   [][]string{{"2024-01-01", "C1", "P"}},
	}

	_, err := New(st).Run(context.Background(), "b", table)
	var se *StructuralError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Error(), "missing required columns: transaction_date, customer_id, quantity, price")
	st.AssertNotCalled(t, "InsertRaw", mock.Anything, mock.Anything)
}

func TestRun_HeaderOnly(t *testing.T) {
	st := &mockStore{}
	res, err := New(st).Run(context.Background(), "b", &fetcher.Table{Header: fullHeader})
	require.NoError(t, err)
	assert.Zero(t, res.TotalRows)
	assert.Empty(t, res.Raw)
}

func TestRun_StoreFailure(t *testing.T) {
	st := &mockStore{}
	st.On("InsertRaw", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))

	table := &fetcher.Table{
		Header: fullHeader,
		Rows:   [][]string{{"", "2024-01-15", "C1", "Widget", "", "1", "1", "", ""}},
	}
	_, err := New(st).Run(context.Background(), "b", table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: insert raw records")
}

func TestRowError_Rejection(t *testing.T) {
	r := RowError{RowIndex: 7, Reason: model.ReasonMissingRequired, Fields: []string{"customer_id", "product"}}.Rejection("b1")
	assert.Equal(t, model.Rejection{
		BatchID:  "b1",
		Stage:    Stage,
		RowIndex: 7,
		Reason:   model.ReasonMissingRequired,
		Detail:   "missing customer_id, product",
	}, r)
}
