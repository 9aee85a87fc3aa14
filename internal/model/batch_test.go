package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchStatus_Terminal(t *testing.T) {
	tests := []struct {
		status BatchStatus
		want   bool
	}{
		{BatchStatusReceived, false},
		{BatchStatusIngesting, false},
		{BatchStatusCleaning, false},
		{BatchStatusEnriching, false},
		{BatchStatusScoring, false},
		{BatchStatusComplete, true},
		{BatchStatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestRejectionReason_IsDuplicate(t *testing.T) {
	assert.True(t, ReasonDuplicateID.IsDuplicate())
	assert.True(t, ReasonDuplicateComposite.IsDuplicate())
	assert.False(t, ReasonMissingRequired.IsDuplicate())
	assert.False(t, ReasonInvalidDate.IsDuplicate())
	assert.False(t, ReasonInvalidNumber.IsDuplicate())
}

func TestBatchResult_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(BatchResult{BatchID: "b1", Status: BatchStatusComplete, DataQualityPercentage: 40})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{
		"batch_id", "status", "records_processed", "records_cleaned", "invalid_records",
		"duplicates_skipped", "dropped_records", "features_generated", "records_transformed",
		"warnings", "data_quality_percentage",
	} {
		assert.Contains(t, fields, key)
	}
	assert.NotContains(t, fields, "rejections", "empty rejections are omitted")
}

func TestRequiredColumns(t *testing.T) {
	assert.ElementsMatch(t, []string{"transaction_date", "customer_id", "product", "quantity", "price"}, RequiredColumns)
	for _, c := range OptionalColumns {
		assert.NotContains(t, RequiredColumns, c)
	}
}
