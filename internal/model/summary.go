package model

import "time"

// DailySummary is the cumulative revenue rollup for one calendar date.
type DailySummary struct {
	Date          time.Time `json:"date" yaml:"date"`
	TotalRevenue  float64   `json:"total_revenue" yaml:"total_revenue"`
	TotalOrders   int       `json:"total_orders" yaml:"total_orders"`
	TotalQuantity float64   `json:"total_quantity" yaml:"total_quantity"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

// CustomerSummary is the cumulative rollup for one customer.
type CustomerSummary struct {
	CustomerID          string     `json:"customer_id" yaml:"customer_id"`
	TotalRevenue        float64    `json:"total_revenue" yaml:"total_revenue"`
	TotalOrders         int        `json:"total_orders" yaml:"total_orders"`
	AverageOrderValue   float64    `json:"average_order_value" yaml:"average_order_value"`
	LastTransactionDate *time.Time `json:"last_transaction_date,omitempty" yaml:"last_transaction_date,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at" yaml:"updated_at"`
}

// DailyDelta is the increment applied to one DailySummary row.
type DailyDelta struct {
	Date     time.Time
	Revenue  float64
	Orders   int
	Quantity float64
}

// CustomerDelta is the increment applied to one CustomerSummary row.
type CustomerDelta struct {
	CustomerID string
	Revenue    float64
	Orders     int
	LastDate   time.Time
}

// QualityMetrics is the immutable quality record of one batch.
type QualityMetrics struct {
	BatchID               string    `json:"batch_id" yaml:"batch_id"`
	TotalRecordsIngested  int       `json:"total_records_ingested" yaml:"total_records_ingested"`
	InvalidRecords        int       `json:"invalid_records" yaml:"invalid_records"`
	DuplicateRecords      int       `json:"duplicate_records" yaml:"duplicate_records"`
	CleanedRecords        int       `json:"cleaned_records" yaml:"cleaned_records"`
	DroppedRecords        int       `json:"dropped_records" yaml:"dropped_records"`
	FeaturesGenerated     int       `json:"features_generated" yaml:"features_generated"`
	DataQualityPercentage float64   `json:"data_quality_percentage" yaml:"data_quality_percentage"`
	CreatedAt             time.Time `json:"created_at" yaml:"created_at"`
}

// QualityTotals are raw sums across every stored QualityMetrics row.
type QualityTotals struct {
	Batches       int
	Ingested      int
	Invalid       int
	Duplicates    int
	Cleaned       int
	PercentageSum float64
}

// AggregateQuality is the across-batches quality view.
type AggregateQuality struct {
	TotalBatches             int     `json:"total_batches" yaml:"total_batches"`
	TotalRecordsIngested     int     `json:"total_records_ingested" yaml:"total_records_ingested"`
	TotalInvalidRecords      int     `json:"total_invalid_records" yaml:"total_invalid_records"`
	TotalDuplicateRecords    int     `json:"total_duplicate_records" yaml:"total_duplicate_records"`
	TotalCleanedRecords      int     `json:"total_cleaned_records" yaml:"total_cleaned_records"`
	AverageQualityPercentage float64 `json:"average_quality_percentage" yaml:"average_quality_percentage"`
	OverallQualityPercentage float64 `json:"overall_quality_percentage" yaml:"overall_quality_percentage"`
}

// KPIs are headline dashboard numbers over all clean transactions.
type KPIs struct {
	TotalRevenue      float64 `json:"total_revenue" yaml:"total_revenue"`
	TotalOrders       int     `json:"total_orders" yaml:"total_orders"`
	AverageOrderValue float64 `json:"average_order_value" yaml:"average_order_value"`
	TotalCustomers    int     `json:"total_customers" yaml:"total_customers"`
}

// DatasetStats describe the persisted corpus.
type DatasetStats struct {
	RawTransactions   int     `json:"raw_transactions_count" yaml:"raw_transactions_count"`
	CleanTransactions int     `json:"cleaned_transactions_count" yaml:"cleaned_transactions_count"`
	MinDate           *string `json:"min_date" yaml:"min_date"`
	MaxDate           *string `json:"max_date" yaml:"max_date"`
	UniqueCustomers   int     `json:"unique_customers" yaml:"unique_customers"`
	UniqueProducts    int     `json:"unique_products" yaml:"unique_products"`
}

// FeatureStats summarise the feature table.
type FeatureStats struct {
	TotalFeatures               int     `json:"total_features" yaml:"total_features"`
	UniqueCustomers             int     `json:"unique_customers" yaml:"unique_customers"`
	AverageCLV                  float64 `json:"average_clv" yaml:"average_clv"`
	AverageTransactionFrequency float64 `json:"average_transaction_frequency" yaml:"average_transaction_frequency"`
}

// RevenuePoint is one point of the daily revenue series.
type RevenuePoint struct {
	Date    string  `json:"date" yaml:"date"`
	Revenue float64 `json:"revenue" yaml:"revenue"`
}

// CustomerRevenue is one entry of the top-customers ranking.
type CustomerRevenue struct {
	CustomerID string  `json:"customer_id" yaml:"customer_id"`
	Revenue    float64 `json:"revenue" yaml:"revenue"`
}

// BatchWindowStats summarise batches created inside a monitoring window.
type BatchWindowStats struct {
	Total          int     `json:"total" yaml:"total"`
	Failed         int     `json:"failed" yaml:"failed"`
	Complete       int     `json:"complete" yaml:"complete"`
	AverageQuality float64 `json:"average_quality" yaml:"average_quality"`
	LowQuality     int     `json:"low_quality" yaml:"low_quality"`
}
