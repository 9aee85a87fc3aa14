package model

import "time"

// DateLayout is the canonical calendar-date representation used for keys,
// storage and output.
const DateLayout = "2006-01-02"

// Column names recognised in uploaded tables.
const (
	ColTransactionID   = "transaction_id"
	ColTransactionDate = "transaction_date"
	ColCustomerID      = "customer_id"
	ColProduct         = "product"
	ColCategory        = "category"
	ColQuantity        = "quantity"
	ColPrice           = "price"
	ColPaymentMethod   = "payment_method"
	ColCity            = "city"
)

// RequiredColumns must appear in every uploaded header.
var RequiredColumns = []string{ColTransactionDate, ColCustomerID, ColProduct, ColQuantity, ColPrice}

// OptionalColumns are stored when present.
var OptionalColumns = []string{ColTransactionID, ColCategory, ColPaymentMethod, ColCity}

// RawRecord is one ingested row with every field kept as the original string.
type RawRecord struct {
	ID              int64     `json:"raw_id"`
	BatchID         string    `json:"batch_id"`
	RowIndex        int       `json:"row_index"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	TransactionDate string    `json:"transaction_date"`
	CustomerID      string    `json:"customer_id"`
	Product         string    `json:"product"`
	Category        string    `json:"category,omitempty"`
	Quantity        string    `json:"quantity,omitempty"`
	Price           string    `json:"price,omitempty"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	City            string    `json:"city,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CleanRecord is a validated, typed transaction.
type CleanRecord struct {
	ID              int64     `json:"id"`
	BatchID         string    `json:"batch_id"`
	RawID           int64     `json:"raw_transaction_id"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	TransactionDate time.Time `json:"transaction_date"`
	CustomerID      string    `json:"customer_id"`
	Product         string    `json:"product"`
	Category        string    `json:"category,omitempty"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	TotalAmount     float64   `json:"total_amount"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	City            string    `json:"city,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// FeatureRecord carries the ML features derived from one CleanRecord.
type FeatureRecord struct {
	ID                        int64     `json:"id" csv:"-"`
	CleanID                   int64     `json:"clean_id" csv:"clean_id"`
	BatchID                   string    `json:"batch_id" csv:"batch_id"`
	TransactionID             string    `json:"transaction_id,omitempty" csv:"transaction_id,omitempty"`
	CustomerID                string    `json:"customer_id" csv:"customer_id"`
	TransactionDate           time.Time `json:"transaction_date" csv:"-"`
	Date                      string    `json:"-" csv:"transaction_date"`
	TotalAmount               float64   `json:"total_amount" csv:"total_amount"`
	Quantity                  float64   `json:"quantity" csv:"quantity"`
	Price                     float64   `json:"price" csv:"price"`
	DailyRevenue              float64   `json:"daily_revenue" csv:"daily_revenue"`
	CustomerLifetimeValue     float64   `json:"customer_lifetime_value" csv:"customer_lifetime_value"`
	TransactionFrequency      int       `json:"transaction_frequency" csv:"transaction_frequency"`
	AverageTransactionValue   float64   `json:"average_transaction_value" csv:"average_transaction_value"`
	DaysSinceFirstTransaction int       `json:"days_since_first_transaction" csv:"days_since_first_transaction"`
	Category                  string    `json:"category,omitempty" csv:"category,omitempty"`
	PaymentMethod             string    `json:"payment_method,omitempty" csv:"payment_method,omitempty"`
	City                      string    `json:"city,omitempty" csv:"city,omitempty"`
}

// RejectionReason classifies why a row never became a CleanRecord.
type RejectionReason string

const (
	ReasonMissingRequired    RejectionReason = "missing_required"
	ReasonInvalidDate        RejectionReason = "invalid_date"
	ReasonInvalidNumber      RejectionReason = "invalid_number"
	ReasonDuplicateID        RejectionReason = "duplicate_transaction_id"
	ReasonDuplicateComposite RejectionReason = "duplicate_composite_key"
)

// IsDuplicate reports whether the reason counts toward duplicate_records.
func (r RejectionReason) IsDuplicate() bool {
	return r == ReasonDuplicateID || r == ReasonDuplicateComposite
}

// Rejection describes one dropped row.
type Rejection struct {
	BatchID       string          `json:"batch_id" yaml:"batch_id"`
	Stage         string          `json:"stage" yaml:"stage"`
	RowIndex      int             `json:"row_index" yaml:"row_index"`
	RawID         int64           `json:"raw_id,omitempty" yaml:"raw_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty" yaml:"customer_id,omitempty"`
	Reason        RejectionReason `json:"reason" yaml:"reason"`
	Detail        string          `json:"detail" yaml:"detail"`
}
