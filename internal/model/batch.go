package model

import "time"

// BatchStatus represents the current state of a pipeline batch.
type BatchStatus string

const (
	BatchStatusReceived  BatchStatus = "received"
	BatchStatusIngesting BatchStatus = "ingesting"
	BatchStatusCleaning  BatchStatus = "cleaning"
	BatchStatusEnriching BatchStatus = "enriching"
	BatchStatusScoring   BatchStatus = "scoring"
	BatchStatusComplete  BatchStatus = "complete"
	BatchStatusFailed    BatchStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusComplete || s == BatchStatusFailed
}

// Batch is one uploaded file's worth of rows moving through the pipeline.
// A complete Batch doubles as the processed marker for its batch_id.
type Batch struct {
	ID        string       `json:"batch_id" yaml:"batch_id"`
	Source    string       `json:"source" yaml:"source"`
	Checksum  string       `json:"checksum" yaml:"checksum"`
	Status    BatchStatus  `json:"status" yaml:"status"`
	Result    *BatchResult `json:"result,omitempty" yaml:"result,omitempty"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`
}

// BatchResult is the consolidated outcome returned to callers. Field names
// are a stable contract for UIs and tests.
type BatchResult struct {
	BatchID               string      `json:"batch_id" yaml:"batch_id"`
	Status                BatchStatus `json:"status" yaml:"status"`
	RecordsProcessed      int         `json:"records_processed" yaml:"records_processed"`
	RecordsCleaned        int         `json:"records_cleaned" yaml:"records_cleaned"`
	InvalidRecords        int         `json:"invalid_records" yaml:"invalid_records"`
	DuplicatesSkipped     int         `json:"duplicates_skipped" yaml:"duplicates_skipped"`
	DroppedRecords        int         `json:"dropped_records" yaml:"dropped_records"`
	FeaturesGenerated     int         `json:"features_generated" yaml:"features_generated"`
	RecordsTransformed    int         `json:"records_transformed" yaml:"records_transformed"`
	Warnings              int         `json:"warnings" yaml:"warnings"`
	DataQualityPercentage float64     `json:"data_quality_percentage" yaml:"data_quality_percentage"`
	Rejections            []Rejection `json:"rejections,omitempty" yaml:"rejections,omitempty"`
}

// BatchPhase records one stage execution inside a batch.
type BatchPhase struct {
	ID        string       `json:"id" yaml:"id"`
	BatchID   string       `json:"batch_id" yaml:"batch_id"`
	Name      string       `json:"name" yaml:"name"`
	Status    PhaseStatus  `json:"status" yaml:"status"`
	Result    *PhaseResult `json:"result,omitempty" yaml:"result,omitempty"`
	StartedAt time.Time    `json:"started_at" yaml:"started_at"`
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
)

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name     string         `json:"name" yaml:"name"`
	Status   PhaseStatus    `json:"status" yaml:"status"`
	Duration int64          `json:"duration_ms" yaml:"duration_ms"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
