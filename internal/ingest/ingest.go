// Package ingest turns a decoded upload table into persisted raw records.
package ingest

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/fetcher"
	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/parse"
)

// Stage is the name recorded on rejections produced here.
const Stage = "ingest"

// Store persists raw records.
type Store interface {
	InsertRaw(ctx context.Context, records []model.RawRecord) ([]int64, error)
}

// StructuralError means the upload cannot be processed at all. Nothing is
// persisted when it is returned.
type StructuralError struct {
	Missing    []string
	Duplicates []string
	Reason     string
}

func (e *StructuralError) Error() string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required columns: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicate columns: "+strings.Join(e.Duplicates, ", "))
	}
	return "structural error: " + strings.Join(parts, "; ")
}

// RowError records a row that failed presence validation.
type RowError struct {
	RowIndex int                   `json:"row_index"`
	Reason   model.RejectionReason `json:"reason"`
	Fields   []string              `json:"fields"`
}

// Rejection converts e into the persisted rejection form.
func (e RowError) Rejection(batchID string) model.Rejection {
	return model.Rejection{
		BatchID:  batchID,
		Stage:    Stage,
		RowIndex: e.RowIndex,
		Reason:   e.Reason,
		Detail:   "missing " + strings.Join(e.Fields, ", "),
	}
}

// Result is the outcome of ingesting one table.
type Result struct {
	Raw       []model.RawRecord
	Errors    []RowError
	TotalRows int
}

// Header maps normalized column names to cell positions.
type Header struct {
	index    map[string]int
	Optional []string
	Ignored  []string
}

// Has reports whether column is present.
func (h Header) Has(column string) bool {
	_, ok := h.index[column]
	return ok
}

func (h Header) cell(row []string, column string) string {
	i, ok := h.index[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// NormalizeColumn trims, lower-cases and strips a byte-order mark.
func NormalizeColumn(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
}

// ParseHeader validates an upload header. Missing required columns and
// repeated columns are structural errors.
func ParseHeader(columns []string) (Header, error) {
	h := Header{index: make(map[string]int, len(columns))}
	dupSeen := map[string]bool{}
	var dups []string

	known := map[string]bool{}
	for _, c := range model.RequiredColumns {
		known[c] = true
	}
	for _, c := range model.OptionalColumns {
		known[c] = true
	}

	for i, raw := range columns {
		name := NormalizeColumn(raw)
		if name == "" {
			continue
		}
		if _, ok := h.index[name]; ok {
			if !dupSeen[name] {
				dups = append(dups, name)
				dupSeen[name] = true
			}
			continue
		}
		h.index[name] = i
		if !known[name] {
			h.Ignored = append(h.Ignored, name)
		}
	}

	var missing []string
	for _, c := range model.RequiredColumns {
		if !h.Has(c) {
			missing = append(missing, c)
		}
	}
	for _, c := range model.OptionalColumns {
		if h.Has(c) {
			h.Optional = append(h.Optional, c)
		}
	}

	if len(missing) > 0 || len(dups) > 0 {
		return Header{}, &StructuralError{Missing: missing, Duplicates: dups}
	}
	return h, nil
}

// rowFields holds the presence-checked fields of one row.
type rowFields struct {
	TransactionDate string `col:"transaction_date" validate:"required"`
	CustomerID      string `col:"customer_id" validate:"required"`
	Product         string `col:"product" validate:"required"`
	Quantity        string `col:"quantity" validate:"required_without=Price"`
	Price           string `col:"price" validate:"required_without=Quantity"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("col")
	})
	return v
}

// Ingester validates rows and writes raw records.
type Ingester struct {
	store    Store
	validate *validator.Validate
}

// New creates an Ingester writing to st.
func New(st Store) *Ingester {
	return &Ingester{store: st, validate: newValidator()}
}

// Run ingests every row of table under batchID. Row indexes are 1-based and
// exclude the header.
func (in *Ingester) Run(ctx context.Context, batchID string, table *fetcher.Table) (*Result, error) {
	if table == nil {
		return nil, &StructuralError{Reason: "no table"}
	}
	header, err := ParseHeader(table.Header)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("batch_id", batchID))
	if len(header.Ignored) > 0 {
		log.Info("ingest: ignoring unknown columns", zap.Strings("columns", header.Ignored))
	}

	res := &Result{TotalRows: len(table.Rows)}
	for i, row := range table.Rows {
		idx := i + 1
		if missing := in.check(header, row); len(missing) > 0 {
			log.Debug("ingest: row rejected", zap.Int("row_index", idx), zap.Strings("missing", missing))
			res.Errors = append(res.Errors, RowError{
				RowIndex: idx,
				Reason:   model.ReasonMissingRequired,
				Fields:   missing,
			})
			continue
		}

		res.Raw = append(res.Raw, model.RawRecord{
			BatchID:         batchID,
			RowIndex:        idx,
			TransactionID:   header.cell(row, model.ColTransactionID),
			TransactionDate: header.cell(row, model.ColTransactionDate),
			CustomerID:      header.cell(row, model.ColCustomerID),
			Product:         header.cell(row, model.ColProduct),
			Category:        header.cell(row, model.ColCategory),
			Quantity:        header.cell(row, model.ColQuantity),
			Price:           header.cell(row, model.ColPrice),
			PaymentMethod:   header.cell(row, model.ColPaymentMethod),
			City:            header.cell(row, model.ColCity),
		})
	}

	if len(res.Raw) > 0 {
		ids, err := in.store.InsertRaw(ctx, res.Raw)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: insert raw records")
		}
		if len(ids) != len(res.Raw) {
			return nil, eris.Errorf("ingest: store returned %d ids for %d records", len(ids), len(res.Raw))
		}
		for i := range res.Raw {
			res.Raw[i].ID = ids[i]
		}
	}

	log.Info("ingest: complete",
		zap.Int("total_rows", res.TotalRows),
		zap.Int("ingested", len(res.Raw)),
		zap.Int("rejected", len(res.Errors)),
	)
	return res, nil
}

// check returns the sorted names of fields that failed presence validation.
func (in *Ingester) check(h Header, row []string) []string {
	f := rowFields{
		TransactionDate: h.cell(row, model.ColTransactionDate),
		CustomerID:      h.cell(row, model.ColCustomerID),
		Product:         h.cell(row, model.ColProduct),
		Quantity:        presence(h.cell(row, model.ColQuantity)),
		Price:           presence(h.cell(row, model.ColPrice)),
	}

	err := in.validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	seen := map[string]bool{}
	var missing []string
	for _, fe := range verrs {
		name := fe.Field()
		if fe.Tag() == "required_without" {
			name = model.ColQuantity + "|" + model.ColPrice
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// presence blanks null tokens so that "null" does not satisfy the
// quantity-or-price rule.
func presence(s string) string {
	if parse.IsNullToken(s) {
		return ""
	}
	return s
}
