// Package clean validates raw records into typed clean records and removes
// duplicates.
package clean

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/parse"
)

// Stage is the name recorded on rejections produced here.
const Stage = "clean"

// Store persists clean records and answers cross-batch id lookups.
type Store interface {
	InsertClean(ctx context.Context, records []model.CleanRecord) ([]int64, error)
	ExistingTransactionIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// Warning is a non-fatal observation about a kept row.
type Warning struct {
	RowIndex int           `json:"row_index"`
	Field    string        `json:"field"`
	Value    string        `json:"value"`
	Kind     parse.Warning `json:"kind"`
}

// Result is the outcome of cleaning one batch.
type Result struct {
	Clean          []model.CleanRecord
	Rejections     []model.Rejection
	InvalidCount   int
	DuplicateCount int
	Warnings       []Warning
}

// Cleaner converts raw records into clean records.
type Cleaner struct {
	store Store
}

// New creates a Cleaner writing to st.
func New(st Store) *Cleaner {
	return &Cleaner{store: st}
}

// Run cleans raw in row order and persists the survivors.
func (c *Cleaner) Run(ctx context.Context, batchID string, raw []model.RawRecord) (*Result, error) {
	log := zap.L().With(zap.String("batch_id", batchID))

	prior, err := c.priorIDs(ctx, raw)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seen := newSeenSet(prior)

	for _, r := range raw {
		rec, warns, rej := convert(batchID, r)
		if rej != nil {
			log.Debug("clean: row rejected",
				zap.Int("row_index", r.RowIndex),
				zap.String("reason", string(rej.Reason)),
				zap.String("detail", rej.Detail),
			)
			res.Rejections = append(res.Rejections, *rej)
			res.InvalidCount++
			continue
		}

		if reason, dup := seen.check(rec); dup {
			log.Debug("clean: duplicate row",
				zap.Int("row_index", r.RowIndex),
				zap.String("reason", string(reason)),
			)
			res.Rejections = append(res.Rejections, rejection(batchID, r, reason, duplicateDetail(reason, rec)))
			res.DuplicateCount++
			continue
		}
		seen.add(rec)

		for _, w := range warns {
			log.Warn("clean: negative value clamped to zero",
				zap.Int("row_index", w.RowIndex),
				zap.String("field", w.Field),
				zap.String("value", w.Value),
			)
		}
		res.Warnings = append(res.Warnings, warns...)
		res.Clean = append(res.Clean, rec)
	}

	if len(res.Clean) > 0 {
		ids, err := c.store.InsertClean(ctx, res.Clean)
		if err != nil {
			return nil, eris.Wrap(err, "clean: insert clean records")
		}
		if len(ids) != len(res.Clean) {
			return nil, eris.Errorf("clean: store returned %d ids for %d records", len(ids), len(res.Clean))
		}
		for i := range res.Clean {
			res.Clean[i].ID = ids[i]
		}
	}

	log.Info("clean: complete",
		zap.Int("input", len(raw)),
		zap.Int("cleaned", len(res.Clean)),
		zap.Int("invalid", res.InvalidCount),
		zap.Int("duplicates", res.DuplicateCount),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

func (c *Cleaner) priorIDs(ctx context.Context, raw []model.RawRecord) (map[string]bool, error) {
	var ids []string
	uniq := map[string]bool{}
	for _, r := range raw {
		if r.TransactionID != "" && !uniq[r.TransactionID] {
			uniq[r.TransactionID] = true
			ids = append(ids, r.TransactionID)
		}
	}
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	prior, err := c.store.ExistingTransactionIDs(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "clean: lookup existing transaction ids")
	}
	return prior, nil
}

// convert parses one raw record. A non-nil rejection means the row is invalid.
func convert(batchID string, r model.RawRecord) (model.CleanRecord, []Warning, *model.Rejection) {
	date, err := parse.Date(r.TransactionDate)
	if err != nil {
		rej := rejection(batchID, r, reasonFor(err), "transaction_date: "+err.Error())
		return model.CleanRecord{}, nil, &rej
	}

	qty, err := parse.Number(r.Quantity)
	if err != nil {
		rej := rejection(batchID, r, reasonFor(err), "quantity: "+err.Error())
		return model.CleanRecord{}, nil, &rej
	}
	price, err := parse.Number(r.Price)
	if err != nil {
		rej := rejection(batchID, r, reasonFor(err), "price: "+err.Error())
		return model.CleanRecord{}, nil, &rej
	}
	if !qty.Present && !price.Present {
		rej := rejection(batchID, r, model.ReasonMissingRequired, "quantity and price are both absent")
		return model.CleanRecord{}, nil, &rej
	}

	var warns []Warning
	if qty.Warning == parse.WarningClampedNegative {
		warns = append(warns, Warning{RowIndex: r.RowIndex, Field: model.ColQuantity, Value: r.Quantity, Kind: qty.Warning})
	}
	if price.Warning == parse.WarningClampedNegative {
		warns = append(warns, Warning{RowIndex: r.RowIndex, Field: model.ColPrice, Value: r.Price, Kind: price.Warning})
	}

	return model.CleanRecord{
		BatchID:         batchID,
		RawID:           r.ID,
		TransactionID:   r.TransactionID,
		TransactionDate: date,
		CustomerID:      r.CustomerID,
		Product:         r.Product,
		Category:        r.Category,
		Quantity:        qty.Value,
		Price:           price.Value,
		TotalAmount:     qty.Value * price.Value,
		PaymentMethod:   r.PaymentMethod,
		City:            r.City,
	}, warns, nil
}

func reasonFor(err error) model.RejectionReason {
	var pe *parse.ParseError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case parse.KindInvalidDate:
			return model.ReasonInvalidDate
		case parse.KindInvalidNumber:
			return model.ReasonInvalidNumber
		}
	}
	return model.ReasonMissingRequired
}

func rejection(batchID string, r model.RawRecord, reason model.RejectionReason, detail string) model.Rejection {
	return model.Rejection{
		BatchID:       batchID,
		Stage:         Stage,
		RowIndex:      r.RowIndex,
		RawID:         r.ID,
		TransactionID: r.TransactionID,
		CustomerID:    r.CustomerID,
		Reason:        reason,
		Detail:        detail,
	}
}

func duplicateDetail(reason model.RejectionReason, rec model.CleanRecord) string {
	if reason == model.ReasonDuplicateID {
		return "transaction_id " + rec.TransactionID + " already processed"
	}
	return "composite key " + CompositeKey(rec) + " already seen in batch"
}

// CompositeKey identifies a transaction without an external id.
func CompositeKey(rec model.CleanRecord) string {
	return strings.Join([]string{
		rec.TransactionDate.Format(model.DateLayout),
		rec.CustomerID,
		rec.Product,
		parse.FormatFloat(rec.Quantity),
		parse.FormatFloat(rec.Price),
	}, "|")
}

// seenSet tracks identities for duplicate detection. Transaction ids are
// checked against this batch and all prior batches; composite keys only
// against this batch.
type seenSet struct {
	prior      map[string]bool
	ids        map[string]bool
	composites map[string]bool
}

func newSeenSet(prior map[string]bool) *seenSet {
	return &seenSet{
		prior:      prior,
		ids:        map[string]bool{},
		composites: map[string]bool{},
	}
}

func (s *seenSet) check(rec model.CleanRecord) (model.RejectionReason, bool) {
	if rec.TransactionID != "" {
		if s.ids[rec.TransactionID] || s.prior[rec.TransactionID] {
			return model.ReasonDuplicateID, true
		}
		return "", false
	}
	if s.composites[CompositeKey(rec)] {
		return model.ReasonDuplicateComposite, true
	}
	return "", false
}

func (s *seenSet) add(rec model.CleanRecord) {
	if rec.TransactionID != "" {
		s.ids[rec.TransactionID] = true
	}
	s.composites[CompositeKey(rec)] = true
}
