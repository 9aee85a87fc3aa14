// Package aggregate folds clean records into the cumulative daily and
// customer summary tables.
package aggregate

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/model"
)

// Store applies summary increments atomically.
type Store interface {
	UpsertDailySummaries(ctx context.Context, deltas []model.DailyDelta) error
	UpsertCustomerSummaries(ctx context.Context, deltas []model.CustomerDelta) error
}

// Result reports how many summary keys a batch touched.
type Result struct {
	Daily     []model.DailyDelta
	Customers []model.CustomerDelta
}

// Transformed is the number of summary rows written.
func (r *Result) Transformed() int {
	return len(r.Daily) + len(r.Customers)
}

// Aggregator upserts summary deltas.
type Aggregator struct {
	store Store
}

// New creates an Aggregator.
func New(st Store) *Aggregator {
	return &Aggregator{store: st}
}

// Run folds records into deltas and applies them. Records are folded in
// (date, id) order so that floating point sums do not depend on input order.
func (a *Aggregator) Run(ctx context.Context, batchID string, records []model.CleanRecord) (*Result, error) {
	res := &Result{
		Daily:     DailyDeltas(records),
		Customers: CustomerDeltas(records),
	}
	if len(records) == 0 {
		return res, nil
	}

	if err := a.store.UpsertDailySummaries(ctx, res.Daily); err != nil {
		return nil, eris.Wrap(err, "aggregate: upsert daily summaries")
	}
	if err := a.store.UpsertCustomerSummaries(ctx, res.Customers); err != nil {
		return nil, eris.Wrap(err, "aggregate: upsert customer summaries")
	}

	zap.L().Info("aggregate: complete",
		zap.String("batch_id", batchID),
		zap.Int("records", len(records)),
		zap.Int("dates", len(res.Daily)),
		zap.Int("customers", len(res.Customers)),
	)
	return res, nil
}

func ordered(records []model.CleanRecord) []model.CleanRecord {
	out := make([]model.CleanRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DailyDeltas returns one delta per distinct date, ascending.
func DailyDeltas(records []model.CleanRecord) []model.DailyDelta {
	var out []model.DailyDelta
	idx := map[string]int{}
	for _, r := range ordered(records) {
		k := r.TransactionDate.Format(model.DateLayout)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, model.DailyDelta{Date: r.TransactionDate})
		}
		out[i].Revenue += r.TotalAmount
		out[i].Orders++
		out[i].Quantity += r.Quantity
	}
	return out
}

// CustomerDeltas returns one delta per customer, ordered by customer id.
func CustomerDeltas(records []model.CleanRecord) []model.CustomerDelta {
	byCustomer := map[string]*model.CustomerDelta{}
	for _, r := range ordered(records) {
		d, ok := byCustomer[r.CustomerID]
		if !ok {
			d = &model.CustomerDelta{CustomerID: r.CustomerID}
			byCustomer[r.CustomerID] = d
		}
		d.Revenue += r.TotalAmount
		d.Orders++
		if r.TransactionDate.After(d.LastDate) {
			d.LastDate = r.TransactionDate
		}
	}

	out := make([]model.CustomerDelta, 0, len(byCustomer))
	for _, d := range byCustomer {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}
