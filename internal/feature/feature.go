// Package feature derives per-transaction ML features from the persisted
// clean-transaction corpus.
package feature

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/txn-pipeline/internal/model"
)

// DefaultWorkers bounds concurrent customer computations.
const DefaultWorkers = 4

// Store is the read-through corpus the engine queries.
type Store interface {
	CustomerHistory(ctx context.Context, customerID string, upTo time.Time) ([]model.CleanRecord, error)
	DateRevenue(ctx context.Context, date time.Time) (float64, error)
	InsertFeatures(ctx context.Context, features []model.FeatureRecord) (int, error)
}

// Engine computes feature records.
type Engine struct {
	store   Store
	workers int
}

// New creates an Engine. workers <= 0 selects DefaultWorkers.
func New(st Store, workers int) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Engine{store: st, workers: workers}
}

// Run computes and persists one FeatureRecord per clean record. The returned
// slice is ordered by (customer_id, transaction_date, clean id) regardless of
// input order. Records must already be persisted so that they appear in
// their customer's history.
func (e *Engine) Run(ctx context.Context, batchID string, records []model.CleanRecord) ([]model.FeatureRecord, error) {
	log := zap.L().With(zap.String("batch_id", batchID))
	if len(records) == 0 {
		return nil, nil
	}

	sorted := make([]model.CleanRecord, len(records))
	copy(sorted, records)
	SortRecords(sorted)

	revenue, err := e.dailyRevenue(ctx, sorted)
	if err != nil {
		return nil, err
	}

	out := make([]model.FeatureRecord, len(sorted))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, grp := range groupByCustomer(sorted) {
		g.Go(func() error {
			return e.computeCustomer(gCtx, sorted, grp, revenue, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n, err := e.store.InsertFeatures(ctx, out)
	if err != nil {
		return nil, eris.Wrap(err, "feature: insert features")
	}

	log.Info("feature: complete",
		zap.Int("records", len(records)),
		zap.Int("features", n),
		zap.Int("customers", countCustomers(sorted)),
	)
	return out, nil
}

// SortRecords orders records by (customer_id, transaction_date, id).
func SortRecords(recs []model.CleanRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if !a.TransactionDate.Equal(b.TransactionDate) {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		return a.ID < b.ID
	})
}

// span is a half-open range of sorted records for one customer.
type span struct {
	customer   string
	start, end int
}

func groupByCustomer(sorted []model.CleanRecord) []span {
	var spans []span
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].CustomerID == sorted[i].CustomerID {
			j++
		}
		spans = append(spans, span{customer: sorted[i].CustomerID, start: i, end: j})
		i = j
	}
	return spans
}

func countCustomers(sorted []model.CleanRecord) int {
	return len(groupByCustomer(sorted))
}

func (e *Engine) dailyRevenue(ctx context.Context, sorted []model.CleanRecord) (map[string]float64, error) {
	var dates []time.Time
	seen := map[string]bool{}
	for _, r := range sorted {
		k := r.TransactionDate.Format(model.DateLayout)
		if !seen[k] {
			seen[k] = true
			dates = append(dates, r.TransactionDate)
		}
	}

	sums := make([]float64, len(dates))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, d := range dates {
		g.Go(func() error {
			v, err := e.store.DateRevenue(gCtx, d)
			if err != nil {
				return eris.Wrapf(err, "feature: daily revenue %s", d.Format(model.DateLayout))
			}
			sums[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(dates))
	for i, d := range dates {
		out[d.Format(model.DateLayout)] = sums[i]
	}
	return out, nil
}

// cumulative is a customer's running state at the end of one date.
type cumulative struct {
	date  time.Time
	total float64
	count int
}

// runningTotals folds history, already in (date, id) order, into one entry
// per distinct date.
func runningTotals(history []model.CleanRecord) []cumulative {
	var out []cumulative
	var total float64
	var count int
	for i, h := range history {
		total += h.TotalAmount
		count++
		if i == len(history)-1 || !history[i+1].TransactionDate.Equal(h.TransactionDate) {
			out = append(out, cumulative{date: h.TransactionDate, total: total, count: count})
		}
	}
	return out
}

// at returns the state covering every transaction dated on or before d.
func at(totals []cumulative, d time.Time) (cumulative, bool) {
	i := sort.Search(len(totals), func(i int) bool { return totals[i].date.After(d) })
	if i == 0 {
		return cumulative{}, false
	}
	return totals[i-1], true
}

func (e *Engine) computeCustomer(ctx context.Context, sorted []model.CleanRecord, grp span, revenue map[string]float64, out []model.FeatureRecord) error {
	upTo := sorted[grp.end-1].TransactionDate
	history, err := e.store.CustomerHistory(ctx, grp.customer, upTo)
	if err != nil {
		return eris.Wrapf(err, "feature: customer history %s", grp.customer)
	}
	if len(history) == 0 {
		return eris.Errorf("feature: no history for customer %s", grp.customer)
	}

	totals := runningTotals(history)
	first := history[0].TransactionDate

	for i := grp.start; i < grp.end; i++ {
		rec := sorted[i]
		state, ok := at(totals, rec.TransactionDate)
		if !ok || state.count == 0 {
			return eris.Errorf("feature: clean record %d missing from history of %s", rec.ID, grp.customer)
		}
		key := rec.TransactionDate.Format(model.DateLayout)
		out[i] = model.FeatureRecord{
			CleanID:                   rec.ID,
			BatchID:                   rec.BatchID,
			TransactionID:             rec.TransactionID,
			CustomerID:                rec.CustomerID,
			TransactionDate:           rec.TransactionDate,
			Date:                      key,
			TotalAmount:               rec.TotalAmount,
			Quantity:                  rec.Quantity,
			Price:                     rec.Price,
			DailyRevenue:              revenue[key],
			CustomerLifetimeValue:     state.total,
			TransactionFrequency:      state.count,
			AverageTransactionValue:   state.total / float64(state.count),
			DaysSinceFirstTransaction: wholeDays(first, rec.TransactionDate),
			Category:                  rec.Category,
			PaymentMethod:             rec.PaymentMethod,
			City:                      rec.City,
		}
	}
	return nil
}

func wholeDays(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
