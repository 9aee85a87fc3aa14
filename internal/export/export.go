// Package export writes the feature dataset as CSV for model training.
package export

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/store"
)

// FeatureLister reads feature records.
type FeatureLister interface {
	ListFeatures(ctx context.Context, filter store.FeatureFilter) ([]model.FeatureRecord, error)
}

// Features writes every feature matching filter to w, header first. The
// header is written even when nothing matches. Returns the number of rows.
func Features(ctx context.Context, st FeatureLister, filter store.FeatureFilter, w io.Writer) (int, error) {
	records, err := st.ListFeatures(ctx, filter)
	if err != nil {
		return 0, eris.Wrap(err, "export: list features")
	}

	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(model.FeatureRecord{}); err != nil {
		return 0, eris.Wrap(err, "export: encode header")
	}

	for i := range records {
		rec := records[i]
		rec.Date = rec.TransactionDate.Format(model.DateLayout)
		if err := enc.Encode(rec); err != nil {
			return i, eris.Wrapf(err, "export: encode feature %d", rec.ID)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return len(records), eris.Wrap(err, "export: flush")
	}
	return len(records), nil
}
