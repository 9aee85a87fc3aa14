package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/txn-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One writer keeps upserts serialized per key.
	db.SetMaxOpenConns(1)
	return newSQLiteFromDB(db), nil
}

func newSQLiteFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL DEFAULT '',
	checksum   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'received',
	result     TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS batch_phases (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS raw_transactions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id         TEXT NOT NULL,
	row_index        INTEGER NOT NULL,
	transaction_id   TEXT,
	transaction_date TEXT,
	customer_id      TEXT,
	product          TEXT,
	category         TEXT,
	quantity         TEXT,
	price            TEXT,
	payment_method   TEXT,
	city             TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS clean_transactions (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id           TEXT NOT NULL,
	raw_transaction_id INTEGER NOT NULL REFERENCES raw_transactions(id),
	transaction_id     TEXT,
	transaction_date   TEXT NOT NULL,
	customer_id        TEXT NOT NULL,
	product            TEXT NOT NULL,
	category           TEXT,
	quantity           REAL NOT NULL CHECK (quantity >= 0),
	price              REAL NOT NULL CHECK (price >= 0),
	total_amount       REAL NOT NULL,
	payment_method     TEXT,
	city               TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS feature_records (
	id                           INTEGER PRIMARY KEY AUTOINCREMENT,
	clean_id                     INTEGER NOT NULL UNIQUE REFERENCES clean_transactions(id),
	batch_id                     TEXT NOT NULL,
	transaction_id               TEXT,
	customer_id                  TEXT NOT NULL,
	transaction_date             TEXT NOT NULL,
	total_amount                 REAL NOT NULL,
	quantity                     REAL NOT NULL,
	price                        REAL NOT NULL,
	daily_revenue                REAL NOT NULL,
	customer_lifetime_value      REAL NOT NULL,
	transaction_frequency        INTEGER NOT NULL,
	average_transaction_value    REAL NOT NULL,
	days_since_first_transaction INTEGER NOT NULL,
	category                     TEXT,
	payment_method               TEXT,
	city                         TEXT,
	created_at                   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS daily_summaries (
	date           TEXT PRIMARY KEY,
	total_revenue  REAL NOT NULL DEFAULT 0,
	total_orders   INTEGER NOT NULL DEFAULT 0,
	total_quantity REAL NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS customer_summaries (
	customer_id           TEXT PRIMARY KEY,
	total_revenue         REAL NOT NULL DEFAULT 0,
	total_orders          INTEGER NOT NULL DEFAULT 0,
	average_order_value   REAL NOT NULL DEFAULT 0,
	last_transaction_date TEXT,
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS quality_metrics (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id                TEXT NOT NULL UNIQUE,
	total_records_ingested  INTEGER NOT NULL,
	invalid_records         INTEGER NOT NULL,
	duplicate_records       INTEGER NOT NULL,
	cleaned_records         INTEGER NOT NULL,
	dropped_records         INTEGER NOT NULL,
	features_generated      INTEGER NOT NULL,
	data_quality_percentage REAL NOT NULL,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS row_rejections (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id       TEXT NOT NULL,
	stage          TEXT NOT NULL,
	row_index      INTEGER NOT NULL,
	raw_id         INTEGER,
	transaction_id TEXT,
	customer_id    TEXT,
	reason         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
CREATE INDEX IF NOT EXISTS idx_batch_phases_batch_id ON batch_phases(batch_id);
CREATE INDEX IF NOT EXISTS idx_raw_batch_id ON raw_transactions(batch_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_clean_transaction_id ON clean_transactions(transaction_id) WHERE transaction_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_clean_customer_date ON clean_transactions(customer_id, transaction_date, id);
CREATE INDEX IF NOT EXISTS idx_clean_date ON clean_transactions(transaction_date);
CREATE INDEX IF NOT EXISTS idx_clean_batch_id ON clean_transactions(batch_id);
CREATE INDEX IF NOT EXISTS idx_features_batch_id ON feature_records(batch_id);
CREATE INDEX IF NOT EXISTS idx_features_customer ON feature_records(customer_id, transaction_date);
CREATE INDEX IF NOT EXISTS idx_rejections_batch_id ON row_rejections(batch_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Batches ---

func (s *SQLiteStore) CreateBatch(ctx context.Context, batchID, source, checksum string) (*model.Batch, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, source, checksum, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		batchID, source, checksum, string(model.BatchStatusReceived), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert batch %s", batchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrConflict, "batch %s already exists", batchID)
	}

	return &model.Batch{
		ID:        batchID,
		Source:    source,
		Checksum:  checksum,
		Status:    model.BatchStatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch status %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, batchID string, result *model.BatchResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(model.BatchStatusComplete), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete batch %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) FailBatch(ctx context.Context, batchID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		reason, string(model.BatchStatusFailed), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail batch %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, checksum, status, result, error, created_at, updated_at FROM batches WHERE id = ?`,
		batchID,
	)
	return scanBatch(row)
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT id, source, checksum, status, result, error, created_at, updated_at FROM batches WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) BatchWindowStats(ctx context.Context, since time.Time, qualityThreshold float64) (*model.BatchWindowStats, error) {
	var st model.BatchWindowStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM batches WHERE created_at >= ?`,
		string(model.BatchStatusFailed), string(model.BatchStatusComplete), since.UTC(),
	).Scan(&st.Total, &st.Failed, &st.Complete)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: batch window stats")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(q.data_quality_percentage), 0),
		        COALESCE(SUM(CASE WHEN q.data_quality_percentage < ? THEN 1 ELSE 0 END), 0)
		 FROM quality_metrics q JOIN batches b ON b.id = q.batch_id
		 WHERE b.created_at >= ?`,
		qualityThreshold, since.UTC(),
	).Scan(&st.AverageQuality, &st.LowQuality)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: batch window quality")
	}
	return &st, nil
}

// --- Phases ---

func (s *SQLiteStore) CreatePhase(ctx context.Context, batchID string, name string) (*model.BatchPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_phases (id, batch_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, batchID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for batch %s", batchID)
	}

	return &model.BatchPhase{
		ID:        id,
		BatchID:   batchID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_phases SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

func (s *SQLiteStore) ListPhases(ctx context.Context, batchID string) ([]model.BatchPhase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, name, status, result, started_at FROM batch_phases WHERE batch_id = ? ORDER BY started_at, rowid`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list phases %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	var phases []model.BatchPhase
	for rows.Next() {
		var p model.BatchPhase
		var resultJSON sql.NullString
		if err := rows.Scan(&p.ID, &p.BatchID, &p.Name, &p.Status, &resultJSON, &p.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phase")
		}
		if resultJSON.Valid {
			p.Result = &model.PhaseResult{}
			if err := json.Unmarshal([]byte(resultJSON.String), p.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal phase result")
			}
		}
		phases = append(phases, p)
	}
	return phases, eris.Wrap(rows.Err(), "sqlite: list phases iterate")
}

// --- Transactions ---

func (s *SQLiteStore) InsertRaw(ctx context.Context, records []model.RawRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	ids := make([]int64, 0, len(records))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO raw_transactions (batch_id, row_index, transaction_id, transaction_date, customer_id, product,
			 category, quantity, price, payment_method, city, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare raw insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, r := range records {
			res, err := stmt.ExecContext(ctx, r.BatchID, r.RowIndex, nullString(r.TransactionID), r.TransactionDate,
				r.CustomerID, r.Product, r.Category, r.Quantity, r.Price, r.PaymentMethod, r.City, now)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert raw row %d", r.RowIndex)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return eris.Wrap(err, "sqlite: raw last insert id")
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) InsertClean(ctx context.Context, records []model.CleanRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	ids := make([]int64, 0, len(records))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO clean_transactions (batch_id, raw_transaction_id, transaction_id, transaction_date, customer_id,
			 product, category, quantity, price, total_amount, payment_method, city, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare clean insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, c := range records {
			res, err := stmt.ExecContext(ctx, c.BatchID, c.RawID, nullString(c.TransactionID), dateKey(c.TransactionDate),
				c.CustomerID, c.Product, c.Category, c.Quantity, c.Price, c.TotalAmount, c.PaymentMethod, c.City, now)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert clean row for raw %d", c.RawID)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return eris.Wrap(err, "sqlite: clean last insert id")
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// sqliteMaxVars stays well under SQLITE_MAX_VARIABLE_NUMBER.
const sqliteMaxVars = 500

func (s *SQLiteStore) ExistingTransactionIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for start := 0; start < len(ids); start += sqliteMaxVars {
		chunk := ids[start:min(start+sqliteMaxVars, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT transaction_id FROM clean_transactions WHERE transaction_id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing transaction ids")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan transaction id")
			}
			found[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing transaction ids iterate")
		}
	}
	return found, nil
}

const sqliteCleanColumns = `id, batch_id, raw_transaction_id, COALESCE(transaction_id, ''), transaction_date, customer_id,
	product, COALESCE(category, ''), quantity, price, total_amount, COALESCE(payment_method, ''), COALESCE(city, ''), created_at`

func (s *SQLiteStore) CustomerHistory(ctx context.Context, customerID string, upTo time.Time) ([]model.CleanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteCleanColumns+` FROM clean_transactions
		 WHERE customer_id = ? AND transaction_date <= ?
		 ORDER BY transaction_date, id`,
		customerID, dateKey(upTo),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: customer history %s", customerID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CleanRecord
	for rows.Next() {
		c, err := scanClean(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: customer history iterate")
}

func (s *SQLiteStore) DateRevenue(ctx context.Context, date time.Time) (float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT total_amount FROM clean_transactions WHERE transaction_date = ? ORDER BY id`,
		dateKey(date),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: date revenue %s", dateKey(date))
	}
	defer rows.Close() //nolint:errcheck

	return sumAmounts(rows)
}

func (s *SQLiteStore) InsertRejections(ctx context.Context, rejections []model.Rejection) error {
	if len(rejections) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO row_rejections (batch_id, stage, row_index, raw_id, transaction_id, customer_id, reason, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare rejection insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, r := range rejections {
			var rawID any
			if r.RawID != 0 {
				rawID = r.RawID
			}
			if _, err := stmt.ExecContext(ctx, r.BatchID, r.Stage, r.RowIndex, rawID, nullString(r.TransactionID),
				nullString(r.CustomerID), string(r.Reason), r.Detail, now); err != nil {
				return eris.Wrapf(err, "sqlite: insert rejection row %d", r.RowIndex)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListRejections(ctx context.Context, batchID string, limit int) ([]model.Rejection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, stage, row_index, COALESCE(raw_id, 0), COALESCE(transaction_id, ''), COALESCE(customer_id, ''), reason, detail
		 FROM row_rejections WHERE batch_id = ? ORDER BY row_index, id LIMIT ?`,
		batchID, limitOr(limit, 1000),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list rejections %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		if err := rows.Scan(&r.BatchID, &r.Stage, &r.RowIndex, &r.RawID, &r.TransactionID, &r.CustomerID, &r.Reason, &r.Detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rejection")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rejections iterate")
}

// --- Features ---

func (s *SQLiteStore) InsertFeatures(ctx context.Context, features []model.FeatureRecord) (int, error) {
	if len(features) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO feature_records (clean_id, batch_id, transaction_id, customer_id, transaction_date, total_amount,
			 quantity, price, daily_revenue, customer_lifetime_value, transaction_frequency, average_transaction_value,
			 days_since_first_transaction, category, payment_method, city, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(clean_id) DO UPDATE SET
			   daily_revenue = excluded.daily_revenue,
			   customer_lifetime_value = excluded.customer_lifetime_value,
			   transaction_frequency = excluded.transaction_frequency,
			   average_transaction_value = excluded.average_transaction_value,
			   days_since_first_transaction = excluded.days_since_first_transaction`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare feature insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, f := range features {
			if _, err := stmt.ExecContext(ctx, f.CleanID, f.BatchID, nullString(f.TransactionID), f.CustomerID,
				dateKey(f.TransactionDate), f.TotalAmount, f.Quantity, f.Price, f.DailyRevenue, f.CustomerLifetimeValue,
				f.TransactionFrequency, f.AverageTransactionValue, f.DaysSinceFirstTransaction, f.Category,
				f.PaymentMethod, f.City, now); err != nil {
				return eris.Wrapf(err, "sqlite: insert feature for clean %d", f.CleanID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(features), nil
}

func (s *SQLiteStore) ListFeatures(ctx context.Context, filter FeatureFilter) ([]model.FeatureRecord, error) {
	query := `SELECT id, clean_id, batch_id, COALESCE(transaction_id, ''), customer_id, transaction_date, total_amount,
		quantity, price, daily_revenue, customer_lifetime_value, transaction_frequency, average_transaction_value,
		days_since_first_transaction, COALESCE(category, ''), COALESCE(payment_method, ''), COALESCE(city, '')
		FROM feature_records WHERE 1=1`
	var args []any
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	query += ` ORDER BY customer_id, transaction_date, clean_id LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list features")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FeatureRecord
	for rows.Next() {
		var f model.FeatureRecord
		if err := rows.Scan(&f.ID, &f.CleanID, &f.BatchID, &f.TransactionID, &f.CustomerID, &f.Date, &f.TotalAmount,
			&f.Quantity, &f.Price, &f.DailyRevenue, &f.CustomerLifetimeValue, &f.TransactionFrequency,
			&f.AverageTransactionValue, &f.DaysSinceFirstTransaction, &f.Category, &f.PaymentMethod, &f.City); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feature")
		}
		if f.TransactionDate, err = parseDateKey(f.Date); err != nil {
			return nil, eris.Wrap(err, "sqlite: feature date")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list features iterate")
}

func (s *SQLiteStore) FeatureStats(ctx context.Context) (*model.FeatureStats, error) {
	var st model.FeatureStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT customer_id), COALESCE(AVG(customer_lifetime_value), 0),
		        COALESCE(AVG(transaction_frequency), 0)
		 FROM feature_records`,
	).Scan(&st.TotalFeatures, &st.UniqueCustomers, &st.AverageCLV, &st.AverageTransactionFrequency)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: feature stats")
	}
	return &st, nil
}

// --- Summaries ---

func (s *SQLiteStore) UpsertDailySummaries(ctx context.Context, deltas []model.DailyDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO daily_summaries (date, total_revenue, total_orders, total_quantity, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(date) DO UPDATE SET
			   total_revenue = total_revenue + excluded.total_revenue,
			   total_orders = total_orders + excluded.total_orders,
			   total_quantity = total_quantity + excluded.total_quantity,
			   updated_at = excluded.updated_at`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare daily upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, d := range deltas {
			if _, err := stmt.ExecContext(ctx, dateKey(d.Date), d.Revenue, d.Orders, d.Quantity, now); err != nil {
				return eris.Wrapf(err, "sqlite: upsert daily summary %s", dateKey(d.Date))
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertCustomerSummaries(ctx context.Context, deltas []model.CustomerDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO customer_summaries (customer_id, total_revenue, total_orders, average_order_value,
			 last_transaction_date, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(customer_id) DO UPDATE SET
			   total_revenue = total_revenue + excluded.total_revenue,
			   total_orders = total_orders + excluded.total_orders,
			   average_order_value = (total_revenue + excluded.total_revenue) / (total_orders + excluded.total_orders),
			   last_transaction_date = MAX(COALESCE(last_transaction_date, excluded.last_transaction_date), excluded.last_transaction_date),
			   updated_at = excluded.updated_at`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare customer upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, d := range deltas {
			avg := 0.0
			if d.Orders > 0 {
				avg = d.Revenue / float64(d.Orders)
			}
			if _, err := stmt.ExecContext(ctx, d.CustomerID, d.Revenue, d.Orders, avg, dateKey(d.LastDate), now); err != nil {
				return eris.Wrapf(err, "sqlite: upsert customer summary %s", d.CustomerID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) DailySummaries(ctx context.Context, limit int) ([]model.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, total_revenue, total_orders, total_quantity, updated_at FROM daily_summaries
		 ORDER BY date DESC LIMIT ?`,
		limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: daily summaries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DailySummary
	for rows.Next() {
		var d model.DailySummary
		var date string
		if err := rows.Scan(&date, &d.TotalRevenue, &d.TotalOrders, &d.TotalQuantity, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan daily summary")
		}
		if d.Date, err = parseDateKey(date); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: daily summaries iterate")
}

func (s *SQLiteStore) CustomerSummaries(ctx context.Context, limit int) ([]model.CustomerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, total_revenue, total_orders, average_order_value, last_transaction_date, updated_at
		 FROM customer_summaries ORDER BY total_revenue DESC, customer_id LIMIT ?`,
		limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: customer summaries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CustomerSummary
	for rows.Next() {
		var c model.CustomerSummary
		var last sql.NullString
		if err := rows.Scan(&c.CustomerID, &c.TotalRevenue, &c.TotalOrders, &c.AverageOrderValue, &last, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan customer summary")
		}
		if last.Valid {
			d, err := parseDateKey(last.String)
			if err != nil {
				return nil, err
			}
			c.LastTransactionDate = &d
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: customer summaries iterate")
}

func (s *SQLiteStore) TopCustomers(ctx context.Context, limit int) ([]model.CustomerRevenue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, total_revenue FROM customer_summaries ORDER BY total_revenue DESC, customer_id LIMIT ?`,
		limitOr(limit, 10),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: top customers")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CustomerRevenue
	for rows.Next() {
		var c model.CustomerRevenue
		if err := rows.Scan(&c.CustomerID, &c.Revenue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan top customer")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: top customers iterate")
}

func (s *SQLiteStore) DailyRevenueSeries(ctx context.Context) ([]model.RevenuePoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, total_revenue FROM daily_summaries ORDER BY date`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: daily revenue series")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RevenuePoint
	for rows.Next() {
		var p model.RevenuePoint
		if err := rows.Scan(&p.Date, &p.Revenue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan revenue point")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: daily revenue series iterate")
}

// --- Quality ---

func (s *SQLiteStore) InsertQualityMetrics(ctx context.Context, m *model.QualityMetrics) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quality_metrics (batch_id, total_records_ingested, invalid_records, duplicate_records,
		 cleaned_records, dropped_records, features_generated, data_quality_percentage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id) DO NOTHING`,
		m.BatchID, m.TotalRecordsIngested, m.InvalidRecords, m.DuplicateRecords, m.CleanedRecords,
		m.DroppedRecords, m.FeaturesGenerated, m.DataQualityPercentage, m.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert quality metrics %s", m.BatchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "quality metrics for batch %s already recorded", m.BatchID)
	}
	return nil
}

const sqliteQualityColumns = `batch_id, total_records_ingested, invalid_records, duplicate_records, cleaned_records,
	dropped_records, features_generated, data_quality_percentage, created_at`

func (s *SQLiteStore) GetQualityMetrics(ctx context.Context, batchID string) (*model.QualityMetrics, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteQualityColumns+` FROM quality_metrics WHERE batch_id = ?`, batchID)
	m, err := scanQuality(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "quality metrics for batch %s", batchID)
	}
	return m, eris.Wrapf(err, "sqlite: get quality metrics %s", batchID)
}

func (s *SQLiteStore) LatestQualityMetrics(ctx context.Context) (*model.QualityMetrics, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteQualityColumns+` FROM quality_metrics ORDER BY created_at DESC, id DESC LIMIT 1`)
	m, err := scanQuality(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, eris.Wrap(err, "sqlite: latest quality metrics")
}

func (s *SQLiteStore) QualityTotals(ctx context.Context) (*model.QualityTotals, error) {
	var t model.QualityTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_records_ingested), 0), COALESCE(SUM(invalid_records), 0),
		        COALESCE(SUM(duplicate_records), 0), COALESCE(SUM(cleaned_records), 0),
		        COALESCE(SUM(data_quality_percentage), 0)
		 FROM quality_metrics`,
	).Scan(&t.Batches, &t.Ingested, &t.Invalid, &t.Duplicates, &t.Cleaned, &t.PercentageSum)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: quality totals")
	}
	return &t, nil
}

// --- Analytics ---

func (s *SQLiteStore) KPIs(ctx context.Context) (*model.KPIs, error) {
	var k model.KPIs
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_amount), 0), COUNT(*), COUNT(DISTINCT customer_id) FROM clean_transactions`,
	).Scan(&k.TotalRevenue, &k.TotalOrders, &k.TotalCustomers)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: kpis")
	}
	if k.TotalOrders > 0 {
		k.AverageOrderValue = k.TotalRevenue / float64(k.TotalOrders)
	}
	return &k, nil
}

func (s *SQLiteStore) DatasetStats(ctx context.Context) (*model.DatasetStats, error) {
	var st model.DatasetStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_transactions`).Scan(&st.RawTransactions); err != nil {
		return nil, eris.Wrap(err, "sqlite: count raw transactions")
	}

	var minDate, maxDate sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(transaction_date), MAX(transaction_date), COUNT(DISTINCT customer_id), COUNT(DISTINCT product)
		 FROM clean_transactions`,
	).Scan(&st.CleanTransactions, &minDate, &maxDate, &st.UniqueCustomers, &st.UniqueProducts)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dataset stats")
	}
	if minDate.Valid {
		st.MinDate = &minDate.String
	}
	if maxDate.Valid {
		st.MaxDate = &maxDate.String
	}
	return &st, nil
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var resultJSON, errText sql.NullString

	err := row.Scan(&b.ID, &b.Source, &b.Checksum, &b.Status, &resultJSON, &errText, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "batch")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan batch")
	}

	b.Error = errText.String
	if resultJSON.Valid {
		b.Result = &model.BatchResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), b.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch result")
		}
	}
	return &b, nil
}

func scanClean(row scannable) (*model.CleanRecord, error) {
	var c model.CleanRecord
	var date string
	err := row.Scan(&c.ID, &c.BatchID, &c.RawID, &c.TransactionID, &date, &c.CustomerID, &c.Product, &c.Category,
		&c.Quantity, &c.Price, &c.TotalAmount, &c.PaymentMethod, &c.City, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan clean transaction")
	}
	if c.TransactionDate, err = parseDateKey(date); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanQuality(row scannable) (*model.QualityMetrics, error) {
	var m model.QualityMetrics
	err := row.Scan(&m.BatchID, &m.TotalRecordsIngested, &m.InvalidRecords, &m.DuplicateRecords, &m.CleanedRecords,
		&m.DroppedRecords, &m.FeaturesGenerated, &m.DataQualityPercentage, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type amountRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// sumAmounts adds amounts in row order. Callers order by id.
func sumAmounts(rows amountRows) (float64, error) {
	var total float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return 0, eris.Wrap(err, "scan amount")
		}
		total += v
	}
	return total, eris.Wrap(rows.Err(), "iterate amounts")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
