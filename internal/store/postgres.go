package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/txn-pipeline/internal/db"
	"github.com/sells-group/txn-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_batch":         `INSERT INTO batches (id, source, checksum, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
	"update_batch_status":  `UPDATE batches SET status = $1, updated_at = $2 WHERE id = $3`,
	"get_batch":            `SELECT id, source, checksum, status, result, error, created_at, updated_at FROM batches WHERE id = $1`,
	"insert_phase":         `INSERT INTO batch_phases (id, batch_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_phase":       `UPDATE batch_phases SET status = $1, result = $2 WHERE id = $3`,
	"customer_history":     `SELECT ` + pgCleanColumns + ` FROM clean_transactions WHERE customer_id = $1 AND transaction_date <= $2 ORDER BY transaction_date, id`,
	"date_revenue_amounts": `SELECT total_amount FROM clean_transactions WHERE transaction_date = $1 ORDER BY id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL DEFAULT '',
	checksum   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'received',
	result     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_phases (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS raw_transactions (
	id               BIGSERIAL PRIMARY KEY,
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
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS clean_transactions (
	id                 BIGSERIAL PRIMARY KEY,
	batch_id           TEXT NOT NULL,
	raw_transaction_id BIGINT NOT NULL REFERENCES raw_transactions(id),
	transaction_id     TEXT,
	transaction_date   DATE NOT NULL,
	customer_id        TEXT NOT NULL,
	product            TEXT NOT NULL,
	category           TEXT,
	quantity           DOUBLE PRECISION NOT NULL CHECK (quantity >= 0),
	price              DOUBLE PRECISION NOT NULL CHECK (price >= 0),
	total_amount       DOUBLE PRECISION NOT NULL,
	payment_method     TEXT,
	city               TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS feature_records (
	id                           BIGSERIAL PRIMARY KEY,
	clean_id                     BIGINT NOT NULL UNIQUE REFERENCES clean_transactions(id),
	batch_id                     TEXT NOT NULL,
	transaction_id               TEXT,
	customer_id                  TEXT NOT NULL,
	transaction_date             DATE NOT NULL,
	total_amount                 DOUBLE PRECISION NOT NULL,
	quantity                     DOUBLE PRECISION NOT NULL,
	price                        DOUBLE PRECISION NOT NULL,
	daily_revenue                DOUBLE PRECISION NOT NULL,
	customer_lifetime_value      DOUBLE PRECISION NOT NULL,
	transaction_frequency        INTEGER NOT NULL,
	average_transaction_value    DOUBLE PRECISION NOT NULL,
	days_since_first_transaction INTEGER NOT NULL,
	category                     TEXT,
	payment_method               TEXT,
	city                         TEXT,
	created_at                   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS daily_summaries (
	date           DATE PRIMARY KEY,
	total_revenue  DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_orders   INTEGER NOT NULL DEFAULT 0,
	total_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS customer_summaries (
	customer_id           TEXT PRIMARY KEY,
	total_revenue         DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_orders          INTEGER NOT NULL DEFAULT 0,
	average_order_value   DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_transaction_date DATE,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quality_metrics (
	id                      BIGSERIAL PRIMARY KEY,
	batch_id                TEXT NOT NULL UNIQUE,
	total_records_ingested  INTEGER NOT NULL,
	invalid_records         INTEGER NOT NULL,
	duplicate_records       INTEGER NOT NULL,
	cleaned_records         INTEGER NOT NULL,
	dropped_records         INTEGER NOT NULL,
	features_generated      INTEGER NOT NULL,
	data_quality_percentage DOUBLE PRECISION NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS row_rejections (
	id             BIGSERIAL PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	stage          TEXT NOT NULL,
	row_index      INTEGER NOT NULL,
	raw_id         BIGINT,
	transaction_id TEXT,
	customer_id    TEXT,
	reason         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Batches ---

func (s *PostgresStore) CreateBatch(ctx context.Context, batchID, source, checksum string) (*model.Batch, error) {
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, source, checksum, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		batchID, source, checksum, string(model.BatchStatusReceived), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
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

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update batch status %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return nil
}

func (s *PostgresStore) CompleteBatch(ctx context.Context, batchID string, result *model.BatchResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(model.BatchStatusComplete), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return nil
}

func (s *PostgresStore) FailBatch(ctx context.Context, batchID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reason, string(model.BatchStatusFailed), time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	b, err := scanPgBatch(s.pool.QueryRow(ctx,
		`SELECT id, source, checksum, status, result, error, created_at, updated_at FROM batches WHERE id = $1`,
		batchID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return b, eris.Wrapf(err, "postgres: get batch %s", batchID)
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT id, source, checksum, status, result, error, created_at, updated_at FROM batches WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 100))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanPgBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) BatchWindowStats(ctx context.Context, since time.Time, qualityThreshold float64) (*model.BatchWindowStats, error) {
	var st model.BatchWindowStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE b.status = $2),
		        COUNT(*) FILTER (WHERE b.status = $3),
		        COALESCE(AVG(q.data_quality_percentage), 0),
		        COUNT(q.batch_id) FILTER (WHERE q.data_quality_percentage < $4)
		 FROM batches b LEFT JOIN quality_metrics q ON q.batch_id = b.id
		 WHERE b.created_at >= $1`,
		since.UTC(), string(model.BatchStatusFailed), string(model.BatchStatusComplete), qualityThreshold,
	).Scan(&st.Total, &st.Failed, &st.Complete, &st.AverageQuality, &st.LowQuality)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: batch window stats")
	}
	return &st, nil
}

// --- Phases ---

func (s *PostgresStore) CreatePhase(ctx context.Context, batchID string, name string) (*model.BatchPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_phases (id, batch_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, batchID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for batch %s", batchID)
	}

	return &model.BatchPhase{
		ID:        id,
		BatchID:   batchID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_phases SET status = $1, result = $2 WHERE id = $3`,
		string(result.Status), resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "phase %s", phaseID)
	}
	return nil
}

func (s *PostgresStore) ListPhases(ctx context.Context, batchID string) ([]model.BatchPhase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, name, status, result, started_at FROM batch_phases WHERE batch_id = $1 ORDER BY started_at, id`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list phases %s", batchID)
	}
	defer rows.Close()

	var phases []model.BatchPhase
	for rows.Next() {
		var p model.BatchPhase
		var resultNull *[]byte
		if err := rows.Scan(&p.ID, &p.BatchID, &p.Name, &p.Status, &resultNull, &p.StartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan phase")
		}
		if resultNull != nil {
			p.Result = &model.PhaseResult{}
			if err := json.Unmarshal(*resultNull, p.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal phase result")
			}
		}
		phases = append(phases, p)
	}
	return phases, eris.Wrap(rows.Err(), "postgres: list phases iterate")
}

// --- Transactions ---

var rawColumns = []string{
	"id", "batch_id", "row_index", "transaction_id", "transaction_date", "customer_id", "product",
	"category", "quantity", "price", "payment_method", "city", "created_at",
}

func (s *PostgresStore) InsertRaw(ctx context.Context, records []model.RawRecord) ([]int64, error) {
	ids, err := db.ReserveIDs(ctx, s.pool, "raw_transactions_id_seq", len(records))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert raw")
	}
	now := time.Now().UTC()

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{ids[i], r.BatchID, r.RowIndex, nullString(r.TransactionID), r.TransactionDate, r.CustomerID,
			r.Product, r.Category, r.Quantity, r.Price, r.PaymentMethod, r.City, now}
	}
	if _, err := db.CopyFrom(ctx, s.pool, "raw_transactions", rawColumns, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: insert raw")
	}
	return ids, nil
}

var cleanColumns = []string{
	"id", "batch_id", "raw_transaction_id", "transaction_id", "transaction_date", "customer_id", "product",
	"category", "quantity", "price", "total_amount", "payment_method", "city", "created_at",
}

func (s *PostgresStore) InsertClean(ctx context.Context, records []model.CleanRecord) ([]int64, error) {
	ids, err := db.ReserveIDs(ctx, s.pool, "clean_transactions_id_seq", len(records))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert clean")
	}
	now := time.Now().UTC()

	rows := make([][]any, len(records))
	for i, c := range records {
		rows[i] = []any{ids[i], c.BatchID, c.RawID, nullString(c.TransactionID), c.TransactionDate, c.CustomerID,
			c.Product, c.Category, c.Quantity, c.Price, c.TotalAmount, c.PaymentMethod, c.City, now}
	}
	if _, err := db.CopyFrom(ctx, s.pool, "clean_transactions", cleanColumns, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: insert clean")
	}
	return ids, nil
}

func (s *PostgresStore) ExistingTransactionIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id FROM clean_transactions WHERE transaction_id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing transaction ids")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction id")
		}
		found[id] = true
	}
	return found, eris.Wrap(rows.Err(), "postgres: existing transaction ids iterate")
}

const pgCleanColumns = `id, batch_id, raw_transaction_id, COALESCE(transaction_id, ''), transaction_date, customer_id, product, COALESCE(category, ''), quantity, price, total_amount, COALESCE(payment_method, ''), COALESCE(city, ''), created_at`

func (s *PostgresStore) CustomerHistory(ctx context.Context, customerID string, upTo time.Time) ([]model.CleanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgCleanColumns+` FROM clean_transactions WHERE customer_id = $1 AND transaction_date <= $2 ORDER BY transaction_date, id`,
		customerID, upTo,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: customer history %s", customerID)
	}
	defer rows.Close()

	var out []model.CleanRecord
	for rows.Next() {
		var c model.CleanRecord
		if err := rows.Scan(&c.ID, &c.BatchID, &c.RawID, &c.TransactionID, &c.TransactionDate, &c.CustomerID,
			&c.Product, &c.Category, &c.Quantity, &c.Price, &c.TotalAmount, &c.PaymentMethod, &c.City, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clean transaction")
		}
		c.TransactionDate = c.TransactionDate.UTC()
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: customer history iterate")
}

func (s *PostgresStore) DateRevenue(ctx context.Context, date time.Time) (float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT total_amount FROM clean_transactions WHERE transaction_date = $1 ORDER BY id`, date)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: date revenue %s", dateKey(date))
	}
	defer rows.Close()

	return sumAmounts(rows)
}

var rejectionColumns = []string{
	"batch_id", "stage", "row_index", "raw_id", "transaction_id", "customer_id", "reason", "detail", "created_at",
}

func (s *PostgresStore) InsertRejections(ctx context.Context, rejections []model.Rejection) error {
	now := time.Now().UTC()
	rows := make([][]any, len(rejections))
	for i, r := range rejections {
		var rawID any
		if r.RawID != 0 {
			rawID = r.RawID
		}
		rows[i] = []any{r.BatchID, r.Stage, r.RowIndex, rawID, nullString(r.TransactionID), nullString(r.CustomerID),
			string(r.Reason), r.Detail, now}
	}
	_, err := db.CopyFrom(ctx, s.pool, "row_rejections", rejectionColumns, rows)
	return eris.Wrap(err, "postgres: insert rejections")
}

func (s *PostgresStore) ListRejections(ctx context.Context, batchID string, limit int) ([]model.Rejection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, stage, row_index, COALESCE(raw_id, 0), COALESCE(transaction_id, ''), COALESCE(customer_id, ''), reason, detail
		 FROM row_rejections WHERE batch_id = $1 ORDER BY row_index, id LIMIT $2`,
		batchID, limitOr(limit, 1000),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list rejections %s", batchID)
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		if err := rows.Scan(&r.BatchID, &r.Stage, &r.RowIndex, &r.RawID, &r.TransactionID, &r.CustomerID, &r.Reason, &r.Detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rejection")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rejections iterate")
}

// --- Features ---

var featureColumns = []string{
	"clean_id", "batch_id", "transaction_id", "customer_id", "transaction_date", "total_amount", "quantity", "price",
	"daily_revenue", "customer_lifetime_value", "transaction_frequency", "average_transaction_value",
	"days_since_first_transaction", "category", "payment_method", "city", "created_at",
}

func (s *PostgresStore) InsertFeatures(ctx context.Context, features []model.FeatureRecord) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(features))
	for i, f := range features {
		rows[i] = []any{f.CleanID, f.BatchID, nullString(f.TransactionID), f.CustomerID, f.TransactionDate, f.TotalAmount,
			f.Quantity, f.Price, f.DailyRevenue, f.CustomerLifetimeValue, f.TransactionFrequency,
			f.AverageTransactionValue, f.DaysSinceFirstTransaction, f.Category, f.PaymentMethod, f.City, now}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "feature_records",
		Columns:      featureColumns,
		ConflictKeys: []string{"clean_id"},
		UpdateCols: []string{
			"daily_revenue", "customer_lifetime_value", "transaction_frequency",
			"average_transaction_value", "days_since_first_transaction",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert features")
	}
	return len(features), nil
}

func (s *PostgresStore) ListFeatures(ctx context.Context, filter FeatureFilter) ([]model.FeatureRecord, error) {
	query := `SELECT id, clean_id, batch_id, COALESCE(transaction_id, ''), customer_id, transaction_date, total_amount,
		quantity, price, daily_revenue, customer_lifetime_value, transaction_frequency, average_transaction_value,
		days_since_first_transaction, COALESCE(category, ''), COALESCE(payment_method, ''), COALESCE(city, '')
		FROM feature_records WHERE true`
	args := []any{}
	argIdx := 1
	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.CustomerID != "" {
		query += fmt.Sprintf(` AND customer_id = $%d`, argIdx)
		args = append(args, filter.CustomerID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY customer_id, transaction_date, clean_id LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 100000))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list features")
	}
	defer rows.Close()

	var out []model.FeatureRecord
	for rows.Next() {
		var f model.FeatureRecord
		if err := rows.Scan(&f.ID, &f.CleanID, &f.BatchID, &f.TransactionID, &f.CustomerID, &f.TransactionDate,
			&f.TotalAmount, &f.Quantity, &f.Price, &f.DailyRevenue, &f.CustomerLifetimeValue, &f.TransactionFrequency,
			&f.AverageTransactionValue, &f.DaysSinceFirstTransaction, &f.Category, &f.PaymentMethod, &f.City); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feature")
		}
		f.TransactionDate = f.TransactionDate.UTC()
		f.Date = dateKey(f.TransactionDate)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list features iterate")
}

func (s *PostgresStore) FeatureStats(ctx context.Context) (*model.FeatureStats, error) {
	var st model.FeatureStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT customer_id), COALESCE(AVG(customer_lifetime_value), 0),
		        COALESCE(AVG(transaction_frequency), 0)::double precision
		 FROM feature_records`,
	).Scan(&st.TotalFeatures, &st.UniqueCustomers, &st.AverageCLV, &st.AverageTransactionFrequency)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: feature stats")
	}
	return &st, nil
}

// --- Summaries ---

func (s *PostgresStore) UpsertDailySummaries(ctx context.Context, deltas []model.DailyDelta) error {
	now := time.Now().UTC()
	rows := make([][]any, len(deltas))
	for i, d := range deltas {
		rows[i] = []any{d.Date, d.Revenue, d.Orders, d.Quantity, now}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "daily_summaries",
		Columns:      []string{"date", "total_revenue", "total_orders", "total_quantity", "updated_at"},
		ConflictKeys: []string{"date"},
		Increment:    []string{"total_revenue", "total_orders", "total_quantity"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert daily summaries")
}

func (s *PostgresStore) UpsertCustomerSummaries(ctx context.Context, deltas []model.CustomerDelta) error {
	now := time.Now().UTC()
	rows := make([][]any, len(deltas))
	for i, d := range deltas {
		avg := 0.0
		if d.Orders > 0 {
			avg = d.Revenue / float64(d.Orders)
		}
		rows[i] = []any{d.CustomerID, d.Revenue, d.Orders, avg, d.LastDate, now}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "customer_summaries",
		Columns: []string{
			"customer_id", "total_revenue", "total_orders", "average_order_value", "last_transaction_date", "updated_at",
		},
		ConflictKeys: []string{"customer_id"},
		Increment:    []string{"total_revenue", "total_orders"},
		Greatest:     []string{"last_transaction_date"},
		Expressions: map[string]string{
			"average_order_value": `(t.total_revenue + EXCLUDED.total_revenue) / NULLIF(t.total_orders + EXCLUDED.total_orders, 0)`,
		},
	}, rows)
	return eris.Wrap(err, "postgres: upsert customer summaries")
}

func (s *PostgresStore) DailySummaries(ctx context.Context, limit int) ([]model.DailySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, total_revenue, total_orders, total_quantity, updated_at FROM daily_summaries ORDER BY date DESC LIMIT $1`,
		limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: daily summaries")
	}
	defer rows.Close()

	var out []model.DailySummary
	for rows.Next() {
		var d model.DailySummary
		if err := rows.Scan(&d.Date, &d.TotalRevenue, &d.TotalOrders, &d.TotalQuantity, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan daily summary")
		}
		d.Date = d.Date.UTC()
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: daily summaries iterate")
}

func (s *PostgresStore) CustomerSummaries(ctx context.Context, limit int) ([]model.CustomerSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id, total_revenue, total_orders, average_order_value, last_transaction_date, updated_at
		 FROM customer_summaries ORDER BY total_revenue DESC, customer_id LIMIT $1`,
		limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: customer summaries")
	}
	defer rows.Close()

	var out []model.CustomerSummary
	for rows.Next() {
		var c model.CustomerSummary
		if err := rows.Scan(&c.CustomerID, &c.TotalRevenue, &c.TotalOrders, &c.AverageOrderValue,
			&c.LastTransactionDate, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan customer summary")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: customer summaries iterate")
}

func (s *PostgresStore) TopCustomers(ctx context.Context, limit int) ([]model.CustomerRevenue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id, total_revenue FROM customer_summaries ORDER BY total_revenue DESC, customer_id LIMIT $1`,
		limitOr(limit, 10),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: top customers")
	}
	defer rows.Close()

	var out []model.CustomerRevenue
	for rows.Next() {
		var c model.CustomerRevenue
		if err := rows.Scan(&c.CustomerID, &c.Revenue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan top customer")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: top customers iterate")
}

func (s *PostgresStore) DailyRevenueSeries(ctx context.Context) ([]model.RevenuePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT to_char(date, 'YYYY-MM-DD'), total_revenue FROM daily_summaries ORDER BY date`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: daily revenue series")
	}
	defer rows.Close()

	var out []model.RevenuePoint
	for rows.Next() {
		var p model.RevenuePoint
		if err := rows.Scan(&p.Date, &p.Revenue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan revenue point")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: daily revenue series iterate")
}

// --- Quality ---

func (s *PostgresStore) InsertQualityMetrics(ctx context.Context, m *model.QualityMetrics) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO quality_metrics (batch_id, total_records_ingested, invalid_records, duplicate_records,
		 cleaned_records, dropped_records, features_generated, data_quality_percentage, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (batch_id) DO NOTHING`,
		m.BatchID, m.TotalRecordsIngested, m.InvalidRecords, m.DuplicateRecords, m.CleanedRecords,
		m.DroppedRecords, m.FeaturesGenerated, m.DataQualityPercentage, m.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert quality metrics %s", m.BatchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "quality metrics for batch %s already recorded", m.BatchID)
	}
	return nil
}

const pgQualityColumns = `batch_id, total_records_ingested, invalid_records, duplicate_records, cleaned_records, dropped_records, features_generated, data_quality_percentage, created_at`

func (s *PostgresStore) GetQualityMetrics(ctx context.Context, batchID string) (*model.QualityMetrics, error) {
	m, err := scanQuality(s.pool.QueryRow(ctx,
		`SELECT `+pgQualityColumns+` FROM quality_metrics WHERE batch_id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "quality metrics for batch %s", batchID)
	}
	return m, eris.Wrapf(err, "postgres: get quality metrics %s", batchID)
}

func (s *PostgresStore) LatestQualityMetrics(ctx context.Context) (*model.QualityMetrics, error) {
	m, err := scanQuality(s.pool.QueryRow(ctx,
		`SELECT `+pgQualityColumns+` FROM quality_metrics ORDER BY created_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, eris.Wrap(err, "postgres: latest quality metrics")
}

func (s *PostgresStore) QualityTotals(ctx context.Context) (*model.QualityTotals, error) {
	var t model.QualityTotals
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_records_ingested), 0), COALESCE(SUM(invalid_records), 0),
		        COALESCE(SUM(duplicate_records), 0), COALESCE(SUM(cleaned_records), 0),
		        COALESCE(SUM(data_quality_percentage), 0)
		 FROM quality_metrics`,
	).Scan(&t.Batches, &t.Ingested, &t.Invalid, &t.Duplicates, &t.Cleaned, &t.PercentageSum)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: quality totals")
	}
	return &t, nil
}

// --- Analytics ---

func (s *PostgresStore) KPIs(ctx context.Context) (*model.KPIs, error) {
	var k model.KPIs
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_amount), 0), COUNT(*), COUNT(DISTINCT customer_id) FROM clean_transactions`,
	).Scan(&k.TotalRevenue, &k.TotalOrders, &k.TotalCustomers)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: kpis")
	}
	if k.TotalOrders > 0 {
		k.AverageOrderValue = k.TotalRevenue / float64(k.TotalOrders)
	}
	return &k, nil
}

func (s *PostgresStore) DatasetStats(ctx context.Context) (*model.DatasetStats, error) {
	var st model.DatasetStats
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM raw_transactions),
		        COUNT(*),
		        to_char(MIN(transaction_date), 'YYYY-MM-DD'),
		        to_char(MAX(transaction_date), 'YYYY-MM-DD'),
		        COUNT(DISTINCT customer_id),
		        COUNT(DISTINCT product)
		 FROM clean_transactions`,
	).Scan(&st.RawTransactions, &st.CleanTransactions, &st.MinDate, &st.MaxDate, &st.UniqueCustomers, &st.UniqueProducts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dataset stats")
	}
	return &st, nil
}

func scanPgBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var resultNull *[]byte
	var errText *string

	if err := row.Scan(&b.ID, &b.Source, &b.Checksum, &b.Status, &resultNull, &errText, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if errText != nil {
		b.Error = *errText
	}
	if resultNull != nil {
		b.Result = &model.BatchResult{}
		if err := json.Unmarshal(*resultNull, b.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch result")
		}
	}
	return &b, nil
}
