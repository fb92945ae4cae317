package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// maxAttempts bounds transient-error retries per operation.
const maxAttempts = 5

var validIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// pgConn is the query surface shared by the pool and a transaction.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	docs   docStore
	logger zerolog.Logger
}

// NewPostgres connects to PostgreSQL and verifies the connection.
func NewPostgres(cfg Config, logger zerolog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		docs:   docStore{conn: pool},
		logger: logger.With().Str("component", "store").Logger(),
	}
	p.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return p, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck pings the database.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate creates the container tables, time-series tables, rollup views
// and the settings table.
func (p *Postgres) Migrate(ctx context.Context) error {
	p.logger.Info().Msg("Running database migrations")

	var migrations []string
	for _, name := range Containers() {
		migrations = append(migrations,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				partition_key TEXT NOT NULL,
				doc JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, name),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_partition ON %s(partition_key)`, name, name),
		)
	}

	migrations = append(migrations,
		`CREATE TABLE IF NOT EXISTS flow_data (
			time TIMESTAMPTZ NOT NULL,
			asset VARCHAR(20) NOT NULL,
			flow_type VARCHAR(30) NOT NULL,
			tx_hash VARCHAR(80) NOT NULL DEFAULT '',
			amount DECIMAL(30, 8) NOT NULL,
			usd_value DECIMAL(30, 8),
			source VARCHAR(50),
			from_address VARCHAR(80),
			to_address VARCHAR(80),
			metadata JSONB,
			PRIMARY KEY (time, asset, flow_type, tx_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_data_asset_time ON flow_data(asset, time DESC)`,
		`CREATE OR REPLACE VIEW flow_hourly AS
			SELECT date_trunc('hour', time) AS bucket, asset, flow_type,
			       SUM(amount) AS total_amount,
			       SUM(usd_value) AS total_usd_value,
			       COUNT(*) AS flow_count
			FROM flow_data
			GROUP BY 1, 2, 3`,
		`CREATE OR REPLACE VIEW flow_daily AS
			SELECT date_trunc('day', time) AS bucket, asset, flow_type,
			       SUM(amount) AS total_amount,
			       SUM(usd_value) AS total_usd_value,
			       COUNT(*) AS flow_count
			FROM flow_data
			GROUP BY 1, 2, 3`,
		`CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	)

	for i, migration := range migrations {
		if _, err := p.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	p.logger.Info().Msg("Database migrations completed")
	return nil
}

// Get retrieves a document by id. An empty partitionValue matches any
// partition.
func (p *Postgres) Get(ctx context.Context, container, id, partitionValue string) (Doc, error) {
	var doc Doc
	err := p.withRetry(ctx, func() error {
		var err error
		doc, err = p.docs.Get(ctx, container, id, partitionValue)
		return err
	})
	return doc, err
}

// Upsert inserts or overwrites a document.
func (p *Postgres) Upsert(ctx context.Context, container string, doc Doc) error {
	return p.withRetry(ctx, func() error {
		return p.docs.Upsert(ctx, container, doc)
	})
}

// Replace overwrites an existing document and reports false when it does
// not exist.
func (p *Postgres) Replace(ctx context.Context, container, id string, doc Doc) (bool, error) {
	var replaced bool
	err := p.withRetry(ctx, func() error {
		var err error
		replaced, err = p.docs.Replace(ctx, container, id, doc)
		return err
	})
	return replaced, err
}

// Delete removes a document and reports whether it existed.
func (p *Postgres) Delete(ctx context.Context, container, id, partitionValue string) (bool, error) {
	var deleted bool
	err := p.withRetry(ctx, func() error {
		var err error
		deleted, err = p.docs.Delete(ctx, container, id, partitionValue)
		return err
	})
	return deleted, err
}

// Query returns documents matching q.
func (p *Postgres) Query(ctx context.Context, container string, q Query) ([]Doc, error) {
	var docs []Doc
	err := p.withRetry(ctx, func() error {
		var err error
		docs, err = p.docs.Query(ctx, container, q)
		return err
	})
	return docs, err
}

// AppendTimeSeries batch-inserts flow rows, skipping duplicates of the
// (time, asset, flow_type, tx_hash) primary key.
func (p *Postgres) AppendTimeSeries(ctx context.Context, table string, rows []domain.FlowRecord) (int, error) {
	if table != "flow_data" {
		return 0, fmt.Errorf("store: unknown time-series table %q", table)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	inserted := 0
	err := p.withRetry(ctx, func() error {
		inserted = 0
		batch := &pgx.Batch{}
		for _, r := range rows {
			var meta []byte
			if r.Metadata != nil {
				meta, _ = json.Marshal(r.Metadata)
			}
			batch.Queue(
				`INSERT INTO flow_data (time, asset, flow_type, tx_hash, amount, usd_value, source, from_address, to_address, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT DO NOTHING`,
				r.Timestamp, r.Asset, r.FlowType, r.TxHash, r.Amount, r.USDValue, r.Source, r.From, r.To, meta,
			)
		}

		br := p.pool.SendBatch(ctx, batch)
		defer br.Close()
		for range rows {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	return inserted, err
}

// FlowRollup reads the hourly or daily aggregate view. An empty asset
// matches all assets.
func (p *Postgres) FlowRollup(ctx context.Context, bucket, asset string, since time.Time) ([]FlowAggregate, error) {
	var view string
	switch bucket {
	case RollupHourly:
		view = "flow_hourly"
	case RollupDaily:
		view = "flow_daily"
	default:
		return nil, fmt.Errorf("store: unknown rollup bucket %q", bucket)
	}

	sql := fmt.Sprintf(
		`SELECT bucket, asset, flow_type, total_amount, COALESCE(total_usd_value, 0), flow_count
		 FROM %s WHERE bucket >= $1`, view)
	args := []interface{}{since}
	if asset != "" {
		sql += " AND asset = $2"
		args = append(args, asset)
	}
	sql += " ORDER BY bucket"

	var aggs []FlowAggregate
	err := p.withRetry(ctx, func() error {
		rows, err := p.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		aggs = aggs[:0]
		for rows.Next() {
			var a FlowAggregate
			if err := rows.Scan(&a.Bucket, &a.Asset, &a.FlowType, &a.TotalAmount, &a.TotalUSDValue, &a.FlowCount); err != nil {
				return err
			}
			aggs = append(aggs, a)
		}
		return rows.Err()
	})
	return aggs, err
}

// IntSetting reads an integer setting, persisting def when missing.
func (p *Postgres) IntSetting(ctx context.Context, name string, def int) (int, error) {
	raw, found, err := p.getSetting(ctx, name)
	if err != nil {
		return def, err
	}
	if !found {
		if err := p.PutIntSetting(ctx, name, def); err != nil {
			return def, err
		}
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("store: setting %s is not an integer: %w", name, err)
	}
	return v, nil
}

// PutIntSetting writes an integer setting.
func (p *Postgres) PutIntSetting(ctx context.Context, name string, value int) error {
	return p.putSetting(ctx, name, strconv.Itoa(value))
}

// FloatSetting reads a float setting, persisting def when missing.
func (p *Postgres) FloatSetting(ctx context.Context, name string, def float64) (float64, error) {
	raw, found, err := p.getSetting(ctx, name)
	if err != nil {
		return def, err
	}
	if !found {
		if err := p.PutFloatSetting(ctx, name, def); err != nil {
			return def, err
		}
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("store: setting %s is not a number: %w", name, err)
	}
	return v, nil
}

// PutFloatSetting writes a float setting.
func (p *Postgres) PutFloatSetting(ctx context.Context, name string, value float64) error {
	return p.putSetting(ctx, name, strconv.FormatFloat(value, 'f', -1, 64))
}

func (p *Postgres) getSetting(ctx context.Context, name string) (string, bool, error) {
	var raw string
	err := p.withRetry(ctx, func() error {
		return p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE name = $1`, name).Scan(&raw)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

func (p *Postgres) putSetting(ctx context.Context, name, value string) error {
	return p.withRetry(ctx, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			name, value)
		return err
	})
}

// Transactional runs fn against a single transaction. fn errors roll the
// transaction back.
func (p *Postgres) Transactional(ctx context.Context, fn func(DocumentStore) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&docStore{conn: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// withRetry retries transient failures with jittered exponential backoff.
func (p *Postgres) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !transientError(err) {
			return backoff.Permanent(err)
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Msg("Transient store error, retrying")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
}

// transientError reports whether err is worth retrying: network-level
// failures, connection-class server errors and serialization conflicts.
func transientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || // connection exception
			strings.HasPrefix(pgErr.Code, "57P") || // shutdown in progress
			pgErr.Code == "40001" // serialization failure
	}
	return true
}

// docStore implements DocumentStore over either the pool or a
// transaction.
type docStore struct {
	conn pgConn
}

func (s *docStore) Get(ctx context.Context, container, id, partitionValue string) (Doc, error) {
	if _, ok := partitionKeys[container]; !ok {
		return nil, ErrUnknownContainer
	}

	sql := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, container)
	args := []interface{}{id}
	if partitionValue != "" {
		sql += ` AND partition_key = $2`
		args = append(args, partitionValue)
	}

	var payload []byte
	if err := s.conn.QueryRow(ctx, sql, args...).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var doc Doc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", container, id, err)
	}
	return doc, nil
}

func (s *docStore) Upsert(ctx context.Context, container string, doc Doc) error {
	pk, ok := partitionKeys[container]
	if !ok {
		return ErrUnknownContainer
	}
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("store: document for %s has no id", container)
	}
	part := doc.Str(pk)
	if part == "" {
		return fmt.Errorf("store: document for %s missing partition field %s", container, pk)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", container, id, err)
	}

	_, err = s.conn.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, partition_key, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET partition_key = EXCLUDED.partition_key, doc = EXCLUDED.doc, updated_at = NOW()`,
		container), id, part, payload)
	return err
}

func (s *docStore) Replace(ctx context.Context, container, id string, doc Doc) (bool, error) {
	if _, ok := partitionKeys[container]; !ok {
		return false, ErrUnknownContainer
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("store: encode %s/%s: %w", container, id, err)
	}

	tag, err := s.conn.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET doc = $2, updated_at = NOW() WHERE id = $1`, container), id, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *docStore) Delete(ctx context.Context, container, id, partitionValue string) (bool, error) {
	if _, ok := partitionKeys[container]; !ok {
		return false, ErrUnknownContainer
	}

	sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, container)
	args := []interface{}{id}
	if partitionValue != "" {
		sql += ` AND partition_key = $2`
		args = append(args, partitionValue)
	}

	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Query filters on the partition key and top-level document fields.
// Ordering compares the JSON text representation, which is correct for
// the RFC 3339 timestamps callers order by.
func (s *docStore) Query(ctx context.Context, container string, q Query) ([]Doc, error) {
	if _, ok := partitionKeys[container]; !ok {
		return nil, ErrUnknownContainer
	}

	sql := fmt.Sprintf(`SELECT doc FROM %s`, container)
	var (
		where []string
		args  []interface{}
	)
	if q.PartitionValue != "" {
		args = append(args, q.PartitionValue)
		where = append(where, fmt.Sprintf("partition_key = $%d", len(args)))
	}
	for field, value := range q.Filters {
		if !validIdent.MatchString(field) {
			return nil, fmt.Errorf("store: invalid filter field %q", field)
		}
		args = append(args, fmt.Sprintf("%v", value))
		where = append(where, fmt.Sprintf("doc->>'%s' = $%d", field, len(args)))
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if q.OrderBy != "" {
		if !validIdent.MatchString(q.OrderBy) {
			return nil, fmt.Errorf("store: invalid order field %q", q.OrderBy)
		}
		sql += fmt.Sprintf(" ORDER BY doc->>'%s'", q.OrderBy)
		if q.Descending {
			sql += " DESC"
		}
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("store: decode %s row: %w", container, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
