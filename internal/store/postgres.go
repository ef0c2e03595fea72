package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/plantops/chillwatch/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock implements it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool, for plants that centralize
// several sites into one shared database.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS history (
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	day         INTEGER NOT NULL DEFAULT 0,
	metric      TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	unit        TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (year, month, day, metric)
);

CREATE TABLE IF NOT EXISTS audit_trail (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	day         INTEGER NOT NULL DEFAULT 0,
	metric      TEXT NOT NULL,
	old_value   DOUBLE PRECISION NOT NULL,
	new_value   DOUBLE PRECISION NOT NULL,
	replaced_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS forecast (
	year         INTEGER NOT NULL,
	month        INTEGER NOT NULL,
	metric       TEXT NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	basis_count  INTEGER NOT NULL,
	flags        JSONB NOT NULL DEFAULT '[]',
	generated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (year, month, metric)
);

CREATE TABLE IF NOT EXISTS accuracy (
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	metric      TEXT NOT NULL,
	actual      DOUBLE PRECISION NOT NULL,
	forecast    DOUBLE PRECISION NOT NULL,
	error_pct   DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (year, month, metric)
);

CREATE TABLE IF NOT EXISTS parameters (
	year              INTEGER PRIMARY KEY,
	kwh_price         DOUBLE PRECISION NOT NULL,
	total_consumption DOUBLE PRECISION NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	summary     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_metric ON history(metric);
CREATE INDEX IF NOT EXISTS idx_audit_metric ON audit_trail(metric, year, month);
CREATE INDEX IF NOT EXISTS idx_accuracy_metric ON accuracy(metric);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Verify probes the history table. A schema that cannot answer this query is
// unusable for merging and maps to ErrCorrupt.
func (s *PostgresStore) Verify(ctx context.Context) error {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return eris.Wrap(ErrCorrupt, err.Error())
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context) ([]model.HistoricalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year, month, day, metric, value, unit, source, ingested_at
		 FROM history ORDER BY year, month, day, metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get history")
	}
	defer rows.Close()

	var recs []model.HistoricalRecord
	for rows.Next() {
		var r model.HistoricalRecord
		var year, month, day int
		if err := rows.Scan(&year, &month, &day, &r.Metric, &r.Value, &r.Unit, &r.Source, &r.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		r.Key = model.CalendarKey{Year: year, Month: time.Month(month), Day: day}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: get history iterate")
}

func (s *PostgresStore) UpsertHistory(ctx context.Context, recs []model.HistoricalRecord, audits []model.AuditEntry) error {
	if len(recs) == 0 && len(audits) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert history")
	}
	defer tx.Rollback(ctx)

	if err := pgWriteHistory(ctx, tx, recs, audits); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert history")
}

func pgWriteHistory(ctx context.Context, tx pgx.Tx, recs []model.HistoricalRecord, audits []model.AuditEntry) error {
	for _, r := range recs {
		_, err := tx.Exec(ctx,
			`INSERT INTO history (year, month, day, metric, value, unit, source, ingested_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (year, month, day, metric)
			 DO UPDATE SET value = EXCLUDED.value, unit = EXCLUDED.unit,
			               source = EXCLUDED.source, ingested_at = EXCLUDED.ingested_at`,
			r.Key.Year, int(r.Key.Month), r.Key.Day, string(r.Metric),
			r.Value, r.Unit, string(r.Source), r.IngestedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert history %s %s", r.Key, r.Metric)
		}
	}
	for _, a := range audits {
		_, err := tx.Exec(ctx,
			`INSERT INTO audit_trail (year, month, day, metric, old_value, new_value, replaced_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.Key.Year, int(a.Key.Month), a.Key.Day, string(a.Metric),
			a.OldValue, a.NewValue, a.ReplacedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert audit %s %s", a.Key, a.Metric)
		}
	}
	return nil
}

func (s *PostgresStore) GetAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year, month, day, metric, old_value, new_value, replaced_at
		 FROM audit_trail ORDER BY replaced_at, year, month, metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get audit")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		var year, month, day int
		if err := rows.Scan(&year, &month, &day, &a.Metric, &a.OldValue, &a.NewValue, &a.ReplacedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		a.Key = model.CalendarKey{Year: year, Month: time.Month(month), Day: day}
		entries = append(entries, a)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: get audit iterate")
}

func (s *PostgresStore) ReplaceForecast(ctx context.Context, recs []model.ForecastRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace forecast")
	}
	defer tx.Rollback(ctx)

	if err := pgWriteForecast(ctx, tx, recs); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace forecast")
}

func pgWriteForecast(ctx context.Context, tx pgx.Tx, recs []model.ForecastRecord) error {
	if _, err := tx.Exec(ctx, `DELETE FROM forecast`); err != nil {
		return eris.Wrap(err, "postgres: clear forecast")
	}
	for _, f := range recs {
		flagsJSON, err := json.Marshal(f.Flags)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal flags")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO forecast (year, month, metric, value, basis_count, flags, generated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			f.Key.Year, int(f.Key.Month), string(f.Metric),
			f.Value, f.BasisRecordCount, flagsJSON, f.GeneratedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert forecast %s %s", f.Key, f.Metric)
		}
	}
	return nil
}

func (s *PostgresStore) GetForecast(ctx context.Context) ([]model.ForecastRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year, month, metric, value, basis_count, flags, generated_at
		 FROM forecast ORDER BY year, month, metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get forecast")
	}
	defer rows.Close()

	var recs []model.ForecastRecord
	for rows.Next() {
		var f model.ForecastRecord
		var year, month int
		var flagsJSON []byte
		if err := rows.Scan(&year, &month, &f.Metric, &f.Value, &f.BasisRecordCount, &flagsJSON, &f.GeneratedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan forecast")
		}
		if err := json.Unmarshal(flagsJSON, &f.Flags); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal flags")
		}
		f.Key = model.MonthlyKey(year, time.Month(month))
		recs = append(recs, f)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: get forecast iterate")
}

func (s *PostgresStore) AppendAccuracy(ctx context.Context, recs []model.AccuracyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append accuracy")
	}
	defer tx.Rollback(ctx)

	if err := pgWriteAccuracy(ctx, tx, recs); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit append accuracy")
}

func pgWriteAccuracy(ctx context.Context, tx pgx.Tx, recs []model.AccuracyRecord) error {
	for _, a := range recs {
		_, err := tx.Exec(ctx,
			`INSERT INTO accuracy (year, month, metric, actual, forecast, error_pct, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (year, month, metric) DO NOTHING`,
			a.Key.Year, int(a.Key.Month), string(a.Metric),
			a.Actual, a.Forecast, a.ErrorPct, a.RecordedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: append accuracy %s %s", a.Key, a.Metric)
		}
	}
	return nil
}

// CommitRun writes a full run delta in one transaction.
func (s *PostgresStore) CommitRun(ctx context.Context, delta RunDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit run")
	}
	defer tx.Rollback(ctx)

	if err := pgWriteHistory(ctx, tx, delta.History, delta.Audits); err != nil {
		return err
	}
	if err := pgWriteAccuracy(ctx, tx, delta.Accuracy); err != nil {
		return err
	}
	if err := pgWriteForecast(ctx, tx, delta.Forecast); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit run")
}

func (s *PostgresStore) GetAccuracy(ctx context.Context, metric model.Metric) ([]model.AccuracyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year, month, metric, actual, forecast, error_pct, recorded_at
		 FROM accuracy WHERE metric = $1 ORDER BY year, month`,
		string(metric),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get accuracy")
	}
	defer rows.Close()

	var recs []model.AccuracyRecord
	for rows.Next() {
		var a model.AccuracyRecord
		var year, month int
		if err := rows.Scan(&year, &month, &a.Metric, &a.Actual, &a.Forecast, &a.ErrorPct, &a.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan accuracy")
		}
		a.Key = model.MonthlyKey(year, time.Month(month))
		recs = append(recs, a)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: get accuracy iterate")
}

func (s *PostgresStore) UpsertParameters(ctx context.Context, p model.UserParameters) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parameters (year, kwh_price, total_consumption, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (year)
		 DO UPDATE SET kwh_price = EXCLUDED.kwh_price,
		               total_consumption = EXCLUDED.total_consumption,
		               updated_at = EXCLUDED.updated_at`,
		p.Year, p.KWhPrice, p.TotalConsumption, p.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert parameters %d", p.Year)
}

func (s *PostgresStore) ListParameters(ctx context.Context) ([]model.UserParameters, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year, kwh_price, total_consumption, updated_at FROM parameters ORDER BY year`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parameters")
	}
	defer rows.Close()

	var params []model.UserParameters
	for rows.Next() {
		var p model.UserParameters
		if err := rows.Scan(&p.Year, &p.KWhPrice, &p.TotalConsumption, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan parameters")
		}
		params = append(params, p)
	}
	return params, eris.Wrap(rows.Err(), "postgres: list parameters iterate")
}

func (s *PostgresStore) SaveRun(ctx context.Context, summary model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, summary, started_at, finished_at) VALUES ($1, $2, $3, $4, $5)`,
		summary.ID, string(summary.Status), summaryJSON,
		summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save run %s", summary.ID)
}

func (s *PostgresStore) LastRun(ctx context.Context) (*model.RunSummary, error) {
	var summaryJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT summary FROM runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&summaryJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: last run")
	}
	var summary model.RunSummary
	if err := json.Unmarshal(summaryJSON, &summary); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run summary")
	}
	return &summary, nil
}
