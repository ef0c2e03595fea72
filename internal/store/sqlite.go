package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/plantops/chillwatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. This is the default
// backend: one file next to the output dataset, no server to run.
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
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS history (
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	day         INTEGER NOT NULL DEFAULT 0,
	metric      TEXT NOT NULL,
	value       REAL NOT NULL,
	unit        TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	ingested_at DATETIME NOT NULL,
	PRIMARY KEY (year, month, day, metric)
);

CREATE TABLE IF NOT EXISTS audit_trail (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	day         INTEGER NOT NULL DEFAULT 0,
	metric      TEXT NOT NULL,
	old_value   REAL NOT NULL,
	new_value   REAL NOT NULL,
	replaced_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS forecast (
	year         INTEGER NOT NULL,
	month        INTEGER NOT NULL,
	metric       TEXT NOT NULL,
	value        REAL NOT NULL,
	basis_count  INTEGER NOT NULL,
	flags        TEXT NOT NULL DEFAULT '[]',
	generated_at DATETIME NOT NULL,
	PRIMARY KEY (year, month, metric)
);

CREATE TABLE IF NOT EXISTS accuracy (
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	metric      TEXT NOT NULL,
	actual      REAL NOT NULL,
	forecast    REAL NOT NULL,
	error_pct   REAL NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (year, month, metric)
);

CREATE TABLE IF NOT EXISTS parameters (
	year              INTEGER PRIMARY KEY,
	kwh_price         REAL NOT NULL,
	total_consumption REAL NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	summary     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_metric ON history(metric);
CREATE INDEX IF NOT EXISTS idx_audit_metric ON audit_trail(metric, year, month);
CREATE INDEX IF NOT EXISTS idx_accuracy_metric ON accuracy(metric);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Verify runs SQLite's integrity check. Anything but "ok" maps to ErrCorrupt.
func (s *SQLiteStore) Verify(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return eris.Wrap(ErrCorrupt, err.Error())
	}
	if !strings.EqualFold(result, "ok") {
		return eris.Wrap(ErrCorrupt, result)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context) ([]model.HistoricalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month, day, metric, value, unit, source, ingested_at
		 FROM history ORDER BY year, month, day, metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get history")
	}
	defer rows.Close()

	var recs []model.HistoricalRecord
	for rows.Next() {
		var r model.HistoricalRecord
		var year, month, day int
		if err := rows.Scan(&year, &month, &day, &r.Metric, &r.Value, &r.Unit, &r.Source, &r.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		r.Key = model.CalendarKey{Year: year, Month: time.Month(month), Day: day}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: get history iterate")
}

func (s *SQLiteStore) UpsertHistory(ctx context.Context, recs []model.HistoricalRecord, audits []model.AuditEntry) error {
	if len(recs) == 0 && len(audits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert history")
	}
	defer tx.Rollback()

	if err := sqliteWriteHistory(ctx, tx, recs, audits); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert history")
}

func sqliteWriteHistory(ctx context.Context, tx *sql.Tx, recs []model.HistoricalRecord, audits []model.AuditEntry) error {
	for _, r := range recs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history (year, month, day, metric, value, unit, source, ingested_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(year, month, day, metric)
			 DO UPDATE SET value = excluded.value, unit = excluded.unit,
			               source = excluded.source, ingested_at = excluded.ingested_at`,
			r.Key.Year, int(r.Key.Month), r.Key.Day, string(r.Metric),
			r.Value, r.Unit, string(r.Source), r.IngestedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert history %s %s", r.Key, r.Metric)
		}
	}
	for _, a := range audits {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_trail (year, month, day, metric, old_value, new_value, replaced_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Key.Year, int(a.Key.Month), a.Key.Day, string(a.Metric),
			a.OldValue, a.NewValue, a.ReplacedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert audit %s %s", a.Key, a.Metric)
		}
	}
	return nil
}

func (s *SQLiteStore) GetAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month, day, metric, old_value, new_value, replaced_at
		 FROM audit_trail ORDER BY replaced_at, year, month, metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get audit")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		var year, month, day int
		if err := rows.Scan(&year, &month, &day, &a.Metric, &a.OldValue, &a.NewValue, &a.ReplacedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		a.Key = model.CalendarKey{Year: year, Month: time.Month(month), Day: day}
		entries = append(entries, a)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: get audit iterate")
}

func (s *SQLiteStore) ReplaceForecast(ctx context.Context, recs []model.ForecastRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace forecast")
	}
	defer tx.Rollback()

	if err := sqliteWriteForecast(ctx, tx, recs); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace forecast")
}

func sqliteWriteForecast(ctx context.Context, tx *sql.Tx, recs []model.ForecastRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM forecast`); err != nil {
		return eris.Wrap(err, "sqlite: clear forecast")
	}
	for _, f := range recs {
		flagsJSON, err := json.Marshal(f.Flags)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal flags")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO forecast (year, month, metric, value, basis_count, flags, generated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.Key.Year, int(f.Key.Month), string(f.Metric),
			f.Value, f.BasisRecordCount, string(flagsJSON), f.GeneratedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert forecast %s %s", f.Key, f.Metric)
		}
	}
	return nil
}

func (s *SQLiteStore) GetForecast(ctx context.Context) ([]model.ForecastRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month, metric, value, basis_count, flags, generated_at
		 FROM forecast ORDER BY year, month, metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get forecast")
	}
	defer rows.Close()

	var recs []model.ForecastRecord
	for rows.Next() {
		var f model.ForecastRecord
		var year, month int
		var flagsJSON string
		if err := rows.Scan(&year, &month, &f.Metric, &f.Value, &f.BasisRecordCount, &flagsJSON, &f.GeneratedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan forecast")
		}
		if err := json.Unmarshal([]byte(flagsJSON), &f.Flags); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal flags")
		}
		f.Key = model.MonthlyKey(year, time.Month(month))
		recs = append(recs, f)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: get forecast iterate")
}

func (s *SQLiteStore) AppendAccuracy(ctx context.Context, recs []model.AccuracyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append accuracy")
	}
	defer tx.Rollback()

	if err := sqliteWriteAccuracy(ctx, tx, recs); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append accuracy")
}

func sqliteWriteAccuracy(ctx context.Context, tx *sql.Tx, recs []model.AccuracyRecord) error {
	for _, a := range recs {
		// First comparison for a month wins; reruns must not rewrite it.
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO accuracy (year, month, metric, actual, forecast, error_pct, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Key.Year, int(a.Key.Month), string(a.Metric),
			a.Actual, a.Forecast, a.ErrorPct, a.RecordedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: append accuracy %s %s", a.Key, a.Metric)
		}
	}
	return nil
}

// CommitRun writes a full run delta in one transaction: history upserts,
// audit appends, accuracy appends, and the forecast replacement either all
// land or none do.
func (s *SQLiteStore) CommitRun(ctx context.Context, delta RunDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit run")
	}
	defer tx.Rollback()

	if err := sqliteWriteHistory(ctx, tx, delta.History, delta.Audits); err != nil {
		return err
	}
	if err := sqliteWriteAccuracy(ctx, tx, delta.Accuracy); err != nil {
		return err
	}
	if err := sqliteWriteForecast(ctx, tx, delta.Forecast); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit run")
}

func (s *SQLiteStore) GetAccuracy(ctx context.Context, metric model.Metric) ([]model.AccuracyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month, metric, actual, forecast, error_pct, recorded_at
		 FROM accuracy WHERE metric = ? ORDER BY year, month`,
		string(metric),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get accuracy")
	}
	defer rows.Close()

	var recs []model.AccuracyRecord
	for rows.Next() {
		var a model.AccuracyRecord
		var year, month int
		if err := rows.Scan(&year, &month, &a.Metric, &a.Actual, &a.Forecast, &a.ErrorPct, &a.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan accuracy")
		}
		a.Key = model.MonthlyKey(year, time.Month(month))
		recs = append(recs, a)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: get accuracy iterate")
}

func (s *SQLiteStore) UpsertParameters(ctx context.Context, p model.UserParameters) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parameters (year, kwh_price, total_consumption, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(year)
		 DO UPDATE SET kwh_price = excluded.kwh_price,
		               total_consumption = excluded.total_consumption,
		               updated_at = excluded.updated_at`,
		p.Year, p.KWhPrice, p.TotalConsumption, p.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert parameters %d", p.Year)
}

func (s *SQLiteStore) ListParameters(ctx context.Context) ([]model.UserParameters, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, kwh_price, total_consumption, updated_at FROM parameters ORDER BY year`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parameters")
	}
	defer rows.Close()

	var params []model.UserParameters
	for rows.Next() {
		var p model.UserParameters
		if err := rows.Scan(&p.Year, &p.KWhPrice, &p.TotalConsumption, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan parameters")
		}
		params = append(params, p)
	}
	return params, eris.Wrap(rows.Err(), "sqlite: list parameters iterate")
}

func (s *SQLiteStore) SaveRun(ctx context.Context, summary model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, summary, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
		summary.ID, string(summary.Status), string(summaryJSON),
		summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save run %s", summary.ID)
}

func (s *SQLiteStore) LastRun(ctx context.Context) (*model.RunSummary, error) {
	var summaryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&summaryJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last run")
	}
	var summary model.RunSummary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
	}
	return &summary, nil
}
