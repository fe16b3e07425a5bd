// Package provenance persists a record of every extraction and evaluation
// run, so results stay attributable to the exact corpus, selection and
// model configuration that produced them.
package provenance

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS run_log (
	run_id       TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	corpus_path  TEXT,
	model_name   TEXT,
	predicate    TEXT,
	slots        TEXT,
	sentences    INTEGER NOT NULL,
	rows_written INTEGER NOT NULL,
	accuracy     REAL,
	started_at   TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL
);
`

// #endregion schema

// #region record

// Run kinds.
const (
	KindExtract = "extract"
	KindEval    = "eval"
)

// Record is a single row in the run_log table.
type Record struct {
	RunID      string
	Kind       string // "extract" | "eval"
	CorpusPath string
	ModelName  string
	Predicate  string
	Slots      string
	Sentences  int
	Rows       int
	// Accuracy is set for eval runs only.
	Accuracy  *float64
	StartedAt time.Time
	Duration  time.Duration
}

// #endregion record

// #region run-log

// RunLog is a sqlite-backed append-only log of runs.
type RunLog struct {
	db *sql.DB
}

// Open opens (creating if needed) a run log at path.
func Open(path string) (*RunLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run log %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run log: %w", err)
	}
	return &RunLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *RunLog) Close() error {
	return l.db.Close()
}

// Append writes one record. A missing run id and start time are filled in.
func (l *RunLog) Append(rec Record) (string, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Kind != KindExtract && rec.Kind != KindEval {
		return "", fmt.Errorf("append run: unknown kind %q", rec.Kind)
	}

	var accuracy interface{}
	if rec.Accuracy != nil {
		accuracy = *rec.Accuracy
	}
	_, err := l.db.Exec(
		`INSERT INTO run_log (run_id, kind, corpus_path, model_name, predicate, slots, sentences, rows_written, accuracy, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.Kind,
		nullIfEmpty(rec.CorpusPath),
		nullIfEmpty(rec.ModelName),
		nullIfEmpty(rec.Predicate),
		nullIfEmpty(rec.Slots),
		rec.Sentences,
		rec.Rows,
		accuracy,
		rec.StartedAt.Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("append run: %w", err)
	}
	return rec.RunID, nil
}

// List returns all records, most recent first.
func (l *RunLog) List() ([]Record, error) {
	rows, err := l.db.Query(
		`SELECT run_id, kind, corpus_path, model_name, predicate, slots, sentences, rows_written, accuracy, started_at, duration_ms
		 FROM run_log ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			corpusPath sql.NullString
			modelName  sql.NullString
			predicate  sql.NullString
			slots      sql.NullString
			accuracy   sql.NullFloat64
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Kind, &corpusPath, &modelName, &predicate, &slots,
			&rec.Sentences, &rec.Rows, &accuracy, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.CorpusPath = corpusPath.String
		rec.ModelName = modelName.String
		rec.Predicate = predicate.String
		rec.Slots = slots.String
		if accuracy.Valid {
			v := accuracy.Float64
			rec.Accuracy = &v
		}
		ts, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
		}
		rec.StartedAt = ts
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion run-log

// #region helpers

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
