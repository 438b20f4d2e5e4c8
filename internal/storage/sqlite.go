// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/lexsub/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		source TEXT NOT NULL,
		top_k INTEGER NOT NULL,
		inputs_id TEXT,
		instances INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		collapsed INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_inputs_id ON runs(inputs_id);

	CREATE TABLE IF NOT EXISTS results (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		target_word TEXT NOT NULL,
		target_category TEXT NOT NULL,
		sentence_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		candidates TEXT NOT NULL,
		PRIMARY KEY (run_id, ord),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		target_word TEXT NOT NULL,
		target_category TEXT NOT NULL,
		sentence_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (run_id, ord),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS warnings (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		target_word TEXT NOT NULL,
		target_category TEXT NOT NULL,
		sentence_id TEXT NOT NULL,
		want INTEGER NOT NULL,
		got INTEGER NOT NULL,
		PRIMARY KEY (run_id, ord),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveReport stores report in one transaction and returns the run ID. A new
// uuid is assigned when report.RunID is empty; report.RunID and info.ID are
// updated. info may be nil.
func (s *SQLiteStorage) SaveReport(ctx context.Context, report *models.Report, info *models.RunInfo) (string, error) {
	if info == nil {
		info = &models.RunInfo{}
	}
	if report.RunID == "" {
		report.RunID = uuid.New().String()
	}
	info.ID = report.RunID
	info.Stats = report.Stats
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, source, top_k, inputs_id, instances, succeeded, failed, collapsed, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.CreatedAt, info.Source, info.TopK, info.InputsID,
		report.Stats.Instances, report.Stats.Succeeded, report.Stats.Failed, report.Stats.Collapsed,
		int64(report.Stats.Duration),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	if err := insertResults(ctx, tx, info.ID, report.Lists()); err != nil {
		return "", err
	}
	if err := insertFailures(ctx, tx, info.ID, report.Failures); err != nil {
		return "", err
	}
	if err := insertWarnings(ctx, tx, info.ID, report.Warnings); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return info.ID, nil
}

func insertResults(ctx context.Context, tx *sql.Tx, runID string, lists []models.RankedList) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, ord, target_word, target_category, sentence_id, instance_id, candidates)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, l := range lists {
		candsJSON, err := json.Marshal(l.Candidates)
		if err != nil {
			return fmt.Errorf("failed to marshal candidates: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, runID, i, l.Key.TargetWord, string(l.Key.TargetCategory),
			l.Key.SentenceID, l.InstanceID, string(candsJSON)); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}
	return nil
}

func insertFailures(ctx context.Context, tx *sql.Tx, runID string, failures []models.Failure) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO failures (run_id, ord, target_word, target_category, sentence_id, instance_id, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range failures {
		if _, err := stmt.ExecContext(ctx, runID, i, f.Key.TargetWord, string(f.Key.TargetCategory),
			f.Key.SentenceID, f.InstanceID, f.Reason); err != nil {
			return fmt.Errorf("failed to insert failure: %w", err)
		}
	}
	return nil
}

func insertWarnings(ctx context.Context, tx *sql.Tx, runID string, warnings []models.EmptyCandidateSetWarning) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO warnings (run_id, ord, target_word, target_category, sentence_id, want, got)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, w := range warnings {
		if _, err := stmt.ExecContext(ctx, runID, i, w.Key.TargetWord, string(w.Key.TargetCategory),
			w.Key.SentenceID, w.Want, w.Got); err != nil {
			return fmt.Errorf("failed to insert warning: %w", err)
		}
	}
	return nil
}

// LoadReport rebuilds a stored report. Failure.Err is not stored; it is
// rebuilt from the reason text.
func (s *SQLiteStorage) LoadReport(ctx context.Context, runID string) (*models.Report, error) {
	info, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	report := models.NewReport()
	report.RunID = info.ID
	report.Stats = info.Stats

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_word, target_category, sentence_id, instance_id, candidates
		 FROM results WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l models.RankedList
		var cat, candsJSON string
		if err := rows.Scan(&l.Key.TargetWord, &cat, &l.Key.SentenceID, &l.InstanceID, &candsJSON); err != nil {
			return nil, err
		}
		l.Key.TargetCategory = models.Category(cat)
		if err := json.Unmarshal([]byte(candsJSON), &l.Candidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
		}
		report.Put(l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if report.Failures, err = s.loadFailures(ctx, runID); err != nil {
		return nil, err
	}
	if report.Warnings, err = s.loadWarnings(ctx, runID); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *SQLiteStorage) loadFailures(ctx context.Context, runID string) ([]models.Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_word, target_category, sentence_id, instance_id, reason
		 FROM failures WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Failure
	for rows.Next() {
		var f models.Failure
		var cat string
		if err := rows.Scan(&f.Key.TargetWord, &cat, &f.Key.SentenceID, &f.InstanceID, &f.Reason); err != nil {
			return nil, err
		}
		f.Key.TargetCategory = models.Category(cat)
		f.Err = errors.New(f.Reason)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) loadWarnings(ctx context.Context, runID string) ([]models.EmptyCandidateSetWarning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_word, target_category, sentence_id, want, got
		 FROM warnings WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EmptyCandidateSetWarning
	for rows.Next() {
		var w models.EmptyCandidateSetWarning
		var cat string
		if err := rows.Scan(&w.Key.TargetWord, &cat, &w.Key.SentenceID, &w.Want, &w.Got); err != nil {
			return nil, err
		}
		w.Key.TargetCategory = models.Category(cat)
		out = append(out, w)
	}
	return out, rows.Err()
}

const runColumns = `id, created_at, source, top_k, inputs_id, instances, succeeded, failed, collapsed, duration_ns`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.RunInfo, error) {
	var info models.RunInfo
	var inputsID sql.NullString
	var durationNS int64
	if err := row.Scan(&info.ID, &info.CreatedAt, &info.Source, &info.TopK, &inputsID,
		&info.Stats.Instances, &info.Stats.Succeeded, &info.Stats.Failed, &info.Stats.Collapsed,
		&durationNS); err != nil {
		return nil, err
	}
	info.InputsID = inputsID.String
	info.Stats.Duration = time.Duration(durationNS)
	return &info, nil
}

// GetRun returns run metadata by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*models.RunInfo, error) {
	info, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	return info, err
}

// FindRunByInputs returns the most recent run with the given inputs ID.
func (s *SQLiteStorage) FindRunByInputs(ctx context.Context, inputsID string) (*models.RunInfo, error) {
	info, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE inputs_id = ? ORDER BY created_at DESC LIMIT 1`, inputsID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: inputs %s", models.ErrRunNotFound, inputsID)
	}
	return info, err
}

// ListRuns returns runs, newest first, with offset and limit.
func (s *SQLiteStorage) ListRuns(ctx context.Context, offset, limit int) ([]*models.RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and everything stored with it.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"results", "failures", "warnings"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return err
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	return tx.Commit()
}

// CountRuns returns the total number of stored runs.
func (s *SQLiteStorage) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
