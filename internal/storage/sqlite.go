package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobmgr/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("history database opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs(cycle_id, mode, started, finished, total, failed, stopped)
		 VALUES(?,?,?,?,?,?,?)`,
		r.CycleID, r.Mode, r.Started.UTC().Format(time.RFC3339Nano), r.Finished.UTC().Format(time.RFC3339Nano),
		r.Total, r.Failed, boolInt(r.Stopped),
	)
	if err != nil {
		return err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i, j := range r.Jobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_jobs(run_id, seq, job_id, name, heavy, elapsed_ns, err) VALUES(?,?,?,?,?,?,?)`,
			runID, i, j.ID, j.Name, boolInt(j.Heavy), int64(j.Elapsed), nullStr(j.Error),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cycle_id, mode, started, finished, total, failed, stopped
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var (
		ids []int64
		out []RunRecord
	)
	for rows.Next() {
		var (
			id                int64
			r                 RunRecord
			started, finished string
			stopped           int
		)
		if err := rows.Scan(&id, &r.CycleID, &r.Mode, &started, &finished, &r.Total, &r.Failed, &stopped); err != nil {
			_ = rows.Close()
			return nil, err
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		r.Stopped = stopped != 0
		ids = append(ids, id)
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		jobs, err := s.runJobs(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i].Jobs = jobs
	}
	return out, nil
}

func (s *sqliteStore) runJobs(ctx context.Context, runID int64) ([]JobResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, name, heavy, elapsed_ns, err FROM run_jobs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobResult
	for rows.Next() {
		var (
			j       JobResult
			heavy   int
			elapsed int64
			msg     sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Name, &heavy, &elapsed, &msg); err != nil {
			return nil, err
		}
		j.Heavy = heavy != 0
		j.Elapsed = time.Duration(elapsed)
		j.Error = msg.String
		out = append(out, j)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
