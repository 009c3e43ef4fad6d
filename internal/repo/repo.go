package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reportflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	return insertRun(ctx, tx, run)
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	return insertRun(ctx, r.DB, run)
}

func insertRun(ctx context.Context, db execer, run domain.Run) error {
	conf := run.Conf
	if conf == nil {
		conf = map[string]string{}
	}
	data, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("marshal run conf: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO runs(id,status,conf_json,error,started_at,finished_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Status, string(data), nullable(run.Error), run.StartedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, id, status, errMsg, finishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, error=?, finished_at=? WHERE id=?`,
		status, nullable(errMsg), finishedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertStageResultTx(ctx context.Context, tx *sql.Tx, s domain.StageResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_results(run_id,position,stage,status,handoff,error,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(run_id,position) DO UPDATE SET stage=excluded.stage, status=excluded.status, handoff=excluded.handoff,
  error=excluded.error, started_at=excluded.started_at, finished_at=excluded.finished_at`,
		s.RunID, s.Position, s.Stage, s.Status, nullable(s.Handoff), nullable(s.Error),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt))
	return err
}

const runColumns = `id,status,conf_json,COALESCE(error,''),started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var run domain.Run
	var conf string
	var finished sql.NullString
	if err := row.Scan(&run.ID, &run.Status, &conf, &run.Error, &run.StartedAt, &finished); err != nil {
		return run, err
	}
	if conf != "" {
		if err := json.Unmarshal([]byte(conf), &run.Conf); err != nil {
			return run, fmt.Errorf("decode conf of run %s: %w", run.ID, err)
		}
	}
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	return run, nil
}

// GetRun returns a run with its stage results.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Stages, err = r.ListStageResults(ctx, id)
	return run, err
}

// RunFilters narrows ListRuns.
type RunFilters struct {
	Status string
	Limit  int
}

// ListRuns returns runs newest first, without stage results.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY started_at DESC, id DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListStageResults(ctx context.Context, runID string) ([]domain.StageResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,position,stage,status,COALESCE(handoff,''),COALESCE(error,''),started_at,finished_at
FROM stage_results WHERE run_id=? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageResult
	for rows.Next() {
		var s domain.StageResult
		var started, finished sql.NullString
		if err := rows.Scan(&s.RunID, &s.Position, &s.Stage, &s.Status, &s.Handoff, &s.Error, &started, &finished); err != nil {
			return nil, err
		}
		if started.Valid {
			s.StartedAt = &started.String
		}
		if finished.Valid {
			s.FinishedAt = &finished.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType)
}

// LatestEventsFrom returns events older than cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, runID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),COALESCE(stage,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(stage,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Stage, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
