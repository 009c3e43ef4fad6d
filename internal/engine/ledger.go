package engine

import (
	"context"
	"database/sql"
	"time"

	"reportflow/internal/events"
	"reportflow/internal/pipeline"
)

// ledger records pipeline progress in the run tables and the event log.
type ledger struct {
	e Engine
}

func (l ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (l ledger) writer() events.Writer {
	w := l.e.Events
	if w.Now == nil {
		w.Now = l.e.Now
	}
	return w
}

func (l ledger) RunStarted(ctx context.Context, run pipeline.Run) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if err := l.e.Repo.InsertRunTx(ctx, tx, toDomainRun(run)); err != nil {
			return err
		}
		names := make([]string, len(run.Stages))
		for i, s := range run.Stages {
			names[i] = s.Stage
			if err := l.e.Repo.UpsertStageResultTx(ctx, tx, toDomainStage(run.ID, i, s)); err != nil {
				return err
			}
		}
		return l.writer().Append(ctx, tx, events.TypeRunStarted, run.ID, "", events.EventPayload{
			"stages": names,
			"conf":   run.Conf,
		})
	})
}

func (l ledger) StageFinished(ctx context.Context, runID string, index int, res pipeline.StageResult) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if err := l.e.Repo.UpsertStageResultTx(ctx, tx, toDomainStage(runID, index, res)); err != nil {
			return err
		}
		payload := events.EventPayload{"status": string(res.Status)}
		if res.Handoff != "" {
			payload["handoff"] = res.Handoff
		}
		if res.Error != "" {
			payload["error"] = res.Error
		}
		if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
			payload["duration_ms"] = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
		}
		return l.writer().Append(ctx, tx, events.TypeStageFinished, runID, res.Stage, payload)
	})
}

func (l ledger) RunFinished(ctx context.Context, run pipeline.Run) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		finished := run.FinishedAt
		if finished.IsZero() {
			finished = l.e.now()
		}
		if err := l.e.Repo.FinishRunTx(ctx, tx, run.ID, string(run.Status), run.Error, finished.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		for i, s := range run.Stages {
			if err := l.e.Repo.UpsertStageResultTx(ctx, tx, toDomainStage(run.ID, i, s)); err != nil {
				return err
			}
		}
		payload := events.EventPayload{"status": string(run.Status)}
		if run.Error != "" {
			payload["error"] = run.Error
		}
		return l.writer().Append(ctx, tx, events.TypeRunFinished, run.ID, "", payload)
	})
}
