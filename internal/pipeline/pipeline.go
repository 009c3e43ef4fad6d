// Package pipeline sequences stage runners and carries the handoff between
// them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/logging"
	"reportflow/internal/stage"
)

// Status of a run or stage.
type Status string

const (
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusNotAttempted Status = "not_attempted"
	StatusCanceled     Status = "canceled"
)

// StageResult records the outcome of one stage in a run.
type StageResult struct {
	Stage      string
	Status     Status
	Handoff    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Run is one end-to-end execution.
type Run struct {
	ID         string
	Conf       map[string]string
	Status     Status
	Stages     []StageResult
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Stage returns the result recorded for name.
func (r Run) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// StageError wraps the failure of a single stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Recorder observes run progress. Errors are logged and never fail the run.
type Recorder interface {
	RunStarted(ctx context.Context, run Run) error
	StageFinished(ctx context.Context, runID string, index int, res StageResult) error
	RunFinished(ctx context.Context, run Run) error
}

// Coordinator runs stages strictly in order and stops at the first failure.
type Coordinator struct {
	Stages   []stage.Runner
	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(stages ...stage.Runner) Coordinator {
	return Coordinator{Stages: stages, Now: time.Now, NewID: uuid.NewString}
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run executes every stage with conf as the initial trigger. The handoff of
// stage i is written into stage i+1's trigger under stage i's OutputKey.
// The returned error is a *StageError for stage failures, or the context
// error when the run was canceled between stages.
func (c Coordinator) Run(ctx context.Context, conf map[string]string) (Run, error) {
	if len(c.Stages) == 0 {
		return Run{}, errors.New("pipeline has no stages")
	}
	id := c.newID()
	logger := logging.OrDiscard(c.Logger).With("run_id", id)

	trig := stage.Trigger{RunID: id, Conf: map[string]string{}}
	for k, v := range conf {
		trig.Conf[k] = v
	}
	run := Run{
		ID:        id,
		Conf:      trig.Conf,
		Status:    StatusRunning,
		StartedAt: c.now().UTC(),
	}
	for _, s := range c.Stages {
		run.Stages = append(run.Stages, StageResult{Stage: s.Name(), Status: StatusNotAttempted})
	}
	c.record(logger, "run started", func() error { return c.Recorder.RunStarted(ctx, run) })
	logger.Info("pipeline run started", "stages", len(c.Stages))

	var runErr error
	for i, s := range c.Stages {
		if err := ctx.Err(); err != nil {
			run.Status = StatusCanceled
			runErr = err
			logger.Warn("pipeline run canceled", "before_stage", s.Name())
			break
		}
		res := &run.Stages[i]
		res.Status = StatusRunning
		res.StartedAt = c.now().UTC()
		stageLog := logger.With("stage", s.Name())
		stageLog.Info("stage started")

		out, err := s.Execute(ctx, trig)
		res.FinishedAt = c.now().UTC()
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			run.Status = StatusFailed
			runErr = &StageError{Stage: s.Name(), Err: err}
			stageLog.Error("stage failed", "err", err, "duration", res.FinishedAt.Sub(res.StartedAt))
		} else {
			res.Status = StatusSucceeded
			res.Handoff = out
			stageLog.Info("stage succeeded", "handoff", out, "duration", res.FinishedAt.Sub(res.StartedAt))
			if key := s.OutputKey(); key != "" && out != "" {
				trig = trig.With(key, out)
			}
		}
		result := *res
		c.record(logger, "stage finished", func() error { return c.Recorder.StageFinished(ctx, id, i, result) })
		if runErr != nil {
			break
		}
	}
	if runErr == nil {
		run.Status = StatusSucceeded
	} else {
		run.Error = runErr.Error()
	}
	run.FinishedAt = c.now().UTC()
	c.record(logger, "run finished", func() error { return c.Recorder.RunFinished(context.WithoutCancel(ctx), run) })
	logger.Info("pipeline run finished", "status", run.Status)
	return run, runErr
}

func (c Coordinator) newID() string {
	if c.NewID != nil {
		if id := c.NewID(); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (c Coordinator) record(logger *slog.Logger, what string, fn func() error) {
	if c.Recorder == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn("recording failed", "event", what, "err", err)
	}
}
