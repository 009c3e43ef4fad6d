package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"reportflow/internal/pipeline"
	"reportflow/internal/stage"
)

type fakeStage struct {
	name   string
	key    string
	out    string
	err    error
	calls  int
	seen   []stage.Trigger
	before func()
}

func (f *fakeStage) Name() string      { return f.name }
func (f *fakeStage) OutputKey() string { return f.key }

func (f *fakeStage) Execute(_ context.Context, trig stage.Trigger) (string, error) {
	f.calls++
	f.seen = append(f.seen, trig)
	if f.before != nil {
		f.before()
	}
	return f.out, f.err
}

func threeStages() (*fakeStage, *fakeStage, *fakeStage) {
	return &fakeStage{name: stage.NameGenerate, key: stage.KeyDatasetPath, out: "/data/sales.csv"},
		&fakeStage{name: stage.NameTrain, key: stage.KeyReportDirectory, out: "20250101T000000Z"},
		&fakeStage{name: stage.NameEmail}
}

type memRecorder struct {
	mu       sync.Mutex
	started  int
	stages   []pipeline.StageResult
	finished *pipeline.Run
	err      error
}

func (m *memRecorder) RunStarted(context.Context, pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return m.err
}

func (m *memRecorder) StageFinished(_ context.Context, _ string, _ int, res pipeline.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, res)
	return m.err
}

func (m *memRecorder) RunFinished(_ context.Context, run pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = &run
	return m.err
}

func TestRunPropagatesHandoff(t *testing.T) {
	gen, tr, em := threeStages()
	rec := &memRecorder{}
	c := pipeline.New(gen, tr, em)
	c.Recorder = rec
	c.NewID = func() string { return "run-1" }

	run, err := c.Run(context.Background(), map[string]string{"note": "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.ID != "run-1" || run.Status != pipeline.StatusSucceeded {
		t.Fatalf("unexpected run %+v", run)
	}
	if got := tr.seen[0].Get(stage.KeyDatasetPath); got != "/data/sales.csv" {
		t.Fatalf("train stage saw dataset %q", got)
	}
	if v, key := em.seen[0].Handoff(); v != "20250101T000000Z" || key != stage.KeyReportDirectory {
		t.Fatalf("email stage saw handoff %q under %q", v, key)
	}
	if em.seen[0].Get("note") != "x" || em.seen[0].RunID != "run-1" {
		t.Fatalf("initial conf or run id lost: %+v", em.seen[0])
	}
	for _, s := range run.Stages {
		if s.Status != pipeline.StatusSucceeded {
			t.Fatalf("stage %s status %s", s.Stage, s.Status)
		}
	}
	if rec.started != 1 || len(rec.stages) != 3 || rec.finished == nil || rec.finished.Status != pipeline.StatusSucceeded {
		t.Fatalf("recorder saw started=%d stages=%d finished=%v", rec.started, len(rec.stages), rec.finished)
	}
}

func TestRunFailFast(t *testing.T) {
	gen, tr, em := threeStages()
	cause := errors.New("rendering failed")
	tr.err = cause
	tr.out = ""

	run, err := pipeline.New(gen, tr, em).Run(context.Background(), nil)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != stage.NameTrain || !errors.Is(err, cause) {
		t.Fatalf("expected StageError for train wrapping cause, got %v", err)
	}
	if em.calls != 0 {
		t.Fatal("email stage invoked after train failure")
	}
	if run.Status != pipeline.StatusFailed || run.Error == "" {
		t.Fatalf("unexpected run status %s (%q)", run.Status, run.Error)
	}
	want := []pipeline.Status{pipeline.StatusSucceeded, pipeline.StatusFailed, pipeline.StatusNotAttempted}
	for i, s := range run.Stages {
		if s.Status != want[i] {
			t.Fatalf("stage %s = %s, want %s", s.Stage, s.Status, want[i])
		}
	}
	if res, ok := run.Stage(stage.NameTrain); !ok || res.Error != cause.Error() {
		t.Fatalf("train result %+v", res)
	}
}

func TestRunEmptyHandoffNotPropagated(t *testing.T) {
	gen, tr, em := threeStages()
	tr.out = ""
	if _, err := pipeline.New(gen, tr, em).Run(context.Background(), map[string]string{"report_dir": "manual"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v, key := em.seen[0].Handoff(); v != "manual" || key != "report_dir" {
		t.Fatalf("email saw %q under %q", v, key)
	}
}

func TestRunCanceledBetweenStages(t *testing.T) {
	gen, tr, em := threeStages()
	ctx, cancel := context.WithCancel(context.Background())
	gen.before = cancel

	run, err := pipeline.New(gen, tr, em).Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if gen.calls != 1 || tr.calls != 0 || em.calls != 0 {
		t.Fatalf("calls gen=%d train=%d email=%d", gen.calls, tr.calls, em.calls)
	}
	if run.Status != pipeline.StatusCanceled || run.Stages[1].Status != pipeline.StatusNotAttempted {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestRecorderErrorsDoNotFailRun(t *testing.T) {
	gen, tr, em := threeStages()
	c := pipeline.New(gen, tr, em)
	c.Recorder = &memRecorder{err: errors.New("db locked")}
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunWithoutStages(t *testing.T) {
	if _, err := pipeline.New().Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty pipeline")
	}
}
