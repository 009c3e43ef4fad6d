package stage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reportflow/internal/bundle"
	"reportflow/internal/dataset"
	"reportflow/internal/locator"
	"reportflow/internal/mail"
	"reportflow/internal/render"
	"reportflow/internal/stage"
	"reportflow/internal/train"
)

func TestTriggerHandoffPriority(t *testing.T) {
	cases := []struct {
		conf  map[string]string
		value string
		key   string
	}{
		{nil, "", ""},
		{map[string]string{"report_dir_xcom_from_dag2": "c"}, "c", "report_dir_xcom_from_dag2"},
		{map[string]string{"report_dir": "b", "report_dir_xcom_from_dag2": "c"}, "b", "report_dir"},
		{map[string]string{"reportDirectory": "a", "report_dir": "b"}, "a", "reportDirectory"},
		{map[string]string{"reportDirectory": "  ", "report_dir": "b"}, "b", "report_dir"},
	}
	for _, c := range cases {
		v, k := stage.Trigger{Conf: c.conf}.Handoff()
		if v != c.value || k != c.key {
			t.Errorf("Handoff(%v) = %q,%q want %q,%q", c.conf, v, k, c.value, c.key)
		}
	}
}

func TestTriggerWithCopies(t *testing.T) {
	orig := stage.Trigger{RunID: "r", Conf: map[string]string{"a": "1"}}
	next := orig.With("b", "2")
	if _, ok := orig.Conf["b"]; ok {
		t.Fatal("With mutated the original conf")
	}
	if next.RunID != "r" || next.Get("a") != "1" || next.Get("b") != "2" {
		t.Fatalf("unexpected trigger %+v", next)
	}
	if strings.Join(next.Keys(), ",") != "a,b" {
		t.Fatalf("keys = %v", next.Keys())
	}
}

func TestSubject(t *testing.T) {
	if got := stage.Subject("[ML]", "20250101T000000Z"); got != "[ML] Model Report - 20250101T000000Z" {
		t.Fatalf("subject = %q", got)
	}
	if got := stage.Subject("", "x"); got != "Model Report - x" {
		t.Fatalf("subject = %q", got)
	}
}

type pngStub struct{}

func (pngStub) Render(kind render.Kind, _ train.Result) ([]byte, error) {
	return []byte("img-" + string(kind)), nil
}

func generate(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "data", "sales.csv")
	g := stage.Generate{DataFile: path, Rows: 200, Seed: 42}
	out, err := g.Execute(context.Background(), stage.Trigger{RunID: "r1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != path {
		t.Fatalf("handoff = %s, want %s", out, path)
	}
	return path
}

func TestGenerateThenTrainProducesBundle(t *testing.T) {
	dir := t.TempDir()
	data := generate(t, dir)
	root := filepath.Join(dir, "reports")
	model := filepath.Join(dir, "models", "linear_regression.json")
	s := stage.Train{
		ModelFile: model,
		Trainer:   train.NewLinearRegression(0.2, 42),
		Builder:   bundle.Builder{Root: root, Renderer: pngStub{}},
	}
	id, err := s.Execute(context.Background(), stage.Trigger{RunID: "r1", Conf: map[string]string{stage.KeyDatasetPath: data}})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if _, err := bundle.Load(filepath.Join(root, id)); err != nil {
		t.Fatalf("handed-off bundle not loadable: %v", err)
	}
	if _, err := train.LoadModel(model); err != nil {
		t.Fatalf("model not persisted: %v", err)
	}
}

type shortBuilder struct{}

func (shortBuilder) Build(context.Context, bundle.TrainingOutput) (bundle.Bundle, error) {
	return bundle.Bundle{
		ID:           "20250101T000000Z",
		Metrics:      map[string]float64{"r2": 1},
		DocumentBody: "<html></html>",
		Images:       []bundle.Resource{{Name: "coefficients.png", Data: []byte{1}}},
	}, nil
}

type recordingPublisher struct{ calls int }

func (p *recordingPublisher) Publish(context.Context, bundle.Bundle) error {
	p.calls++
	return nil
}

func TestTrainRejectsIncompleteBundle(t *testing.T) {
	dir := t.TempDir()
	data := generate(t, dir)
	pub := &recordingPublisher{}
	s := stage.Train{DataFile: data, Trainer: train.NewLinearRegression(0.2, 42), Builder: shortBuilder{}, Publisher: pub}
	id, err := s.Execute(context.Background(), stage.Trigger{})
	if !errors.Is(err, bundle.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if id != "" {
		t.Fatalf("incomplete bundle handed off as %q", id)
	}
	if pub.calls != 0 {
		t.Fatal("incomplete bundle was published")
	}
}

func TestTrainMissingDataset(t *testing.T) {
	s := stage.Train{DataFile: filepath.Join(t.TempDir(), "nope.csv"), Trainer: train.NewLinearRegression(0.2, 1), Builder: shortBuilder{}}
	if _, err := s.Execute(context.Background(), stage.Trigger{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

type fakeSender struct {
	err  error
	sent []*mail.Message
	to   []string
}

func (f *fakeSender) Send(_ context.Context, m *mail.Message, _ mail.Credentials, to string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	f.to = append(f.to, to)
	return nil
}

func buildBundles(t *testing.T, root string, times ...time.Time) []string {
	t.Helper()
	res := train.Result{Metrics: train.Metrics{train.MetricR2: 0.5, train.MetricRMSE: 1, train.MetricMSE: 1}}
	var ids []string
	for _, ts := range times {
		b := bundle.Builder{Root: root, Renderer: pngStub{}, Now: func() time.Time { return ts }}
		out, err := b.Build(context.Background(), bundle.TrainingOutput{Result: res, Dataset: dataset.Generate(dataset.GenerateOptions{Rows: 30, Seed: 1})})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		ids = append(ids, out.ID)
	}
	return ids
}

func emailStage(root string, s mail.Sender) stage.Email {
	return stage.Email{
		ReportsRoot:   root,
		Sender:        s,
		To:            "to@example.com",
		From:          "from@example.com",
		SubjectPrefix: "[ML]",
	}
}

func TestEmailUsesHandoff(t *testing.T) {
	root := t.TempDir()
	ids := buildBundles(t, root,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	got, err := emailStage(root, sender).Execute(context.Background(),
		stage.Trigger{Conf: map[string]string{"report_dir_xcom_from_dag2": ids[0]}})
	if err != nil {
		t.Fatalf("email: %v", err)
	}
	if got != ids[0] {
		t.Fatalf("emailed %s, want %s", got, ids[0])
	}
	if len(sender.sent) != 1 || sender.sent[0].Subject != "[ML] Model Report - "+ids[0] || sender.to[0] != "to@example.com" {
		t.Fatalf("unexpected send %+v", sender.sent)
	}
	if len(sender.sent[0].Inline) != 3 || len(sender.sent[0].Attachments) != 2 {
		t.Fatalf("unexpected parts: %d inline, %d attachments", len(sender.sent[0].Inline), len(sender.sent[0].Attachments))
	}
	if strings.Contains(sender.sent[0].HTML, "{{cid:") {
		t.Fatalf("unresolved tokens in body: %s", sender.sent[0].HTML)
	}
}

func TestEmailFallsBackToNewest(t *testing.T) {
	root := t.TempDir()
	ids := buildBundles(t, root,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	for _, conf := range []map[string]string{nil, {stage.KeyReportDirectory: "20200101T000000Z"}} {
		sender := &fakeSender{}
		got, err := emailStage(root, sender).Execute(context.Background(), stage.Trigger{Conf: conf})
		if err != nil {
			t.Fatalf("email: %v", err)
		}
		if got != ids[1] {
			t.Fatalf("conf %v: emailed %s, want %s", conf, got, ids[1])
		}
	}
}

func TestEmailNotFound(t *testing.T) {
	sender := &fakeSender{}
	_, err := emailStage(t.TempDir(), sender).Execute(context.Background(), stage.Trigger{})
	if !errors.Is(err, locator.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("sent without a bundle")
	}
}

func TestEmailTransmissionFailure(t *testing.T) {
	root := t.TempDir()
	buildBundles(t, root, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	sender := &fakeSender{err: mail.ErrTransmission}
	if _, err := emailStage(root, sender).Execute(context.Background(), stage.Trigger{}); !errors.Is(err, mail.ErrTransmission) {
		t.Fatalf("expected ErrTransmission, got %v", err)
	}
}
