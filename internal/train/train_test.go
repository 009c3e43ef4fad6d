package train_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"reportflow/internal/dataset"
	"reportflow/internal/train"
)

func TestNewCoefficientsRejectsLengthMismatch(t *testing.T) {
	if _, err := train.NewCoefficients([]string{"a", "b"}, []float64{1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
	c, err := train.NewCoefficients([]string{"a"}, []float64{2})
	if err != nil {
		t.Fatalf("new coefficients: %v", err)
	}
	name, v := c.At(0)
	if name != "a" || v != 2 || c.Len() != 1 {
		t.Fatalf("unexpected coefficient %s=%v len=%d", name, v, c.Len())
	}
}

func TestCoefficientsCopiesInput(t *testing.T) {
	names := []string{"a"}
	values := []float64{1}
	c, _ := train.NewCoefficients(names, values)
	names[0] = "mutated"
	values[0] = 99
	if n, v := c.At(0); n != "a" || v != 1 {
		t.Fatalf("coefficients aliased caller slices: %s=%v", n, v)
	}
}

func TestLinearRegressionRecoversKnownModel(t *testing.T) {
	tbl := &dataset.Table{Columns: []string{"x1", "x2", "channel", "sales"}}
	for i := 0; i < 200; i++ {
		x1 := float64(i%17) - 8
		x2 := float64((i*7)%13) - 6
		ch := []string{"a", "b", "c"}[i%3]
		y := 3 + 2*x1 - 0.5*x2
		if ch == "b" {
			y += 1.5
		}
		if ch == "c" {
			y -= 4
		}
		tbl.Rows = append(tbl.Rows, []string{ftoa(x1), ftoa(x2), ch, ftoa(y)})
	}
	lr := train.LinearRegression{Target: "sales", Categorical: []string{"channel"}, TestSize: 0.2, Seed: 42}
	res, err := lr.Train(context.Background(), tbl)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	want := map[string]float64{"x1": 2, "x2": -0.5, "channel_b": 1.5, "channel_c": -4}
	if res.Coefficients.Len() != len(want) {
		t.Fatalf("got %d coefficients: %v", res.Coefficients.Len(), res.Coefficients.Names())
	}
	for i := 0; i < res.Coefficients.Len(); i++ {
		name, v := res.Coefficients.At(i)
		if math.Abs(v-want[name]) > 1e-6 {
			t.Errorf("%s = %v, want %v", name, v, want[name])
		}
	}
	if math.Abs(res.Intercept-3) > 1e-6 {
		t.Errorf("intercept = %v, want 3", res.Intercept)
	}
	if len(res.Actual) != 40 || len(res.Predicted) != 40 {
		t.Fatalf("expected 40 held-out rows, got %d/%d", len(res.Actual), len(res.Predicted))
	}
	if r2 := res.Metrics[train.MetricR2]; math.Abs(r2-1) > 1e-9 {
		t.Errorf("r2 = %v, want 1", r2)
	}
	if rmse := res.Metrics[train.MetricRMSE]; rmse > 1e-6 {
		t.Errorf("rmse = %v, want ~0", rmse)
	}
}

func TestLinearRegressionOnGeneratedData(t *testing.T) {
	tbl := dataset.Generate(dataset.GenerateOptions{Rows: 1000, Seed: 42})
	res, err := train.NewLinearRegression(0.2, 42).Train(context.Background(), tbl)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	for _, key := range []string{train.MetricR2, train.MetricRMSE, train.MetricMSE} {
		if _, ok := res.Metrics[key]; !ok {
			t.Fatalf("metric %s missing", key)
		}
	}
	if res.Metrics[train.MetricR2] < 0.8 {
		t.Fatalf("r2 unexpectedly low: %v", res.Metrics[train.MetricR2])
	}
	if got := math.Sqrt(res.Metrics[train.MetricMSE]); math.Abs(got-res.Metrics[train.MetricRMSE]) > 1e-12 {
		t.Fatalf("rmse %v != sqrt(mse) %v", res.Metrics[train.MetricRMSE], got)
	}
	if len(res.Residuals()) != len(res.Actual) {
		t.Fatal("residual count mismatch")
	}
}

func TestLinearRegressionErrors(t *testing.T) {
	lr := train.NewLinearRegression(0.2, 1)
	if _, err := lr.Train(context.Background(), &dataset.Table{Columns: []string{"sales"}}); !errors.Is(err, train.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
	bad := &dataset.Table{Columns: []string{"x"}, Rows: [][]string{{"1"}}}
	if _, err := lr.Train(context.Background(), bad); err == nil {
		t.Fatal("expected missing target error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lr.Train(ctx, dataset.Generate(dataset.GenerateOptions{Rows: 10, Seed: 1})); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSaveLoadModel(t *testing.T) {
	coef, _ := train.NewCoefficients([]string{"x1"}, []float64{1.25})
	res := train.Result{Coefficients: coef, Intercept: 3, Metrics: train.Metrics{train.MetricR2: 0.9}}
	path := filepath.Join(t.TempDir(), "models", "linear_regression.json")
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := train.SaveModel(path, train.ModelFromResult(res, now)); err != nil {
		t.Fatalf("save: %v", err)
	}
	m, err := train.LoadModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Intercept != 3 || m.FeatureNames[0] != "x1" || m.Coefficients[0] != 1.25 || m.TrainedAt != "2025-01-02T03:04:05Z" {
		t.Fatalf("unexpected model: %+v", m)
	}
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
