package train

import (
	"context"
	"errors"
	"fmt"

	"reportflow/internal/dataset"
)

// Metric keys written into every report bundle.
const (
	MetricR2   = "r2"
	MetricRMSE = "rmse"
	MetricMSE  = "mse"
)

// Metrics maps metric name to value.
type Metrics map[string]float64

// Coefficients pairs feature names with fitted weights. The two sequences
// always have the same length.
type Coefficients struct {
	names  []string
	values []float64
}

// NewCoefficients copies names and values, rejecting mismatched lengths.
func NewCoefficients(names []string, values []float64) (Coefficients, error) {
	if len(names) != len(values) {
		return Coefficients{}, fmt.Errorf("coefficients: %d names for %d values", len(names), len(values))
	}
	c := Coefficients{
		names:  append([]string(nil), names...),
		values: append([]float64(nil), values...),
	}
	return c, nil
}

func (c Coefficients) Len() int { return len(c.values) }

// At returns the i-th feature name and weight.
func (c Coefficients) At(i int) (string, float64) { return c.names[i], c.values[i] }

func (c Coefficients) Names() []string { return append([]string(nil), c.names...) }

func (c Coefficients) Values() []float64 { return append([]float64(nil), c.values...) }

// Result is what a Trainer hands to the report builder.
type Result struct {
	Metrics      Metrics
	Coefficients Coefficients
	Intercept    float64
	// Actual and Predicted hold the held-out target values and predictions.
	Actual    []float64
	Predicted []float64
}

// Residuals returns actual minus predicted for each held-out row.
func (r Result) Residuals() []float64 {
	n := len(r.Actual)
	if len(r.Predicted) < n {
		n = len(r.Predicted)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = r.Actual[i] - r.Predicted[i]
	}
	return out
}

// Trainer fits a model on a dataset.
type Trainer interface {
	Train(ctx context.Context, data *dataset.Table) (Result, error)
}

// ErrEmptyDataset is returned when there is nothing to fit.
var ErrEmptyDataset = errors.New("dataset has no rows")
