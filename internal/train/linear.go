package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"reportflow/internal/dataset"
)

// LinearRegression fits ordinary least squares with an intercept on a
// shuffled train/test split. Categorical columns are one-hot encoded with the
// first (sorted) category dropped.
type LinearRegression struct {
	Target      string
	Categorical []string
	TestSize    float64
	Seed        int64
}

// NewLinearRegression returns the trainer used for the sales dataset.
func NewLinearRegression(testSize float64, seed int64) LinearRegression {
	return LinearRegression{
		Target:      dataset.TargetColumn,
		Categorical: []string{dataset.ChannelColumn},
		TestSize:    testSize,
		Seed:        seed,
	}
}

func (lr LinearRegression) Train(ctx context.Context, data *dataset.Table) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if data.Len() == 0 {
		return Result{}, ErrEmptyDataset
	}
	x, y, names, err := lr.prepare(data)
	if err != nil {
		return Result{}, err
	}
	trainIdx, testIdx := lr.split(len(y))
	if len(trainIdx) <= len(names) {
		return Result{}, fmt.Errorf("need more than %d training rows, have %d", len(names), len(trainIdx))
	}

	beta, err := fitOLS(pick(x, trainIdx), pickVec(y, trainIdx))
	if err != nil {
		return Result{}, err
	}
	intercept, weights := beta[0], beta[1:]

	actual := pickVec(y, testIdx)
	predicted := make([]float64, len(testIdx))
	for i, row := range pick(x, testIdx) {
		predicted[i] = predict(intercept, weights, row)
	}
	coef, err := NewCoefficients(names, weights)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Metrics:      score(actual, predicted),
		Coefficients: coef,
		Intercept:    intercept,
		Actual:       actual,
		Predicted:    predicted,
	}, nil
}

func (lr LinearRegression) prepare(data *dataset.Table) ([][]float64, []float64, []string, error) {
	target, ok := data.Column(lr.Target)
	if !ok {
		return nil, nil, nil, fmt.Errorf("target column %q missing", lr.Target)
	}
	categorical := make(map[string]bool, len(lr.Categorical))
	for _, c := range lr.Categorical {
		categorical[c] = true
	}

	type encoder struct {
		col    int
		levels []string
	}
	var numeric []int
	var encoders []encoder
	var names []string
	for i, col := range data.Columns {
		if i == target {
			continue
		}
		if categorical[col] {
			levels := distinct(data, i)
			if len(levels) > 1 {
				encoders = append(encoders, encoder{col: i, levels: levels[1:]})
			}
			continue
		}
		numeric = append(numeric, i)
		names = append(names, col)
	}
	for _, enc := range encoders {
		for _, lvl := range enc.levels {
			names = append(names, data.Columns[enc.col]+"_"+lvl)
		}
	}

	x := make([][]float64, data.Len())
	y := make([]float64, data.Len())
	for r, row := range data.Rows {
		if len(row) != len(data.Columns) {
			return nil, nil, nil, fmt.Errorf("row %d has %d fields, want %d", r+1, len(row), len(data.Columns))
		}
		v, err := strconv.ParseFloat(row[target], 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("row %d target: %w", r+1, err)
		}
		y[r] = v
		feat := make([]float64, 0, len(names))
		for _, c := range numeric {
			f, err := strconv.ParseFloat(row[c], 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("row %d column %s: %w", r+1, data.Columns[c], err)
			}
			feat = append(feat, f)
		}
		for _, enc := range encoders {
			for _, lvl := range enc.levels {
				if row[enc.col] == lvl {
					feat = append(feat, 1)
				} else {
					feat = append(feat, 0)
				}
			}
		}
		x[r] = feat
	}
	return x, y, names, nil
}

func (lr LinearRegression) split(n int) (train, test []int) {
	size := lr.TestSize
	if size <= 0 || size >= 1 {
		size = 0.2
	}
	seed := uint64(lr.Seed)
	rng := rand.New(rand.NewPCG(seed, seed+1))
	perm := rng.Perm(n)
	nTest := int(math.Ceil(float64(n) * size))
	if nTest >= n {
		nTest = n - 1
	}
	return perm[nTest:], perm[:nTest]
}

func distinct(data *dataset.Table, col int) []string {
	seen := map[string]struct{}{}
	for _, row := range data.Rows {
		if col < len(row) {
			seen[row[col]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// fitOLS solves the normal equations (X'X)b = X'y with a leading intercept term.
func fitOLS(x [][]float64, y []float64) ([]float64, error) {
	p := len(x[0]) + 1
	a := make([][]float64, p)
	for i := range a {
		a[i] = make([]float64, p+1)
	}
	row := make([]float64, p)
	for r, feat := range x {
		row[0] = 1
		copy(row[1:], feat)
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				a[i][j] += row[i] * row[j]
			}
			a[i][p] += row[i] * y[r]
		}
	}
	return solve(a)
}

// solve runs Gauss-Jordan elimination with partial pivoting on an augmented matrix.
func solve(a [][]float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("design matrix is singular")
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c <= n; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = a[i][n] / a[i][i]
	}
	return out, nil
}

func predict(intercept float64, weights, row []float64) float64 {
	v := intercept
	for i, w := range weights {
		v += w * row[i]
	}
	return v
}

func score(actual, predicted []float64) Metrics {
	n := float64(len(actual))
	var mean float64
	for _, v := range actual {
		mean += v
	}
	mean /= n
	var ssRes, ssTot float64
	for i, v := range actual {
		d := v - predicted[i]
		ssRes += d * d
		m := v - mean
		ssTot += m * m
	}
	mse := ssRes / n
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return Metrics{MetricR2: r2, MetricRMSE: math.Sqrt(mse), MetricMSE: mse}
}

func pick(x [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func pickVec(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}
	return out
}

// Model is the persisted form of a fitted linear model.
type Model struct {
	FeatureNames []string           `json:"feature_names"`
	Coefficients []float64          `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
	Metrics      map[string]float64 `json:"metrics"`
	TrainedAt    string             `json:"trained_at"`
}

// ModelFromResult captures a training result for persistence.
func ModelFromResult(res Result, now time.Time) Model {
	return Model{
		FeatureNames: res.Coefficients.Names(),
		Coefficients: res.Coefficients.Values(),
		Intercept:    res.Intercept,
		Metrics:      res.Metrics,
		TrainedAt:    now.UTC().Format(time.RFC3339),
	}
}

// SaveModel writes m as JSON to path, replacing any previous model.
func SaveModel(path string, m Model) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (Model, error) {
	var m Model
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode model: %w", err)
	}
	return m, nil
}
