package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
)

// Column names of the generated sales dataset.
const (
	TargetColumn  = "sales"
	ChannelColumn = "channel"
)

// Table is an in-memory CSV table with a header row.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Column returns the index of name.
func (t *Table) Column(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Head returns a table holding the first n rows.
func (t *Table) Head(n int) *Table {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	if n < 0 {
		n = 0
	}
	return &Table{Columns: t.Columns, Rows: t.Rows[:n]}
}

// WriteCSV writes the header and rows.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// ReadCSV parses a CSV stream whose first record is the header.
func ReadCSV(r io.Reader) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("csv has no header")
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}

// ReadFile loads a CSV table from path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// WriteFile writes t to path through a temp file and rename so readers never
// observe a half-written dataset.
func WriteFile(path string, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := t.WriteCSV(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write dataset: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// GenerateOptions controls synthetic dataset generation.
type GenerateOptions struct {
	Rows int
	Seed int64
}

var (
	trueCoefficients = []float64{2.5, -1.2, 0.7, 0.0, 3.2, -2.2, 1.0, 0.5, -0.8}
	channels         = []string{"search", "social", "display"}
)

const (
	trueIntercept = 10.0
	maxColumns    = 10
)

// Generate builds the synthetic sales dataset: nine N(0,1) features drive a
// linear target with unit noise, a categorical channel column is added, and
// the last feature is dropped so the table keeps ten columns.
func Generate(opts GenerateOptions) *Table {
	if opts.Rows <= 0 {
		opts.Rows = 1000
	}
	seed := uint64(opts.Seed)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	features := len(trueCoefficients)
	x := make([][]float64, opts.Rows)
	for i := range x {
		x[i] = make([]float64, features)
		for j := range x[i] {
			x[i][j] = rng.NormFloat64()
		}
	}
	y := make([]float64, opts.Rows)
	for i := range y {
		v := trueIntercept + rng.NormFloat64()
		for j, c := range trueCoefficients {
			v += x[i][j] * c
		}
		y[i] = v
	}
	channel := make([]string, opts.Rows)
	for i := range channel {
		channel[i] = channels[rng.IntN(len(channels))]
	}

	keep := features
	if features+2 > maxColumns {
		keep = maxColumns - 2
	}
	cols := make([]string, 0, keep+2)
	for j := 0; j < keep; j++ {
		cols = append(cols, fmt.Sprintf("X%d", j+1))
	}
	cols = append(cols, ChannelColumn, TargetColumn)

	rows := make([][]string, opts.Rows)
	for i := range rows {
		row := make([]string, 0, len(cols))
		for j := 0; j < keep; j++ {
			row = append(row, formatFloat(x[i][j]))
		}
		row = append(row, channel[i], formatFloat(y[i]))
		rows[i] = row
	}
	return &Table{Columns: cols, Rows: rows}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
