package stage

import (
	"context"
	"errors"
	"log/slog"

	"reportflow/internal/dataset"
	"reportflow/internal/logging"
)

// Generate writes the synthetic sales dataset.
type Generate struct {
	DataFile string
	Rows     int
	Seed     int64
	Logger   *slog.Logger
}

func (g Generate) Name() string      { return NameGenerate }
func (g Generate) OutputKey() string { return KeyDatasetPath }

func (g Generate) Execute(ctx context.Context, trig Trigger) (string, error) {
	if g.DataFile == "" {
		return "", errors.New("data file is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tbl := dataset.Generate(dataset.GenerateOptions{Rows: g.Rows, Seed: g.Seed})
	if err := dataset.WriteFile(g.DataFile, tbl); err != nil {
		return "", err
	}
	logging.OrDiscard(g.Logger).Info("dataset generated",
		"run_id", trig.RunID, "path", g.DataFile, "rows", tbl.Len(), "columns", len(tbl.Columns))
	return g.DataFile, nil
}
