package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reportflow/internal/bundle"
	"reportflow/internal/dataset"
	"reportflow/internal/logging"
	"reportflow/internal/train"
)

// Publisher mirrors a finished bundle somewhere else.
type Publisher interface {
	Publish(ctx context.Context, b bundle.Bundle) error
}

// BundleBuilder packages training output into a complete bundle.
type BundleBuilder interface {
	Build(ctx context.Context, out bundle.TrainingOutput) (bundle.Bundle, error)
}

// Train fits the model, persists it and builds the report bundle. Its
// handoff is the bundle id.
type Train struct {
	DataFile  string
	ModelFile string
	Trainer   train.Trainer
	Builder   BundleBuilder
	// Publisher is optional.
	Publisher Publisher
	Now       func() time.Time
	Logger    *slog.Logger
}

func (s Train) Name() string      { return NameTrain }
func (s Train) OutputKey() string { return KeyReportDirectory }

func (s Train) Execute(ctx context.Context, trig Trigger) (string, error) {
	if s.Trainer == nil || s.Builder == nil {
		return "", errors.New("trainer and bundle builder are required")
	}
	logger := logging.OrDiscard(s.Logger).With("run_id", trig.RunID, "stage", NameTrain)

	path := trig.Get(KeyDatasetPath)
	if path == "" {
		path = s.DataFile
	}
	if path == "" {
		return "", errors.New("no dataset path configured")
	}
	data, err := dataset.ReadFile(path)
	if err != nil {
		return "", err
	}

	res, err := s.Trainer.Train(ctx, data)
	if err != nil {
		return "", fmt.Errorf("train: %w", err)
	}
	logger.Info("model trained",
		"rows", data.Len(),
		"r2", res.Metrics[train.MetricR2],
		"rmse", res.Metrics[train.MetricRMSE])

	if s.ModelFile != "" {
		now := time.Now()
		if s.Now != nil {
			now = s.Now()
		}
		if err := train.SaveModel(s.ModelFile, train.ModelFromResult(res, now)); err != nil {
			return "", fmt.Errorf("save model: %w", err)
		}
	}

	b, err := s.Builder.Build(ctx, bundle.TrainingOutput{Result: res, Dataset: data})
	if err != nil {
		return "", fmt.Errorf("build bundle: %w", err)
	}
	// A handed-off bundle must be complete, whatever built it.
	if err := b.Validate(); err != nil {
		return "", err
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(ctx, b); err != nil {
			return "", fmt.Errorf("publish bundle %s: %w", b.ID, err)
		}
	}
	logger.Info("report bundle ready", "bundle_id", b.ID, "dir", b.Dir)
	return b.ID, nil
}
