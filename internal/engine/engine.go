package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"reportflow/internal/bundle"
	"reportflow/internal/config"
	"reportflow/internal/domain"
	"reportflow/internal/events"
	"reportflow/internal/locator"
	"reportflow/internal/logging"
	"reportflow/internal/mail"
	"reportflow/internal/objectstore"
	"reportflow/internal/pipeline"
	"reportflow/internal/render"
	"reportflow/internal/repo"
	"reportflow/internal/stage"
	"reportflow/internal/train"
)

// Engine wires configuration, the run ledger and the pipeline stages.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time

	// Optional collaborators; defaults are built from Config.
	Renderer    render.Renderer
	Sender      mail.Sender
	Publisher   stage.Publisher
	Credentials mail.Credentials
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger { return logging.OrDiscard(e.Logger) }

// ErrUnknownStage is returned for stage names outside StageNames.
var ErrUnknownStage = errors.New("unknown stage")

// StageNames lists the pipeline stages in execution order.
var StageNames = []string{stage.NameGenerate, stage.NameTrain, stage.NameEmail}

// Stage builds the named stage from configuration.
func (e Engine) Stage(ctx context.Context, name string) (stage.Runner, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	cfg := e.Config
	switch name {
	case stage.NameGenerate:
		return stage.Generate{
			DataFile: cfg.Paths.DataFile,
			Rows:     cfg.Dataset.Rows,
			Seed:     cfg.Dataset.Seed,
			Logger:   e.logger(),
		}, nil
	case stage.NameTrain:
		renderer := e.Renderer
		if renderer == nil {
			renderer = render.NewPNGRenderer()
		}
		publisher := e.Publisher
		if publisher == nil && cfg.ObjectStore.Enabled {
			p, err := e.objectPublisher(ctx)
			if err != nil {
				return nil, err
			}
			publisher = p
		}
		return stage.Train{
			DataFile:  cfg.Paths.DataFile,
			ModelFile: cfg.Paths.ModelFile,
			Trainer:   train.NewLinearRegression(cfg.Training.TestSize, cfg.Training.RandomState),
			Builder: bundle.Builder{
				Root:     cfg.Paths.ReportsRoot,
				Renderer: renderer,
				HeadRows: cfg.Training.HeadRows,
				Now:      e.Now,
				Logger:   e.logger(),
			},
			Publisher: publisher,
			Now:       e.Now,
			Logger:    e.logger(),
		}, nil
	case stage.NameEmail:
		if err := cfg.ValidateDelivery(); err != nil {
			return nil, err
		}
		sender := e.Sender
		if sender == nil {
			sender = mail.SMTPSender{
				Host:    cfg.Email.SMTP.Host,
				Port:    cfg.Email.SMTP.Port,
				TLS:     cfg.Email.SMTP.TLS,
				Timeout: time.Duration(cfg.Email.SMTP.TimeoutSeconds) * time.Second,
			}
		}
		creds := e.Credentials
		if creds.Username == "" {
			creds = mail.Credentials{Username: cfg.Email.SMTP.Username, Password: cfg.Email.SMTP.Password}
		}
		return stage.Email{
			ReportsRoot:   cfg.Paths.ReportsRoot,
			Assembler:     mail.Assembler{Now: e.Now},
			Sender:        sender,
			Credentials:   creds,
			To:            cfg.Email.To,
			From:          cfg.Email.From,
			SubjectPrefix: cfg.Email.SubjectPrefix,
			Logger:        e.logger(),
		}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownStage, name)
}

func (e Engine) objectPublisher(ctx context.Context) (stage.Publisher, error) {
	oc := e.Config.ObjectStore
	scfg := objectstore.Config{
		Endpoint:  oc.Endpoint,
		AccessKey: oc.AccessKey,
		SecretKey: oc.SecretKey,
		Region:    oc.Region,
		UseSSL:    oc.UseSSL,
		Bucket:    oc.Bucket,
		Prefix:    oc.Prefix,
	}
	store, err := objectstore.NewMinioStore(scfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if err := objectstore.EnsureBucket(ctx, store.Client(), scfg); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	return objectstore.Publisher{Store: store, Bucket: scfg.Bucket, Prefix: scfg.Prefix, Logger: e.logger()}, nil
}

func (e Engine) coordinator(stages ...stage.Runner) pipeline.Coordinator {
	c := pipeline.New(stages...)
	c.Recorder = ledger{e: e}
	c.Logger = e.logger()
	c.Now = e.Now
	return c
}

// TriggerRun executes the full pipeline and returns the recorded run. A
// failed stage is reported both in the run and as the returned error.
func (e Engine) TriggerRun(ctx context.Context, conf map[string]string) (domain.Run, error) {
	var stages []stage.Runner
	for _, name := range StageNames {
		s, err := e.Stage(ctx, name)
		if err != nil {
			return domain.Run{}, fmt.Errorf("stage %s: %w", name, err)
		}
		stages = append(stages, s)
	}
	return e.execute(ctx, e.coordinator(stages...), conf)
}

// TriggerStage runs one stage on its own, as a manual trigger would. The
// email stage then relies on conf for its handoff or falls back to the
// newest bundle.
func (e Engine) TriggerStage(ctx context.Context, name string, conf map[string]string) (domain.Run, error) {
	s, err := e.Stage(ctx, name)
	if err != nil {
		return domain.Run{}, err
	}
	return e.execute(ctx, e.coordinator(s), conf)
}

func (e Engine) execute(ctx context.Context, c pipeline.Coordinator, conf map[string]string) (domain.Run, error) {
	run, runErr := c.Run(ctx, conf)
	if run.ID == "" {
		return domain.Run{}, runErr
	}
	stored, err := e.Repo.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		e.logger().Warn("run not found in ledger", "run_id", run.ID, "err", err)
		stored = toDomainRun(run)
	}
	return stored, runErr
}

// ResolveBundle summarizes the bundle the email stage would pick for id.
func (e Engine) ResolveBundle(id string) (domain.BundleSummary, error) {
	if e.Config == nil {
		return domain.BundleSummary{}, errors.New("config not loaded")
	}
	ref, err := locator.Resolve(id, e.Config.Paths.ReportsRoot)
	if err != nil {
		return domain.BundleSummary{}, err
	}
	s := summarize(ref.Dir)
	s.Fallback = ref.Fallback
	return s, nil
}

// ListBundles returns up to limit bundles, newest first.
func (e Engine) ListBundles(limit int) ([]domain.BundleSummary, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	root := e.Config.Paths.ReportsRoot
	ids, err := locator.List(root)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.BundleSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, summarize(filepath.Join(root, id)))
	}
	return out, nil
}

func summarize(dir string) domain.BundleSummary {
	s := domain.BundleSummary{ID: filepath.Base(dir), Dir: dir}
	b, err := bundle.Load(dir)
	if err != nil {
		s.Error = err.Error()
		return s
	}
	s.Metrics = b.Metrics
	for _, img := range b.Images {
		s.Images = append(s.Images, img.Name)
	}
	return s
}

func formatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func toDomainRun(run pipeline.Run) domain.Run {
	out := domain.Run{
		ID:         run.ID,
		Status:     string(run.Status),
		Conf:       run.Conf,
		Error:      run.Error,
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt: formatTime(run.FinishedAt),
	}
	for i, s := range run.Stages {
		out.Stages = append(out.Stages, toDomainStage(run.ID, i, s))
	}
	return out
}

func toDomainStage(runID string, position int, s pipeline.StageResult) domain.StageResult {
	return domain.StageResult{
		RunID:      runID,
		Position:   position,
		Stage:      s.Stage,
		Status:     string(s.Status),
		Handoff:    s.Handoff,
		Error:      s.Error,
		StartedAt:  formatTime(s.StartedAt),
		FinishedAt: formatTime(s.FinishedAt),
	}
}
