package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"reportflow/internal/app"
	"reportflow/internal/config"
	"reportflow/internal/domain"
	"reportflow/internal/engine"
	"reportflow/internal/logging"
	"reportflow/internal/repo"
	"reportflow/internal/server"
	"reportflow/internal/stage"
	"reportflow/internal/train"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "reportflow CLI",
	Long: `reportflow runs a three-stage reporting pipeline:
- generate: writes a synthetic sales dataset (handoff: datasetPath).
- train_and_report: fits a linear regression and writes a timestamped report bundle under the reports root (handoff: reportDirectory).
- email: picks the handed-off bundle, or the newest one, and mails it with inline charts and attachments.
Every run is recorded in the workspace ledger (.reportflow/reportflow.db); view it with 'rf runs' and 'rf log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPORTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/"+config.FileName+")")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override ("+strings.Join(logging.ValidLevels(), ", ")+")")
	rootCmd.PersistentFlags().String("log-format", "", "log format override (json, text)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(bundlesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := parseConf(pairs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, runErr := e.TriggerRun(ctx, conf)
				if run.ID == "" {
					return runErr
				}
				if err := printRun(run); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "conf", nil, "trigger configuration key=value (repeatable)")
	return cmd
}

func stageCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:       "stage <name>",
		Short:     "Run a single stage",
		Long:      "Runs one stage as a manual trigger would. Pass the handoff with --conf, e.g. rf stage email --conf reportDirectory=20240101T120000Z; without it the email stage sends the newest bundle.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: engine.StageNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := parseConf(pairs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, runErr := e.TriggerStage(ctx, args[0], conf)
				if run.ID == "" {
					return runErr
				}
				if err := printRun(run); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "conf", nil, "trigger configuration key=value (repeatable)")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Started", "Finished", "Error"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Status, run.StartedAt, stringOrEmpty(run.FinishedAt), run.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with its stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
}

func bundlesCmd() *cobra.Command {
	b := &cobra.Command{Use: "bundles", Short: "Inspect report bundles"}
	b.AddCommand(bundlesListCmd())
	b.AddCommand(bundlesLatestCmd())
	return b
}

func bundlesListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bundles under the reports root, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngineConfig()
			if err != nil {
				return err
			}
			items, err := e.ListBundles(limit)
			if err != nil {
				return err
			}
			return printBundles(items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max bundles")
	return cmd
}

func bundlesLatestCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Resolve the bundle the email stage would send",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngineConfig()
			if err != nil {
				return err
			}
			s, err := e.ResolveBundle(id)
			if err != nil {
				return err
			}
			return printBundles([]domain.BundleSummary{s})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "explicit bundle id; falls back to the newest when missing")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Stage", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RunID, evt.Stage, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config lives in " + config.FileName + " at the workspace root. Secrets come from REPORTFLOW_SMTP_PASSWORD, REPORTFLOW_JWT_SECRET and REPORTFLOW_OBJECTSTORE_SECRET_KEY.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config without secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				var m map[string]any
				if err := yaml.Unmarshal(out, &m); err != nil {
					return err
				}
				return printJSON(m)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	var delivery bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err == nil && delivery {
				err = cfg.ValidateDelivery()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().BoolVar(&delivery, "delivery", false, "also check the email settings")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: e.Config.Server.JWTSecret},
					Logger:   e.Logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, e.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving reportflow API", "addr", addr, "base_path", basePath, "auth", e.Config.Server.JWTSecret != "")
				fmt.Printf("Serving reportflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"), app.Secrets{
		SMTPPassword:         viper.GetString("smtp_password"),
		JWTSecret:            viper.GetString("jwt_secret"),
		ObjectStoreSecretKey: viper.GetString("objectstore_secret_key"),
	})
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
}

// loadEngineConfig returns an engine without a ledger for commands that only
// read the reports root.
func loadEngineConfig() (engine.Engine, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return engine.Engine{}, err
	}
	e := engine.New(nil, cfg)
	e.Logger = newLogger(cfg)
	return e, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	e, conn, err := app.OpenEngine(viper.GetString("workspace"), cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenDB(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func parseConf(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	conf := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --conf %q, want key=value", p)
		}
		conf[k] = v
	}
	return conf, nil
}

func printRun(run domain.Run) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	if len(run.Conf) > 0 {
		keys := make([]string, 0, len(run.Conf))
		for k := range run.Conf {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  conf %s=%s\n", k, run.Conf[k])
		}
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Stage", "Status", "Handoff", "Error"})
	for _, s := range run.Stages {
		tw.AppendRow(table.Row{s.Position, s.Stage, s.Status, s.Handoff, s.Error})
	}
	tw.Render()
	if id := bundleHandoff(run); id != "" {
		fmt.Println("bundle:", id)
	}
	return nil
}

func bundleHandoff(run domain.Run) string {
	for _, s := range run.Stages {
		if s.Stage == stage.NameTrain && s.Handoff != "" {
			return s.Handoff
		}
	}
	return ""
}

func printBundles(items []domain.BundleSummary) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "R2", "RMSE", "Images", "Fallback", "Error"})
	for _, b := range items {
		r2, rmse := "", ""
		if v, ok := b.Metrics[train.MetricR2]; ok {
			r2 = fmt.Sprintf("%.4f", v)
		}
		if v, ok := b.Metrics[train.MetricRMSE]; ok {
			rmse = fmt.Sprintf("%.4f", v)
		}
		tw.AppendRow(table.Row{b.ID, r2, rmse, len(b.Images), b.Fallback, b.Error})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
