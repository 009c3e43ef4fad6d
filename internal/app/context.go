package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"reportflow/internal/config"
	"reportflow/internal/db"
	"reportflow/internal/engine"
	"reportflow/internal/migrate"
)

// Secrets come from the environment and override the config file.
type Secrets struct {
	SMTPPassword         string
	JWTSecret            string
	ObjectStoreSecretKey string
}

// ResolveConfig loads the workspace config (or configFile when set), applies
// secrets and anchors relative paths at the workspace. A workspace without a
// config file runs on defaults.
func ResolveConfig(workspace, configFile string, secrets Secrets) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.FromFile(configFile)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if secrets.SMTPPassword != "" {
		cfg.Email.SMTP.Password = secrets.SMTPPassword
	}
	if secrets.JWTSecret != "" {
		cfg.Server.JWTSecret = secrets.JWTSecret
	}
	if secrets.ObjectStoreSecretKey != "" {
		cfg.ObjectStore.SecretKey = secrets.ObjectStoreSecretKey
	}
	return cfg.Resolve(workspace), nil
}

// OpenDB opens and migrates the workspace run ledger.
func OpenDB(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	return conn, nil
}

// OpenEngine opens the ledger and builds an engine for cfg. The caller
// closes the returned DB.
func OpenEngine(workspace string, cfg *config.Config, logger *slog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := OpenDB(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	return e, conn, nil
}
