package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reportflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dataset.Rows != 1000 || cfg.Dataset.Seed != 42 || cfg.Training.TestSize != 0.2 || cfg.Training.HeadRows != 20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Email.SMTP.Port != 465 || cfg.Email.SMTP.TLS != "implicit" {
		t.Fatalf("unexpected smtp defaults %+v", cfg.Email.SMTP)
	}
	if _, err := config.FromYAML([]byte(config.GenerateDefault())); err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("email:\n  to: ops@example.com\n  from: bot@example.com\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Email.To != "ops@example.com" || cfg.Paths.ReportsRoot != "reports" || cfg.Email.SubjectPrefix != "[ML]" {
		t.Fatalf("overlay failed: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"test size":   "training:\n  test_size: 1.5\n",
		"tls mode":    "email:\n  smtp:\n    tls: ssl\n",
		"address":     "email:\n  to: not an address\n",
		"log format":  "logging:\n  format: xml\n",
		"base path":   "server:\n  base_path: v0\n",
		"objectstore": "objectstore:\n  enabled: true\n  endpoint: http://minio:9000\n",
		"webhook":     "webhooks:\n  - events: [run.finished]\n",
		"yaml":        "paths: [",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateDelivery(t *testing.T) {
	cfg := config.Default()
	if err := cfg.ValidateDelivery(); err == nil {
		t.Fatal("expected error without recipients")
	}
	cfg.Email.To = "ops@example.com"
	cfg.Email.From = "bot@example.com"
	if err := cfg.ValidateDelivery(); err != nil {
		t.Fatalf("delivery: %v", err)
	}
}

func TestLoadAndResolve(t *testing.T) {
	ws := t.TempDir()
	if _, err := config.Load(ws); err == nil || !strings.Contains(err.Error(), "rf config init") {
		t.Fatalf("expected not-found hint, got %v", err)
	}
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Paths.DataFile != "data/sales.csv" {
		t.Fatalf("optional config not defaulted: %+v", cfg.Paths)
	}

	if err := os.WriteFile(config.Path(ws), []byte("paths:\n  reports_root: /srv/reports\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(ws)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	resolved := cfg.Resolve(ws)
	if resolved.Paths.ReportsRoot != "/srv/reports" {
		t.Fatalf("absolute path rewritten: %s", resolved.Paths.ReportsRoot)
	}
	if resolved.Paths.DataFile != filepath.Join(ws, "data", "sales.csv") {
		t.Fatalf("relative path not anchored: %s", resolved.Paths.DataFile)
	}
	if cfg.Paths.DataFile != "data/sales.csv" {
		t.Fatal("Resolve mutated the receiver")
	}
}

func TestMarshalStripsSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Email.SMTP.Password = "hunter2"
	cfg.Server.JWTSecret = "jwt"
	cfg.ObjectStore.SecretKey = "minio"
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://hook", Secret: "shh"}}
	out, err := config.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, secret := range []string{"hunter2", "jwt_secret", "minio\n", "shh"} {
		if strings.Contains(string(out), secret) {
			t.Fatalf("marshaled config leaks %q:\n%s", secret, out)
		}
	}
	if cfg.Webhooks[0].Secret != "shh" {
		t.Fatal("Marshal mutated the receiver")
	}
}
