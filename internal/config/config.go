package config

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "reportflow.yml"

// Config models reportflow.yml.
type Config struct {
	Paths struct {
		DataFile    string `yaml:"data_file"`
		ModelFile   string `yaml:"model_file"`
		ReportsRoot string `yaml:"reports_root"`
	} `yaml:"paths"`
	Dataset struct {
		Rows int   `yaml:"rows"`
		Seed int64 `yaml:"seed"`
	} `yaml:"dataset"`
	Training struct {
		TestSize    float64 `yaml:"test_size"`
		RandomState int64   `yaml:"random_state"`
		HeadRows    int     `yaml:"head_rows"`
	} `yaml:"training"`
	Email       EmailConfig       `yaml:"email"`
	Server      ServerConfig      `yaml:"server"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	Logging     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type EmailConfig struct {
	To            string     `yaml:"to"`
	From          string     `yaml:"from"`
	SubjectPrefix string     `yaml:"subject_prefix"`
	SMTP          SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password,omitempty"`
	TLS            string `yaml:"tls"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// WebhookConfig posts run ledger events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var (
	tlsModes     = []string{"implicit", "starttls", "none"}
	logFormats   = []string{"json", "text"}
	logLevelKeys = []string{"debug", "info", "warn", "error"}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataFile) == "" {
		return fmt.Errorf("config.paths.data_file is required")
	}
	if strings.TrimSpace(c.Paths.ModelFile) == "" {
		return fmt.Errorf("config.paths.model_file is required")
	}
	if strings.TrimSpace(c.Paths.ReportsRoot) == "" {
		return fmt.Errorf("config.paths.reports_root is required")
	}
	if c.Dataset.Rows <= 0 {
		return fmt.Errorf("config.dataset.rows must be positive")
	}
	if c.Training.TestSize <= 0 || c.Training.TestSize >= 1 {
		return fmt.Errorf("config.training.test_size must be between 0 and 1")
	}
	if c.Training.HeadRows <= 0 {
		return fmt.Errorf("config.training.head_rows must be positive")
	}
	for field, addr := range map[string]string{"to": c.Email.To, "from": c.Email.From} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("config.email.%s: %w", field, err)
		}
	}
	if c.Email.SMTP.Port < 0 || c.Email.SMTP.Port > 65535 {
		return fmt.Errorf("config.email.smtp.port out of range")
	}
	if !oneOf(c.Email.SMTP.TLS, tlsModes) {
		return fmt.Errorf("config.email.smtp.tls must be one of %s", strings.Join(tlsModes, ", "))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.ObjectStore.Enabled {
		if strings.TrimSpace(c.ObjectStore.Endpoint) == "" {
			return fmt.Errorf("config.objectstore.endpoint is required when enabled")
		}
		if strings.TrimSpace(c.ObjectStore.Bucket) == "" {
			return fmt.Errorf("config.objectstore.bucket is required when enabled")
		}
		if strings.Contains(c.ObjectStore.Endpoint, "://") {
			return fmt.Errorf("config.objectstore.endpoint must not include scheme")
		}
	}
	if !oneOf(c.Logging.Level, logLevelKeys) {
		return fmt.Errorf("config.logging.level must be one of %s", strings.Join(logLevelKeys, ", "))
	}
	if !oneOf(c.Logging.Format, logFormats) {
		return fmt.Errorf("config.logging.format must be one of %s", strings.Join(logFormats, ", "))
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ValidateDelivery checks the settings the email stage needs to send.
func (c *Config) ValidateDelivery() error {
	if strings.TrimSpace(c.Email.To) == "" {
		return fmt.Errorf("config.email.to is required to send reports")
	}
	if strings.TrimSpace(c.Email.From) == "" {
		return fmt.Errorf("config.email.from is required to send reports")
	}
	if strings.TrimSpace(c.Email.SMTP.Host) == "" {
		return fmt.Errorf("config.email.smtp.host is required to send reports")
	}
	if c.Email.SMTP.Port == 0 {
		return fmt.Errorf("config.email.smtp.port is required to send reports")
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// Resolve returns a copy whose relative paths are anchored at workspace.
func (c *Config) Resolve(workspace string) *Config {
	out := *c
	if workspace == "" {
		workspace = "."
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workspace, p)
	}
	out.Paths.DataFile = abs(c.Paths.DataFile)
	out.Paths.ModelFile = abs(c.Paths.ModelFile)
	out.Paths.ReportsRoot = abs(c.Paths.ReportsRoot)
	return &out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML with secrets removed.
func Marshal(cfg *Config) ([]byte, error) {
	out := *cfg
	out.Email.SMTP.Password = ""
	out.Server.JWTSecret = ""
	out.ObjectStore.SecretKey = ""
	out.Webhooks = make([]WebhookConfig, len(cfg.Webhooks))
	for i, h := range cfg.Webhooks {
		h.Secret = ""
		out.Webhooks[i] = h
	}
	return yaml.Marshal(&out)
}

const defaultTemplate = `paths:
  data_file: data/sales.csv
  model_file: models/linear_regression.json
  reports_root: reports

dataset:
  rows: 1000
  seed: 42

training:
  test_size: 0.2
  random_state: 42
  head_rows: 20

email:
  to: ""
  from: ""
  subject_prefix: "[ML]"
  smtp:
    host: smtp.gmail.com
    port: 465
    username: ""
    tls: implicit
    timeout_seconds: 30

server:
  addr: 127.0.0.1:8080
  base_path: /v0

objectstore:
  enabled: false
  endpoint: localhost:9000
  access_key: ""
  region: us-east-1
  use_ssl: false
  bucket: reports
  prefix: bundles

logging:
  level: info
  format: json
`
