// Package config loads bridge settings. Precedence, highest first:
// changed flags, KQLBRIDGE_* environment variables, the config file, then
// defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "KQLBRIDGE"

type KustoConfig struct {
	ClusterURL   string        `mapstructure:"cluster_url" json:"cluster_url"`
	Database     string        `mapstructure:"database" json:"database"`
	TenantID     string        `mapstructure:"tenant_id" json:"tenant_id"`
	ClientID     string        `mapstructure:"client_id" json:"client_id"`
	ClientSecret string        `mapstructure:"client_secret" json:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
}

type MetadataConfig struct {
	// ElasticsearchURL receives every request the bridge does not answer.
	ElasticsearchURL string `mapstructure:"elasticsearch_url" json:"elasticsearch_url"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
	Sync    bool   `mapstructure:"sync" json:"sync"`
	Retain  int    `mapstructure:"retain" json:"retain"` // newest entries kept on start, 0 = all
}

type TranslateConfig struct {
	MaxHits int `mapstructure:"max_hits" json:"max_hits"`
}

type Config struct {
	Env      string `mapstructure:"env" json:"env"`             // "dev" | "prod"
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug, info, warn, error …
	HTTPPort int    `mapstructure:"http_port" json:"http_port"`

	Kusto     KustoConfig     `mapstructure:"kusto" json:"kusto"`
	Metadata  MetadataConfig  `mapstructure:"metadata" json:"metadata"`
	Journal   JournalConfig   `mapstructure:"journal" json:"journal"`
	Translate TranslateConfig `mapstructure:"translate" json:"translate"`
}

// Dump renders the config as JSON with secrets redacted.
func (c Config) Dump() string {
	cp := c
	if cp.Kusto.ClientSecret != "" {
		cp.Kusto.ClientSecret = "(redacted)"
	}
	b, _ := json.MarshalIndent(cp, "", "  ")
	return string(b)
}

var defaults = map[string]any{
	"env":                        "dev",
	"log_level":                  "info",
	"http_port":                  9200,
	"kusto.cluster_url":          "",
	"kusto.database":             "",
	"kusto.tenant_id":            "",
	"kusto.client_id":            "",
	"kusto.client_secret":        "",
	"kusto.timeout":              "60s",
	"metadata.elasticsearch_url": "",
	"journal.enabled":            false,
	"journal.path":               "journal",
	"journal.sync":               false,
	"journal.retain":             0,
	"translate.max_hits":         10000,
}

// RegisterFlags adds one flag per key to fs. Only flags the user sets
// override the other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default: ./config.{yaml,yml,json,toml})")
	fs.String("env", "dev", `Runtime environment "dev"|"prod"`)
	fs.String("log_level", "info", "Log level")
	fs.Int("http_port", 9200, "HTTP port")
	fs.String("kusto.cluster_url", "", "Kusto cluster URL")
	fs.String("kusto.database", "", "Default Kusto database")
	fs.String("kusto.tenant_id", "", "AAD tenant id")
	fs.String("kusto.client_id", "", "AAD application id")
	fs.String("kusto.client_secret", "", "AAD application secret")
	fs.String("kusto.timeout", "60s", "Query timeout")
	fs.String("metadata.elasticsearch_url", "", "Elasticsearch that serves every other request")
	fs.Bool("journal.enabled", false, "Journal executed queries")
	fs.String("journal.path", "journal", "Journal directory")
	fs.Bool("journal.sync", false, "Fsync every journal entry")
	fs.Int("journal.retain", 0, "Entries kept when the journal is opened (0 = all)")
	fs.Int("translate.max_hits", 10000, "Cap on from+size (0 = unlimited)")
}

// Load reads the configuration. fs may be nil.
func Load(fs *pflag.FlagSet, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded .env file")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for k := range defaults {
		_ = v.BindEnv(k)
	}

	for _, file := range configFiles(fs) {
		if err := mergeFile(v, file); err != nil {
			return nil, err
		}
		logger.Info("loaded config file", zap.String("file", file))
	}

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed && f.Name != "config" {
				_ = v.BindPFlag(f.Name, f)
			}
		})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// configFiles returns the explicit --config file, or every config.<ext> in
// the working directory.
func configFiles(fs *pflag.FlagSet) []string {
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			return []string{f.Value.String()}
		}
	}
	var files []string
	for _, ext := range [...]string{"yaml", "yml", "json", "toml"} {
		file := "config." + ext
		if _, err := os.Stat(file); err == nil {
			files = append(files, file)
		}
	}
	return files
}

func mergeFile(v *viper.Viper, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", file, err)
	}
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(file), "."))
	if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("cannot decode config file %s: %w", file, err)
	}
	return nil
}

// Validate checks what serving requests needs.
func (c Config) Validate() error {
	var missing, invalid []string

	if strings.TrimSpace(c.Kusto.ClusterURL) == "" {
		missing = append(missing, "KQLBRIDGE_KUSTO_CLUSTER_URL (or --kusto.cluster_url)")
	}
	if strings.TrimSpace(c.Kusto.Database) == "" {
		missing = append(missing, "KQLBRIDGE_KUSTO_DATABASE (or --kusto.database)")
	}
	if c.Kusto.ClientID != "" && (c.Kusto.ClientSecret == "" || c.Kusto.TenantID == "") {
		missing = append(missing, "kusto.client_secret and kusto.tenant_id when kusto.client_id is set")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		invalid = append(invalid, "http_port must be in 1..65535")
	}
	if c.Kusto.Timeout <= 0 {
		invalid = append(invalid, "kusto.timeout must be > 0")
	}
	if c.Translate.MaxHits < 0 {
		invalid = append(invalid, "translate.max_hits must be >= 0")
	}
	if c.Journal.Retain < 0 {
		invalid = append(invalid, "journal.retain must be >= 0")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		missing = append(missing, "journal.path when journal.enabled=true")
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(invalid, ", "))
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(parts, " | "))
}
