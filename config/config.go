// Package config loads the node's runtime settings from an optional YAML
// file with environment variable overrides. Environment values win.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the domalend node.
type Config struct {
	Environment string `yaml:"environment"`
	LogFile     string `yaml:"log_file"`

	Chain     ChainConfig     `yaml:"chain"`
	Subgraph  SubgraphConfig  `yaml:"subgraph"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ChainConfig points the node at the EVM endpoint and contracts.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	LendingContract string `yaml:"lending_contract"`
	OracleContract  string `yaml:"oracle_contract"`
	SignerKey       string `yaml:"signer_key"`
	ChainID         int64  `yaml:"chain_id"`
}

// SubgraphConfig points at the fractional-domain GraphQL service.
type SubgraphConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// IndexerConfig tunes log ingestion.
type IndexerConfig struct {
	StartBlock   *uint64  `yaml:"start_block"`
	PollInterval Duration `yaml:"poll_interval"`
}

// BroadcastConfig tunes the valuation broadcaster.
type BroadcastConfig struct {
	Interval        Duration `yaml:"interval"`
	SuppressionBPS  int64    `yaml:"suppression_bps"`
	BalanceFloorWei string   `yaml:"balance_floor_wei"`
}

// HTTPConfig tunes the read API.
type HTTPConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// TelemetryConfig tunes the OTLP exporters. An empty endpoint defers to the
// standard OTEL_EXPORTER_OTLP_* environment variables. Headers is a
// comma-separated key=value list.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Headers  string `yaml:"headers"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads the optional YAML file at path, applies environment overrides
// and defaults, and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	setString(&cfg.Environment, "DOMALEND_ENV")
	setString(&cfg.LogFile, "DOMALEND_LOG_FILE")
	setString(&cfg.Chain.RPCURL, "DOMALEND_RPC_URL")
	setString(&cfg.Chain.LendingContract, "DOMALEND_LENDING_CONTRACT")
	setString(&cfg.Chain.OracleContract, "DOMALEND_ORACLE_CONTRACT")
	setString(&cfg.Chain.SignerKey, "DOMALEND_SIGNER_KEY")
	setString(&cfg.Subgraph.URL, "DOMALEND_SUBGRAPH_URL")
	setString(&cfg.Subgraph.APIKey, "DOMALEND_SUBGRAPH_API_KEY")
	setString(&cfg.HTTP.CORSOrigin, "DOMALEND_CORS_ORIGIN")
	setString(&cfg.Broadcast.BalanceFloorWei, "DOMALEND_BALANCE_FLOOR_WEI")
	setString(&cfg.Telemetry.Endpoint, "DOMALEND_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Headers, "DOMALEND_OTLP_HEADERS")

	if err := setInt64(&cfg.Chain.ChainID, "DOMALEND_CHAIN_ID"); err != nil {
		return err
	}
	if err := setInt64(&cfg.Broadcast.SuppressionBPS, "DOMALEND_SUPPRESSION_BPS"); err != nil {
		return err
	}
	if err := setInt(&cfg.HTTP.Port, "DOMALEND_HTTP_PORT"); err != nil {
		return err
	}
	if err := setUint64Ptr(&cfg.Indexer.StartBlock, "DOMALEND_START_BLOCK"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Indexer.PollInterval, "DOMALEND_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Broadcast.Interval, "DOMALEND_BROADCAST_INTERVAL"); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Indexer.PollInterval.Duration == 0 {
		cfg.Indexer.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Broadcast.Interval.Duration == 0 {
		cfg.Broadcast.Interval.Duration = 10 * time.Minute
	}
	if cfg.Broadcast.SuppressionBPS == 0 {
		cfg.Broadcast.SuppressionBPS = 100
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 3001
	}
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc url required")
	}
	if !isHexAddress(cfg.Chain.LendingContract) {
		return fmt.Errorf("lending contract address required")
	}
	if !isHexAddress(cfg.Chain.OracleContract) {
		return fmt.Errorf("oracle contract address required")
	}
	if strings.TrimSpace(cfg.Chain.SignerKey) == "" {
		return fmt.Errorf("signer key required")
	}
	if strings.TrimSpace(cfg.Subgraph.URL) == "" {
		return fmt.Errorf("subgraph url required")
	}
	if strings.TrimSpace(cfg.Subgraph.APIKey) == "" {
		return fmt.Errorf("subgraph api key required")
	}
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", cfg.HTTP.Port)
	}
	if cfg.Broadcast.SuppressionBPS < 0 || cfg.Broadcast.SuppressionBPS > 10_000 {
		return fmt.Errorf("suppression bps %d out of range", cfg.Broadcast.SuppressionBPS)
	}
	if _, err := cfg.BalanceFloor(); err != nil {
		return err
	}
	return nil
}

// BalanceFloor parses the configured floor, nil when unset.
func (cfg *Config) BalanceFloor() (*big.Int, error) {
	raw := strings.TrimSpace(cfg.Broadcast.BalanceFloorWei)
	if raw == "" {
		return nil, nil
	}
	floor, ok := new(big.Int).SetString(raw, 10)
	if !ok || floor.Sign() < 0 {
		return nil, fmt.Errorf("invalid balance floor %q", raw)
	}
	return floor, nil
}

// ListenAddr renders the HTTP bind address.
func (cfg *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", cfg.HTTP.Port)
}

func isHexAddress(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setUint64Ptr(dst **uint64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = &parsed
	return nil
}

func setDuration(dst *Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	dst.Duration = parsed
	return nil
}
