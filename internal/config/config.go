// Package config holds operator-level configuration for an engram
// process: storage backend selection, embedding and summarizer
// providers, dedup thresholds, search weights, trust tuning, and the
// consolidation schedule. Set via env vars (ENGRAM_*) or a config file
// (engram.config.yaml); env wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the ENGRAM_ prefix
// (e.g. "dedup_skip_threshold" → ENGRAM_DEDUP_SKIP_THRESHOLD) and to a
// YAML field in engram.config.yaml.
const (
	KeyDataDir = "data_dir"
	KeyListen  = "listen"
	KeyBackend = "backend" // sqlite | memvec

	KeyEmbedProvider = "embed_provider" // hash | ollama | openai
	KeyEmbedModel    = "embed_model"
	KeyEmbedDims     = "embed_dims"
	KeyEmbedBaseURL  = "embed_base_url"
	KeyEmbedAPIKey   = "embed_api_key"

	KeySummarizerProvider = "summarizer_provider" // none | ollama | openai
	KeySummarizerModel    = "summarizer_model"
	KeySummarizerBaseURL  = "summarizer_base_url"
	KeySummarizerAPIKey   = "summarizer_api_key"

	KeyDedupSkipThreshold      = "dedup_skip_threshold"
	KeyDedupSupersedeThreshold = "dedup_supersede_threshold"
	KeyDedupCandidates         = "dedup_candidates"
	KeyDedupMatchKind          = "dedup_match_kind"

	KeySearchWeightSemantic = "search_weight_semantic"
	KeySearchWeightKeyword  = "search_weight_keyword"
	KeySearchWeightTrust    = "search_weight_trust"
	KeySearchWeightRecency  = "search_weight_recency"

	KeyTrustRecencyHalfLifeDays = "trust_recency_halflife_days"

	KeyConsolidationThreshold = "consolidation_threshold"
	KeyConsolidationCron      = "consolidation_cron"
	KeyConsolidationProject   = "consolidation_project"

	KeyOTelEnabled = "otel_enabled"
	KeyLogLevel    = "log_level"
)

// Defaults.
const (
	DefaultListen  = ":8750"
	DefaultBackend = "sqlite"

	DefaultEmbedProvider = "hash"

	DefaultDedupSkip      = 0.95
	DefaultDedupSupersede = 0.85
	DefaultDedupCands     = 5

	DefaultWSemantic = 0.5
	DefaultWKeyword  = 0.3
	DefaultWTrust    = 0.1
	DefaultWRecency  = 0.1

	DefaultTrustHalfLifeDays = 30

	DefaultConsolidationThreshold = 0.88

	DefaultLogLevel = "info"
)

// Config is the resolved process configuration.
type Config struct {
	DataDir string
	Listen  string
	Backend string

	EmbedProvider string
	EmbedModel    string
	EmbedDims     int
	EmbedBaseURL  string
	EmbedAPIKey   string

	SummarizerProvider string
	SummarizerModel    string
	SummarizerBaseURL  string
	SummarizerAPIKey   string

	DedupSkipThreshold      float64
	DedupSupersedeThreshold float64
	DedupCandidates         int
	DedupMatchKind          bool

	SearchWeightSemantic float64
	SearchWeightKeyword  float64
	SearchWeightTrust    float64
	SearchWeightRecency  float64

	TrustRecencyHalfLife time.Duration

	ConsolidationThreshold float64
	ConsolidationCron      string
	ConsolidationProject   string

	OTelEnabled bool
	LogLevel    string
}

// MemoryDBPath returns the path of the SQLite memory database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("ENGRAM")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListen, DefaultListen)
	viper.SetDefault(KeyBackend, DefaultBackend)
	viper.SetDefault(KeyEmbedProvider, DefaultEmbedProvider)
	viper.SetDefault(KeyDedupSkipThreshold, DefaultDedupSkip)
	viper.SetDefault(KeyDedupSupersedeThreshold, DefaultDedupSupersede)
	viper.SetDefault(KeyDedupCandidates, DefaultDedupCands)
	viper.SetDefault(KeySearchWeightSemantic, DefaultWSemantic)
	viper.SetDefault(KeySearchWeightKeyword, DefaultWKeyword)
	viper.SetDefault(KeySearchWeightTrust, DefaultWTrust)
	viper.SetDefault(KeySearchWeightRecency, DefaultWRecency)
	viper.SetDefault(KeyTrustRecencyHalfLifeDays, DefaultTrustHalfLifeDays)
	viper.SetDefault(KeyConsolidationThreshold, DefaultConsolidationThreshold)
	viper.SetDefault(KeyLogLevel, DefaultLogLevel)
}

// LoadFile merges engram.config.yaml from the given directory (or the
// working directory when empty) into Viper. A missing file is not an
// error; a malformed one is.
func LoadFile(dir string) error {
	viper.SetConfigName("engram.config")
	viper.SetConfigType("yaml")
	if dir != "" {
		viper.AddConfigPath(dir)
	}
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

// Load resolves the full configuration from Viper and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir: resolveDataDir(),
		Listen:  viper.GetString(KeyListen),
		Backend: viper.GetString(KeyBackend),

		EmbedProvider: viper.GetString(KeyEmbedProvider),
		EmbedModel:    viper.GetString(KeyEmbedModel),
		EmbedDims:     viper.GetInt(KeyEmbedDims),
		EmbedBaseURL:  viper.GetString(KeyEmbedBaseURL),
		EmbedAPIKey:   viper.GetString(KeyEmbedAPIKey),

		SummarizerProvider: viper.GetString(KeySummarizerProvider),
		SummarizerModel:    viper.GetString(KeySummarizerModel),
		SummarizerBaseURL:  viper.GetString(KeySummarizerBaseURL),
		SummarizerAPIKey:   viper.GetString(KeySummarizerAPIKey),

		DedupSkipThreshold:      viper.GetFloat64(KeyDedupSkipThreshold),
		DedupSupersedeThreshold: viper.GetFloat64(KeyDedupSupersedeThreshold),
		DedupCandidates:         viper.GetInt(KeyDedupCandidates),
		DedupMatchKind:          viper.GetBool(KeyDedupMatchKind),

		SearchWeightSemantic: viper.GetFloat64(KeySearchWeightSemantic),
		SearchWeightKeyword:  viper.GetFloat64(KeySearchWeightKeyword),
		SearchWeightTrust:    viper.GetFloat64(KeySearchWeightTrust),
		SearchWeightRecency:  viper.GetFloat64(KeySearchWeightRecency),

		TrustRecencyHalfLife: time.Duration(viper.GetInt(KeyTrustRecencyHalfLifeDays)) * 24 * time.Hour,

		ConsolidationThreshold: viper.GetFloat64(KeyConsolidationThreshold),
		ConsolidationCron:      viper.GetString(KeyConsolidationCron),
		ConsolidationProject:   viper.GetString(KeyConsolidationProject),

		OTelEnabled: viper.GetBool(KeyOTelEnabled),
		LogLevel:    viper.GetString(KeyLogLevel),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

func (c *Config) validate() error {
	if c.Backend != "sqlite" && c.Backend != "memvec" {
		return fmt.Errorf("backend must be sqlite or memvec (got %q)", c.Backend)
	}
	if c.DedupSkipThreshold <= c.DedupSupersedeThreshold {
		return fmt.Errorf("dedup_skip_threshold (%v) must exceed dedup_supersede_threshold (%v)",
			c.DedupSkipThreshold, c.DedupSupersedeThreshold)
	}
	if c.DedupCandidates <= 0 {
		return fmt.Errorf("dedup_candidates must be positive")
	}
	wsum := c.SearchWeightSemantic + c.SearchWeightKeyword + c.SearchWeightTrust + c.SearchWeightRecency
	if wsum <= 0 {
		return fmt.Errorf("search weights must sum to a positive value")
	}
	if c.ConsolidationThreshold <= 0 || c.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidation_threshold must be in (0,1] (got %v)", c.ConsolidationThreshold)
	}
	return nil
}
