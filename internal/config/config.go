// Package config loads fundadvisor configuration from YAML with environment
// overrides. Defaults are always valid; a missing config file is not an
// error.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fundadvisor configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Fund / token settings
	Fund FundConfig `yaml:"fund"`

	// Reasoning capability
	LLM LLMConfig `yaml:"llm"`

	// Consensus engine thresholds
	Consensus ConsensusConfig `yaml:"consensus"`

	// Risk evaluator limits
	Risk RiskConfig `yaml:"risk"`

	// Clarification sub-protocol policy
	Clarification ClarificationConfig `yaml:"clarification"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// FundConfig pins the token being moved and the only address the deciding
// role may ever construct transfers toward.
type FundConfig struct {
	VaultAddress  string `yaml:"vault_address"`
	TokenSymbol   string `yaml:"token_symbol"`
	TokenDecimals int    `yaml:"token_decimals"`
}

// LLMConfig configures the external reasoning capability.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, mock
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// ConsensusConfig configures the negotiation loop and its thresholds.
type ConsensusConfig struct {
	MaxRounds            int     `yaml:"max_rounds"`
	MinFitScore          float64 `yaml:"min_fit_score"`
	MaxAggregateRisk     float64 `yaml:"max_aggregate_risk"`
	MinConfidence        float64 `yaml:"min_confidence"`
	LiquidityCapFraction float64 `yaml:"liquidity_cap_fraction"`
	RoundTimeout         string  `yaml:"round_timeout"`
}

// RiskConfig configures the risk evaluator's compliance limits.
type RiskConfig struct {
	ConcentrationLimit float64 `yaml:"concentration_limit"`
	SectorLimit        float64 `yaml:"sector_limit"`
	LiquidityFloor     float64 `yaml:"liquidity_floor"`
}

// ClarificationConfig configures automated clarification answering.
// EscalationThreshold is the number of automated answer attempts after which
// a required clarification goes to a human. Treated as configuration, not a
// constant, pending product confirmation.
type ClarificationConfig struct {
	EscalationThreshold int `yaml:"escalation_threshold"`
}

// StorageConfig configures the SQLite-backed message log and memory store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fundadvisor",
		Version: "0.3.0",
		Fund: FundConfig{
			TokenSymbol:   "USDC",
			TokenDecimals: 6,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "45s",
		},
		Consensus: ConsensusConfig{
			MaxRounds:            3,
			MinFitScore:          0.6,
			MaxAggregateRisk:     0.4,
			MinConfidence:        0.6,
			LiquidityCapFraction: 0.25,
			RoundTimeout:         "30s",
		},
		Risk: RiskConfig{
			ConcentrationLimit: 0.40,
			SectorLimit:        0.50,
			LiquidityFloor:     0.10,
		},
		Clarification: ClarificationConfig{
			EscalationThreshold: 2,
		},
		Storage: StorageConfig{
			DatabasePath: ".fundadvisor/fundadvisor.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, layering it over defaults and
// then applying environment overrides. A missing file yields defaults plus
// env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
// Precedence for the API key: GEMINI_API_KEY, then GOOGLE_API_KEY.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	} else if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.LLM.APIKey = v
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if v := os.Getenv("FUNDADVISOR_VAULT_ADDRESS"); v != "" {
		c.Fund.VaultAddress = v
	}
	if v := os.Getenv("FUNDADVISOR_DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("FUNDADVISOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Fund.TokenDecimals <= 0 {
		return fmt.Errorf("fund.token_decimals must be positive, got %d", c.Fund.TokenDecimals)
	}
	if c.Consensus.MaxRounds < 1 {
		return fmt.Errorf("consensus.max_rounds must be at least 1, got %d", c.Consensus.MaxRounds)
	}
	if c.Consensus.LiquidityCapFraction <= 0 || c.Consensus.LiquidityCapFraction > 1 {
		return fmt.Errorf("consensus.liquidity_cap_fraction must be in (0,1], got %v", c.Consensus.LiquidityCapFraction)
	}
	for name, v := range map[string]float64{
		"consensus.min_fit_score":      c.Consensus.MinFitScore,
		"consensus.max_aggregate_risk": c.Consensus.MaxAggregateRisk,
		"consensus.min_confidence":     c.Consensus.MinConfidence,
		"risk.concentration_limit":     c.Risk.ConcentrationLimit,
		"risk.sector_limit":            c.Risk.SectorLimit,
		"risk.liquidity_floor":         c.Risk.LiquidityFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if c.Clarification.EscalationThreshold < 1 {
		return fmt.Errorf("clarification.escalation_threshold must be at least 1, got %d", c.Clarification.EscalationThreshold)
	}
	if _, err := c.Consensus.RoundTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.LLM.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// RoundTimeoutDuration parses the per-round timeout.
func (c ConsensusConfig) RoundTimeoutDuration() (time.Duration, error) {
	if c.RoundTimeout == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.RoundTimeout)
	if err != nil {
		return 0, fmt.Errorf("consensus.round_timeout: %w", err)
	}
	return d, nil
}

// TimeoutDuration parses the LLM call timeout.
func (c LLMConfig) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 45 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("llm.timeout: %w", err)
	}
	return d, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
