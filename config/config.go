// config/config.go
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// DCAConfig holds the averaging-down trigger for one symbol.
type DCAConfig struct {
	TriggerPips float64 `yaml:"trigger_pips"`
	Multiplier  float64 `yaml:"multiplier"`
}

// HedgeConfig holds the hedge trigger for one symbol.
type HedgeConfig struct {
	TriggerPips float64 `yaml:"trigger_pips"`
	Ratio       float64 `yaml:"ratio"`
}

// GridConfig holds the grid ladder layout for one symbol.
type GridConfig struct {
	SpacingPips float64 `yaml:"spacing_pips"`
	Levels      int     `yaml:"levels"`
	Volume      float64 `yaml:"volume"`
}

// StopLossConfig holds the per-stack loss ceilings, in account currency.
// HedgedCeiling applies while the stack has a hedge open.
type StopLossConfig struct {
	Ceiling       float64 `yaml:"ceiling"`
	HedgedCeiling float64 `yaml:"hedged_ceiling"`
}

// SymbolConfig holds everything the engine needs to trade one symbol.
type SymbolConfig struct {
	Symbol       string         `yaml:"symbol"`
	PipSize      float64        `yaml:"pip_size"`
	ContractSize float64        `yaml:"contract_size"`
	VolumeStep   float64        `yaml:"volume_step"`
	BaseVolume   float64        `yaml:"base_volume"`
	DCA          DCAConfig      `yaml:"dca"`
	Hedge        HedgeConfig    `yaml:"hedge"`
	Grid         GridConfig     `yaml:"grid"`
	StopLoss     StopLossConfig `yaml:"stop_loss"`
}

// Timeframes ordered from lowest to highest.
var Timeframes = []string{"M15", "H1", "H4", "D1", "W1"}

// TimeframeRank returns the position of tf in Timeframes.
func TimeframeRank(tf string) (int, bool) {
	for i, t := range Timeframes {
		if t == tf {
			return i, true
		}
	}
	return -1, false
}

// Factor predicates.
const (
	PredicateNear     = "near"
	PredicateBeyond   = "beyond"
	PredicateBreakout = "breakout"
)

// FactorConfig is one confluence factor: a reference level, the predicate price must satisfy against it,
// and the weight it adds to the score.
type FactorConfig struct {
	Name          string  `yaml:"name"`
	Level         string  `yaml:"level"`
	Predicate     string  `yaml:"predicate"`
	TolerancePips float64 `yaml:"tolerance_pips"`
	Weight        int     `yaml:"weight"`
	Timeframe     string  `yaml:"timeframe"`
}

// ConfluenceConfig holds the entry scorer configuration. Factors are evaluated in order.
type ConfluenceConfig struct {
	MinScore      int            `yaml:"min_score"`
	TrendCeiling  float64        `yaml:"trend_ceiling"`
	NearMissScore int            `yaml:"near_miss_score"`
	Factors       []FactorConfig `yaml:"factors"`
}

// RecoveryConfig holds the limits shared by every symbol's recovery machine.
type RecoveryConfig struct {
	MaxDCALevels        int `yaml:"max_dca_levels"`
	MaxHedges           int `yaml:"max_hedges"`
	PendingGraceSeconds int `yaml:"pending_grace_seconds"`
}

// CascadeConfig holds the circuit-breaker configuration.
type CascadeConfig struct {
	Enabled               bool    `yaml:"enabled"`
	WindowMinutes         int     `yaml:"window_minutes"`
	Threshold             int     `yaml:"threshold"`
	CooldownMinutes       int     `yaml:"cooldown_minutes"`
	TrendBlockThreshold   float64 `yaml:"trend_block_threshold"`
	TrendReleaseThreshold float64 `yaml:"trend_release_threshold"`
	TrendBlockMaxMinutes  int     `yaml:"trend_block_max_minutes"`
	AccountLossCeiling    float64 `yaml:"account_loss_ceiling"` // 0 disables the account-wide check
}

// TrendConfig holds the hard-stop threshold for the trend-strength indicator.
type TrendConfig struct {
	HardStop float64 `yaml:"hard_stop"`
}

// LimitsConfig holds the exposure limits checked before a new stack is opened. Zero means unlimited.
type LimitsConfig struct {
	MaxOpenStacks      int     `yaml:"max_open_stacks"`
	MaxStacksPerSymbol int     `yaml:"max_stacks_per_symbol"`
	MaxTotalLots       float64 `yaml:"max_total_lots"`
}

// StateConfig selects where the durable snapshot lives.
type StateConfig struct {
	Backend          string `yaml:"backend"` // "file" or "redis"
	Directory        string `yaml:"directory"`
	FileName         string `yaml:"file_name"`
	RedisKey         string `yaml:"redis_key"`
	StalenessMinutes int    `yaml:"staleness_minutes"`
}

// BrokerConfig holds the retry budget for every broker call.
type BrokerConfig struct {
	Attempts           int `yaml:"attempts"`
	BackoffMs          int `yaml:"backoff_ms"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// JournalConfig holds the configuration for the JSONL decision journal.
type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9102"; empty disables the endpoint
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	CycleIntervalSeconds     int    `yaml:"cycle_interval_seconds"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	TelemetryIntervalSeconds int    `yaml:"telemetry_interval_seconds"`
	LogDirectory             string `yaml:"log_directory"`
}

// StrategyConfig is a generic container for a single strategy's configuration.
// Config holds symbol defaults for that strategy and is decoded by name.
type StrategyConfig struct {
	Name    string      `yaml:"name"`
	Enabled bool        `yaml:"enabled"`
	Config  interface{} `yaml:"config"`
}

// Strategy names understood by the recovery machine.
const (
	StrategyDCA   = "dca"
	StrategyHedge = "hedge"
	StrategyGrid  = "grid"
)

// Config is the top-level configuration structure.
type Config struct {
	Symbols       []SymbolConfig   `yaml:"symbols"`
	Confluence    ConfluenceConfig `yaml:"confluence"`
	Recovery      RecoveryConfig   `yaml:"recovery"`
	Cascade       CascadeConfig    `yaml:"cascade"`
	Trend         TrendConfig      `yaml:"trend"`
	Limits        LimitsConfig     `yaml:"limits"`
	State         StateConfig      `yaml:"state"`
	Broker        BrokerConfig     `yaml:"broker"`
	Normal        *NormalConfig    `yaml:"normal_config"`
	Logs          *LogConfig       `yaml:"logs"`
	Journal       JournalConfig    `yaml:"journal"`
	Metrics       MetricsConfig    `yaml:"metrics"`
	UseSimulation bool             `yaml:"use_simulation"`

	// Enabled recovery strategies, filled from the 'strategies' list
	Enabled map[string]bool `yaml:"-"`
}

// NewConfig creates a new Config struct with safe, non-strategy defaults.
// Trading parameters (symbols, triggers, ceilings, factors) MUST be provided in the config.yaml file.
func NewConfig() *Config {
	return &Config{
		Recovery: RecoveryConfig{
			MaxHedges:           1,
			PendingGraceSeconds: 120,
		},
		Cascade: CascadeConfig{
			Enabled:         true,
			WindowMinutes:   30,
			Threshold:       2,
			CooldownMinutes: 60,
		},
		State: StateConfig{
			Backend:          "file",
			Directory:        "state",
			FileName:         "blocking_state.json",
			RedisKey:         "ganymede:blocking_state",
			StalenessMinutes: 120,
		},
		Broker: BrokerConfig{
			Attempts:           3,
			BackoffMs:          500,
			CallTimeoutSeconds: 10,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Directory: "journal",
		},
		// Grid is off unless the strategies list enables it
		Enabled: map[string]bool{
			StrategyDCA:   true,
			StrategyHedge: true,
			StrategyGrid:  false,
		},
		Logs:   &LogConfig{},
		Normal: &NormalConfig{},
	}
}

// StrategyEnabled reports whether the named recovery strategy is enabled.
func (c *Config) StrategyEnabled(name string) bool {
	return c.Enabled[name]
}

// SymbolByName returns the configuration of symbol.
func (c *Config) SymbolByName(symbol string) (SymbolConfig, bool) {
	for _, s := range c.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

// SymbolNames lists configured symbols in configuration order.
func (c *Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Symbol)
	}
	return out
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error: Config file not found at %s. Program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML document.
func ParseConfig(data []byte) (*Config, error) {
	cfg := NewConfig()

	// Strategies are decoded separately; their config blocks carry per-strategy symbol defaults
	var raw struct {
		Strategies []StrategyConfig `yaml:"strategies"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	if cfg.Normal == nil {
		cfg.Normal = &NormalConfig{}
	}
	if cfg.Logs == nil {
		cfg.Logs = &LogConfig{}
	}

	for _, s := range raw.Strategies {
		if _, known := cfg.Enabled[s.Name]; !known {
			return nil, fmt.Errorf("Config error: unknown strategy '%s' (expected dca, hedge or grid)", s.Name)
		}
		cfg.Enabled[s.Name] = s.Enabled
		if !s.Enabled || s.Config == nil {
			continue
		}

		configBytes, err := yaml.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal strategy config '%s': %w", s.Name, err)
		}
		if err := cfg.applyStrategyDefaults(s.Name, configBytes); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyStrategyDefaults fills symbol fields left at zero from a strategy's config block.
func (c *Config) applyStrategyDefaults(name string, data []byte) error {
	switch name {
	case StrategyDCA:
		var d DCAConfig
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to unmarshal dca config: %w", err)
		}
		for i := range c.Symbols {
			s := &c.Symbols[i]
			if s.DCA.TriggerPips == 0 {
				s.DCA.TriggerPips = d.TriggerPips
			}
			if s.DCA.Multiplier == 0 {
				s.DCA.Multiplier = d.Multiplier
			}
		}
	case StrategyHedge:
		var h HedgeConfig
		if err := yaml.Unmarshal(data, &h); err != nil {
			return fmt.Errorf("failed to unmarshal hedge config: %w", err)
		}
		for i := range c.Symbols {
			s := &c.Symbols[i]
			if s.Hedge.TriggerPips == 0 {
				s.Hedge.TriggerPips = h.TriggerPips
			}
			if s.Hedge.Ratio == 0 {
				s.Hedge.Ratio = h.Ratio
			}
		}
	case StrategyGrid:
		var g GridConfig
		if err := yaml.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("failed to unmarshal grid config: %w", err)
		}
		for i := range c.Symbols {
			s := &c.Symbols[i]
			if s.Grid.SpacingPips == 0 {
				s.Grid.SpacingPips = g.SpacingPips
			}
			if s.Grid.Levels == 0 {
				s.Grid.Levels = g.Levels
			}
			if s.Grid.Volume == 0 {
				s.Grid.Volume = g.Volume
			}
		}
	}
	return nil
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("Critical config missing: at least one entry in 'symbols' must be specified in config.yaml")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("Critical config missing: 'symbols[].symbol' must be explicitly specified in config.yaml")
		}
		if seen[s.Symbol] {
			return fmt.Errorf("Config error: symbol '%s' is configured twice", s.Symbol)
		}
		seen[s.Symbol] = true
		if err := c.validateSymbol(s); err != nil {
			return err
		}
	}

	if err := c.Confluence.Validate(); err != nil {
		return err
	}

	if c.Recovery.MaxDCALevels <= 0 && c.StrategyEnabled(StrategyDCA) {
		return fmt.Errorf("Critical config missing: 'recovery.max_dca_levels' must be explicitly specified in config.yaml and be positive")
	}
	if c.Recovery.MaxHedges < 0 {
		return fmt.Errorf("Config error: recovery.max_hedges cannot be negative")
	}
	if c.Recovery.PendingGraceSeconds <= 0 {
		return fmt.Errorf("Config error: recovery.pending_grace_seconds must be positive")
	}

	if c.Trend.HardStop <= 0 {
		return fmt.Errorf("Critical config missing: 'trend.hard_stop' must be explicitly specified in config.yaml and be positive")
	}
	if c.Trend.HardStop < c.Confluence.TrendCeiling {
		return fmt.Errorf("Config error: trend.hard_stop (%.1f) must not be below confluence.trend_ceiling (%.1f)", c.Trend.HardStop, c.Confluence.TrendCeiling)
	}

	if c.Cascade.Enabled {
		if c.Cascade.WindowMinutes <= 0 || c.Cascade.Threshold <= 0 || c.Cascade.CooldownMinutes <= 0 {
			return fmt.Errorf("Config error: cascade.window_minutes, cascade.threshold and cascade.cooldown_minutes must be positive")
		}
		if c.Cascade.TrendBlockThreshold > 0 {
			if c.Cascade.TrendReleaseThreshold <= 0 || c.Cascade.TrendReleaseThreshold > c.Cascade.TrendBlockThreshold {
				return fmt.Errorf("Config error: cascade.trend_release_threshold must be positive and not above cascade.trend_block_threshold")
			}
			if c.Cascade.TrendBlockMaxMinutes <= 0 {
				return fmt.Errorf("Critical config missing: 'cascade.trend_block_max_minutes' must be positive when cascade.trend_block_threshold is set")
			}
		}
		if c.Cascade.AccountLossCeiling < 0 {
			return fmt.Errorf("Config error: cascade.account_loss_ceiling cannot be negative")
		}
	}

	if c.Limits.MaxOpenStacks < 0 || c.Limits.MaxStacksPerSymbol < 0 || c.Limits.MaxTotalLots < 0 {
		return fmt.Errorf("Config error: limits cannot be negative")
	}

	switch c.State.Backend {
	case "file":
		if c.State.Directory == "" || c.State.FileName == "" {
			return fmt.Errorf("Critical config missing: 'state.directory' and 'state.file_name' must be specified for the file backend")
		}
	case "redis":
		if c.State.RedisKey == "" {
			return fmt.Errorf("Critical config missing: 'state.redis_key' must be specified for the redis backend")
		}
	default:
		return fmt.Errorf("Config error: state.backend must be 'file' or 'redis'")
	}
	if c.State.StalenessMinutes <= 0 {
		return fmt.Errorf("Config error: state.staleness_minutes must be positive")
	}
	if c.Cascade.Enabled && c.Cascade.CooldownMinutes > c.State.StalenessMinutes {
		return fmt.Errorf("Config error: cascade.cooldown_minutes (%d) cannot exceed state.staleness_minutes (%d), a restart would drop the block early",
			c.Cascade.CooldownMinutes, c.State.StalenessMinutes)
	}

	if c.Broker.Attempts <= 0 || c.Broker.BackoffMs < 0 || c.Broker.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("Config error: broker.attempts and broker.call_timeout_seconds must be positive")
	}

	if c.Normal == nil {
		return fmt.Errorf("Critical config missing: 'normal_config' configuration block must be provided in config.yaml")
	}
	if c.Normal.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.cycle_interval_seconds' must be explicitly specified in config.yaml and be positive")
	}
	if c.Normal.HeartbeatIntervalMinutes <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.heartbeat_interval_minutes' must be explicitly specified in config.yaml and be positive")
	}
	if c.Normal.TelemetryIntervalSeconds < 0 {
		return fmt.Errorf("Config error: normal_config.telemetry_interval_seconds cannot be negative")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.log_directory' must be explicitly specified in config.yaml (e.g., 'logs')")
	}

	if c.Logs == nil {
		return fmt.Errorf("Critical config missing: 'logs' configuration block must be provided in config.yaml")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be explicitly specified in config.yaml (e.g., 'info', 'debug', 'warn', 'error')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_size_mb' must be explicitly specified in config.yaml and be positive")
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_backups' must be explicitly specified in config.yaml and be positive")
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_age_days' must be explicitly specified in config.yaml and be positive")
	}
	if c.Journal.Enabled && c.Journal.Directory == "" {
		return fmt.Errorf("Critical config missing: 'journal.directory' must be specified when the journal is enabled")
	}

	return nil
}

func (c *Config) validateSymbol(s SymbolConfig) error {
	if s.PipSize <= 0 {
		return fmt.Errorf("Critical config missing: '%s.pip_size' must be explicitly specified in config.yaml and be positive", s.Symbol)
	}
	if s.ContractSize <= 0 {
		return fmt.Errorf("Critical config missing: '%s.contract_size' must be explicitly specified in config.yaml and be positive", s.Symbol)
	}
	if s.VolumeStep <= 0 {
		return fmt.Errorf("Critical config missing: '%s.volume_step' must be explicitly specified in config.yaml and be positive", s.Symbol)
	}
	if s.BaseVolume < s.VolumeStep {
		return fmt.Errorf("Config error: %s.base_volume (%.4f) must be at least volume_step (%.4f)", s.Symbol, s.BaseVolume, s.VolumeStep)
	}
	if s.StopLoss.Ceiling <= 0 {
		return fmt.Errorf("Critical config missing: '%s.stop_loss.ceiling' must be explicitly specified in config.yaml and be positive", s.Symbol)
	}
	if s.StopLoss.HedgedCeiling == 0 {
		return fmt.Errorf("Critical config missing: '%s.stop_loss.hedged_ceiling' must be explicitly specified in config.yaml", s.Symbol)
	}
	if s.StopLoss.HedgedCeiling < s.StopLoss.Ceiling {
		return fmt.Errorf("Config error: %s.stop_loss.hedged_ceiling (%.2f) must not be below stop_loss.ceiling (%.2f)", s.Symbol, s.StopLoss.HedgedCeiling, s.StopLoss.Ceiling)
	}

	if c.StrategyEnabled(StrategyDCA) {
		if s.DCA.TriggerPips <= 0 || s.DCA.Multiplier <= 0 {
			return fmt.Errorf("Critical config missing: '%s.dca.trigger_pips' and '%s.dca.multiplier' must be positive while the dca strategy is enabled", s.Symbol, s.Symbol)
		}
	}
	if c.StrategyEnabled(StrategyHedge) {
		if s.Hedge.TriggerPips <= 0 || s.Hedge.Ratio <= 0 {
			return fmt.Errorf("Critical config missing: '%s.hedge.trigger_pips' and '%s.hedge.ratio' must be positive while the hedge strategy is enabled", s.Symbol, s.Symbol)
		}
		if c.StrategyEnabled(StrategyDCA) && s.Hedge.TriggerPips <= s.DCA.TriggerPips {
			return fmt.Errorf("Config error: %s.hedge.trigger_pips (%.1f) must be greater than dca.trigger_pips (%.1f)", s.Symbol, s.Hedge.TriggerPips, s.DCA.TriggerPips)
		}
	}
	if c.StrategyEnabled(StrategyGrid) {
		if s.Grid.SpacingPips <= 0 || s.Grid.Levels <= 0 || s.Grid.Volume <= 0 {
			return fmt.Errorf("Critical config missing: '%s.grid' spacing_pips, levels and volume must be positive while the grid strategy is enabled", s.Symbol)
		}
	}
	return nil
}

// Validate checks the confluence scorer configuration: thresholds, factor fields and timeframe weight dominance.
func (c ConfluenceConfig) Validate() error {
	if c.MinScore <= 0 {
		return fmt.Errorf("Critical config missing: 'confluence.min_score' must be explicitly specified in config.yaml and be positive")
	}
	if c.TrendCeiling <= 0 {
		return fmt.Errorf("Critical config missing: 'confluence.trend_ceiling' must be explicitly specified in config.yaml and be positive")
	}
	if c.NearMissScore < 0 || (c.NearMissScore > 0 && c.NearMissScore >= c.MinScore) {
		return fmt.Errorf("Config error: confluence.near_miss_score must be between 0 and min_score")
	}
	if len(c.Factors) == 0 {
		return fmt.Errorf("Critical config missing: 'confluence.factors' must list at least one factor")
	}

	names := make(map[string]bool, len(c.Factors))
	minWeight := make(map[int]int)
	maxWeight := make(map[int]int)
	for _, f := range c.Factors {
		if f.Name == "" || f.Level == "" {
			return fmt.Errorf("Config error: every confluence factor needs a name and a level")
		}
		if names[f.Name] {
			return fmt.Errorf("Config error: confluence factor '%s' is listed twice", f.Name)
		}
		names[f.Name] = true
		switch f.Predicate {
		case PredicateNear, PredicateBeyond, PredicateBreakout:
		default:
			return fmt.Errorf("Config error: confluence factor '%s' has unknown predicate '%s'", f.Name, f.Predicate)
		}
		if f.Weight <= 0 {
			return fmt.Errorf("Config error: confluence factor '%s' weight must be positive", f.Name)
		}
		if f.TolerancePips < 0 {
			return fmt.Errorf("Config error: confluence factor '%s' tolerance_pips cannot be negative", f.Name)
		}
		rank, ok := TimeframeRank(f.Timeframe)
		if !ok {
			return fmt.Errorf("Config error: confluence factor '%s' has unknown timeframe '%s'", f.Name, f.Timeframe)
		}
		if w, ok := minWeight[rank]; !ok || f.Weight < w {
			minWeight[rank] = f.Weight
		}
		if w, ok := maxWeight[rank]; !ok || f.Weight > w {
			maxWeight[rank] = f.Weight
		}
	}

	// Every higher-timeframe factor must outweigh every lower-timeframe factor
	for hi, hiMin := range minWeight {
		for lo, loMax := range maxWeight {
			if lo < hi && hiMin <= loMax {
				return fmt.Errorf("Config error: confluence weights must grow with timeframe: %s factors (min weight %d) must outweigh %s factors (max weight %d)",
					Timeframes[hi], hiMin, Timeframes[lo], loMax)
			}
		}
	}
	return nil
}

// EnvConfig holds connection settings that come from the environment rather than config.yaml.
type EnvConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func LoadEnvConfig() (*EnvConfig, error) {
	env := &EnvConfig{
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}
	if env.RedisAddr == "" {
		env.RedisAddr = "localhost:6379"
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", db, err)
		}
		env.RedisDB = n
	}
	return env, nil
}
