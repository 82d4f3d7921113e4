// Package config loads the paper engine's YAML configuration and applies
// environment overrides on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/paper-engine/internal/contract"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/quote"
)

// Config is the top-level configuration.
type Config struct {
	Server    Server     `yaml:"server"`
	Storage   Storage    `yaml:"storage"`
	Logging   Logging    `yaml:"logging"`
	Fees      fees.Rates `yaml:"fees"`
	Engine    Engine     `yaml:"engine"`
	Risk      Risk       `yaml:"risk"`
	Catalog   Catalog    `yaml:"catalog"`
	Quotes    Quotes     `yaml:"quotes"`
	Broadcast Broadcast  `yaml:"broadcast"`
	Accounts  Accounts   `yaml:"accounts"`
}

type Server struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects backends. An empty DatabaseURL runs on the in-memory store.
type Storage struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Engine mirrors engine.Config plus the matcher schedule.
type Engine struct {
	TickSize              decimal.Decimal `yaml:"tick_size"`
	MaxInflightPerAccount int64           `yaml:"max_inflight_per_account"`
	QuoteMaxTries         uint            `yaml:"quote_max_tries"`
	QuoteInitialInterval  time.Duration   `yaml:"quote_initial_interval"`
	QuoteMaxInterval      time.Duration   `yaml:"quote_max_interval"`
	MaxConflictRetries    int             `yaml:"max_conflict_retries"`
	MatchSchedule         string          `yaml:"match_schedule"` // cron spec, e.g. "@every 2s"; empty disables
	MatchTimeout          time.Duration   `yaml:"match_timeout"`
}

// Risk holds position limits in lots. Zero disables a limit.
type Risk struct {
	MaxLotsPerContract   int64 `yaml:"max_lots_per_contract"`
	MaxLotsPerUnderlying int64 `yaml:"max_lots_per_underlying"`
}

// Catalog lists the underlyings whose weekly chains are seeded at startup.
type Catalog struct {
	ExpiryWeekday string                `yaml:"expiry_weekday"`
	Underlyings   []contract.Underlying `yaml:"underlyings"`
}

type Quotes struct {
	RandomSeed uint64              `yaml:"random_seed"`
	RandomStep float64             `yaml:"random_step"`
	Breaker    quote.BreakerConfig `yaml:"breaker"`
}

type Broadcast struct {
	Buffer  int           `yaml:"buffer"`
	Timeout time.Duration `yaml:"timeout"`
}

type Accounts struct {
	DefaultCapital decimal.Decimal `yaml:"default_capital"`
}

// Default returns a configuration that runs standalone: in-memory store,
// random quotes, NIFTY and BANKNIFTY weeklies.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Server: Server{
			Port:            8080,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: Storage{CacheTTL: 30 * time.Second},
		Logging: Logging{Level: "info"},
		Fees:    fees.DefaultRates(),
		Engine: Engine{
			TickSize:              ec.TickSize,
			MaxInflightPerAccount: ec.MaxInflightPerAccount,
			QuoteMaxTries:         ec.QuoteMaxTries,
			QuoteInitialInterval:  ec.QuoteInitialInterval,
			QuoteMaxInterval:      ec.QuoteMaxInterval,
			MaxConflictRetries:    ec.MaxConflictRetries,
			MatchSchedule:         "@every 2s",
			MatchTimeout:          10 * time.Second,
		},
		Risk: Risk{MaxLotsPerContract: 100, MaxLotsPerUnderlying: 500},
		Catalog: Catalog{
			ExpiryWeekday: "thursday",
			Underlyings: []contract.Underlying{
				{Symbol: "NIFTY", LotSize: 75, BasePrice: decimal.NewFromInt(25000),
					StrikeStep: decimal.NewFromInt(50), StrikesEachSide: 10},
				{Symbol: "BANKNIFTY", LotSize: 35, BasePrice: decimal.NewFromInt(55000),
					StrikeStep: decimal.NewFromInt(100), StrikesEachSide: 10},
			},
		},
		Quotes: Quotes{
			RandomSeed: 1,
			RandomStep: 0.01,
			Breaker:    quote.DefaultBreakerConfig(),
		},
		Broadcast: Broadcast{Buffer: 1024, Timeout: 2 * time.Second},
		Accounts:  Accounts{DefaultCapital: decimal.NewFromInt(100000)},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the file named by CONFIG_FILE, if any.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Engine.TickSize.IsPositive() {
		errs = append(errs, errors.New("engine.tick_size must be positive"))
	}
	if c.Engine.MaxInflightPerAccount <= 0 {
		errs = append(errs, errors.New("engine.max_inflight_per_account must be positive"))
	}
	if c.Engine.QuoteMaxTries == 0 {
		errs = append(errs, errors.New("engine.quote_max_tries must be positive"))
	}
	if c.Risk.MaxLotsPerContract < 0 || c.Risk.MaxLotsPerUnderlying < 0 {
		errs = append(errs, errors.New("risk limits must be >= 0"))
	}
	if c.Accounts.DefaultCapital.IsNegative() {
		errs = append(errs, errors.New("accounts.default_capital must be >= 0"))
	}
	if c.Broadcast.Buffer <= 0 {
		errs = append(errs, errors.New("broadcast.buffer must be positive"))
	}
	if _, err := c.ExpiryWeekday(); err != nil {
		errs = append(errs, err)
	}
	for _, u := range c.Catalog.Underlyings {
		if err := u.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		TickSize:              c.Engine.TickSize,
		MaxInflightPerAccount: c.Engine.MaxInflightPerAccount,
		QuoteMaxTries:         c.Engine.QuoteMaxTries,
		QuoteInitialInterval:  c.Engine.QuoteInitialInterval,
		QuoteMaxInterval:      c.Engine.QuoteMaxInterval,
		MaxConflictRetries:    c.Engine.MaxConflictRetries,
	}
}

// MatchingEnabled reports whether resting orders are re-matched on a schedule.
func (c *Config) MatchingEnabled() bool {
	return strings.TrimSpace(c.Engine.MatchSchedule) != ""
}

// ExpiryWeekday parses catalog.expiry_weekday ("thursday", "Thu", ...).
func (c *Config) ExpiryWeekday() (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(c.Catalog.ExpiryWeekday))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("catalog.expiry_weekday %q is not a weekday", c.Catalog.ExpiryWeekday)
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}
