package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the co-evolutionary learning loop.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Safety      SafetyConfig      `mapstructure:"safety"`
	Solver      SolverConfig      `mapstructure:"solver"`
	Uncertainty UncertaintyConfig `mapstructure:"uncertainty"`
	Curriculum  CurriculumConfig  `mapstructure:"curriculum"`
	Evolution   EvolutionConfig   `mapstructure:"evolution"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Storage     StorageConfig     `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	MaxCycleTime   time.Duration `mapstructure:"max_cycle_time"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// GenerationConfig describes the external generation service used to realize
// challenge prompts and solver attempts.
type GenerationConfig struct {
	Provider    string        `mapstructure:"provider"` // openai, static
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

func (g GenerationConfig) Validate() error {
	switch g.Provider {
	case "", "static":
		return nil
	case "openai":
		if strings.TrimSpace(g.Model) == "" {
			return fmt.Errorf("generation.model required for openai provider")
		}
		return nil
	default:
		return fmt.Errorf("unsupported generation provider: %s", g.Provider)
	}
}

// SafetyConfig declares safety validator settings.
type SafetyConfig struct {
	PolicyFile string        `mapstructure:"policy_file"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (s SafetyConfig) Validate() error {
	if strings.TrimSpace(s.PolicyFile) == "" {
		return fmt.Errorf("safety.policy_file is required")
	}
	return nil
}

// SolverConfig controls the strategy pool.
type SolverConfig struct {
	Strategies      []string      `mapstructure:"strategies"`
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
}

func (s SolverConfig) Validate() error {
	if len(s.Strategies) == 0 {
		return fmt.Errorf("solver.strategies must list at least one strategy")
	}
	if s.StrategyTimeout <= 0 {
		return fmt.Errorf("solver.strategy_timeout must be > 0")
	}
	return nil
}

// UncertaintyConfig tunes the disagreement estimator and the informative band.
type UncertaintyConfig struct {
	BandLow             float64 `mapstructure:"band_low"`
	BandHigh            float64 `mapstructure:"band_high"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

func (u UncertaintyConfig) Validate() error {
	if u.BandLow < 0 || u.BandHigh > 1 || u.BandLow >= u.BandHigh {
		return fmt.Errorf("uncertainty band [%.2f, %.2f] invalid", u.BandLow, u.BandHigh)
	}
	if u.SimilarityThreshold <= 0 || u.SimilarityThreshold > 1 {
		return fmt.Errorf("uncertainty.similarity_threshold must be in (0, 1]")
	}
	return nil
}

// CurriculumConfig tunes per-domain difficulty adaptation and rotation.
type CurriculumConfig struct {
	Domains          []string `mapstructure:"domains"`
	EMAAlpha         float64  `mapstructure:"ema_alpha"`
	PromoteThreshold float64  `mapstructure:"promote_threshold"`
	DemoteThreshold  float64  `mapstructure:"demote_threshold"`
	MinCyclesAtTier  int      `mapstructure:"min_cycles_at_tier"`
	RotationWindow   int      `mapstructure:"rotation_window"`
}

func (c CurriculumConfig) Validate() error {
	if len(c.Domains) == 0 {
		return fmt.Errorf("curriculum.domains must list at least one domain")
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return fmt.Errorf("curriculum.ema_alpha must be in (0, 1]")
	}
	if c.DemoteThreshold >= c.PromoteThreshold {
		return fmt.Errorf("curriculum.demote_threshold must be below promote_threshold")
	}
	if c.MinCyclesAtTier < 1 {
		return fmt.Errorf("curriculum.min_cycles_at_tier must be >= 1")
	}
	if c.RotationWindow < 1 {
		return fmt.Errorf("curriculum.rotation_window must be >= 1")
	}
	return nil
}

// EvolutionConfig tunes generator-policy updates.
type EvolutionConfig struct {
	LearningRate       float64 `mapstructure:"learning_rate"`
	RewardWindow       int     `mapstructure:"reward_window"`
	OptimalUncertainty float64 `mapstructure:"optimal_uncertainty"`
	MaxDelta           float64 `mapstructure:"max_delta"`
}

func (e EvolutionConfig) Validate() error {
	if e.LearningRate <= 0 {
		return fmt.Errorf("evolution.learning_rate must be > 0")
	}
	if e.RewardWindow < 1 {
		return fmt.Errorf("evolution.reward_window must be >= 1")
	}
	if e.OptimalUncertainty <= 0 || e.OptimalUncertainty >= 1 {
		return fmt.Errorf("evolution.optimal_uncertainty must be in (0, 1)")
	}
	return nil
}

// RunnerConfig controls the continuous loop driver.
type RunnerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	CronSpec      string        `mapstructure:"cron_spec"` // overrides interval when set
	SnapshotEvery int           `mapstructure:"snapshot_every"`
}

func (r RunnerConfig) Validate() error {
	if r.CronSpec == "" && r.Interval <= 0 {
		return fmt.Errorf("runner.interval must be > 0 when no cron_spec is set")
	}
	if r.SnapshotEvery < 1 {
		return fmt.Errorf("runner.snapshot_every must be >= 1")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TrendWindow int    `mapstructure:"trend_window"`
	LogFile     string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.TrendWindow < 2 {
		return fmt.Errorf("telemetry.trend_window must be >= 2")
	}
	return nil
}

// StorageConfig contains persistence settings. The journal is the
// authoritative record; redis and postgres are optional external stores.
type StorageConfig struct {
	Journal  JournalConfig  `mapstructure:"journal"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// JournalConfig controls the line-delimited JSON cycle journal.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

func (j JournalConfig) Validate() error {
	if strings.TrimSpace(j.Dir) == "" {
		return fmt.Errorf("storage.journal.dir required")
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from discrete fields when no URL is set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.max_cycle_time", "5m")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("server.address", ":10020")
	v.SetDefault("generation.provider", "static")
	v.SetDefault("generation.temperature", 0.7)
	v.SetDefault("generation.max_tokens", 2048)
	v.SetDefault("generation.timeout", "45s")
	v.SetDefault("generation.max_retries", 3)
	v.SetDefault("safety.policy_file", "config/safety_policy.yaml")
	v.SetDefault("safety.timeout", "10s")
	v.SetDefault("solver.strategies", []string{"reasoning", "analysis", "creative"})
	v.SetDefault("solver.strategy_timeout", "60s")
	v.SetDefault("solver.max_concurrent", 3)
	v.SetDefault("uncertainty.band_low", 0.3)
	v.SetDefault("uncertainty.band_high", 0.7)
	v.SetDefault("uncertainty.similarity_threshold", 0.82)
	v.SetDefault("curriculum.domains", []string{"programming", "reasoning", "analysis", "safety", "metacognitive"})
	v.SetDefault("curriculum.ema_alpha", 0.2)
	v.SetDefault("curriculum.promote_threshold", 0.7)
	v.SetDefault("curriculum.demote_threshold", 0.3)
	v.SetDefault("curriculum.min_cycles_at_tier", 3)
	v.SetDefault("curriculum.rotation_window", 20)
	v.SetDefault("evolution.learning_rate", 0.05)
	v.SetDefault("evolution.reward_window", 10)
	v.SetDefault("evolution.optimal_uncertainty", 0.5)
	v.SetDefault("evolution.max_delta", 0.25)
	v.SetDefault("runner.interval", "30s")
	v.SetDefault("runner.snapshot_every", 10)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.trend_window", 12)
	v.SetDefault("storage.journal.dir", "data/cycles")
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.postgres.timeout", "5s")
}

// LoadConfig loads config from file and COEVOLVE_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("COEVOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults plus env cover every knob.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.Generation.Validate(); err != nil {
		return err
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if err := c.Solver.Validate(); err != nil {
		return err
	}
	if err := c.Uncertainty.Validate(); err != nil {
		return err
	}
	if err := c.Curriculum.Validate(); err != nil {
		return err
	}
	if err := c.Evolution.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Journal.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	return c.Storage.Postgres.Validate()
}
