package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds the runtime settings of patrol-tasks
type Config struct {
	DataDir     string  `env:"PATROL_TASKS_DATA"`
	Port        int     `env:"PATROL_TASKS_PORT" envDefault:"8080"`
	LogLevel    string  `env:"PATROL_TASKS_LOG_LEVEL" envDefault:"info"`
	LogJSON     bool    `env:"PATROL_TASKS_LOG_JSON" envDefault:"false"`
	LogFile     bool    `env:"PATROL_TASKS_LOG_FILE" envDefault:"false"`
	MatchRadius float64 `env:"PATROL_TASKS_MATCH_RADIUS" envDefault:"50"`
	DefaultTZ   string  `env:"PATROL_TASKS_DEFAULT_TZ" envDefault:"UTC"`
	SweepCron   string  `env:"PATROL_TASKS_SWEEP_CRON" envDefault:"0 */5 * * * *"`
	CORSOrigins string  `env:"PATROL_TASKS_CORS_ORIGINS" envDefault:"*"`
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory and one from the data directory if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".patrol-tasks")
	}

	// values already set in the environment win over the data dir file
	if err := godotenv.Load(filepath.Join(cfg.DataDir, ".env")); err == nil {
		if err := env.Parse(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MatchRadius <= 0 {
		return fmt.Errorf("invalid match radius %v", c.MatchRadius)
	}
	if _, err := time.LoadLocation(c.DefaultTZ); err != nil {
		return fmt.Errorf("invalid default time zone %q: %w", c.DefaultTZ, err)
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.SweepCron); err != nil {
		return fmt.Errorf("invalid sweep cron %q: %w", c.SweepCron, err)
	}
	return nil
}

// Location returns the default zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DBPath returns the sqlite database path
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "patrol-tasks.db")
}

// LogPath returns the log file path
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "patrol-tasks.log")
}
