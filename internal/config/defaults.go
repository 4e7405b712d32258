package config

import (
	"time"

	"github.com/lectern-ai/lectern/internal/providers"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Store    StoreConfig      `mapstructure:"store"`
	Worker   WorkerConfig     `mapstructure:"worker"`
	Quota    QuotaConfig      `mapstructure:"quota"`
	Driver   DriverConfig     `mapstructure:"driver"`
	Provider providers.Config `mapstructure:"provider"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`

	// AuthToken, when set, is required as a bearer token on /api/ routes.
	AuthToken string `mapstructure:"auth_token"`
}

// StoreConfig holds job store settings.
type StoreConfig struct {
	// Path to the SQLite database file. Empty means <home>/data/lectern.db.
	Path string `mapstructure:"path"`
}

// WorkerConfig holds step executor settings.
type WorkerConfig struct {
	// MaxAttempts is the retry budget before a failing job is moved to
	// dead_letter.
	MaxAttempts int `mapstructure:"max_attempts"`

	// StaleAfter is how long a processing job may go unreported before it is
	// presumed crashed.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// QuotaConfig holds the default admission ceilings applied to users without
// a stored quota record.
type QuotaConfig struct {
	HourlyLimit int `mapstructure:"hourly_limit"`
	DailyLimit  int `mapstructure:"daily_limit"`
}

// DriverConfig holds drive-loop settings.
type DriverConfig struct {
	// PollInterval is the delay between job status polls.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// SectionTimeout bounds the wait for one section job to finish.
	SectionTimeout time.Duration `mapstructure:"section_timeout"`

	// ChapterTimeout bounds one full chapter drive. A client-side safety
	// net, independent of any server-side limits.
	ChapterTimeout time.Duration `mapstructure:"chapter_timeout"`

	// MaxChapters caps how many chapter hops a book drive will follow.
	MaxChapters int `mapstructure:"max_chapters"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Worker: WorkerConfig{
			MaxAttempts: 3,
			StaleAfter:  30 * time.Minute,
		},
		Quota: QuotaConfig{
			HourlyLimit: 10,
			DailyLimit:  50,
		},
		Driver: DriverConfig{
			PollInterval:   1500 * time.Millisecond,
			SectionTimeout: 30 * time.Minute,
			ChapterTimeout: 2 * time.Hour,
			MaxChapters:    64,
		},
		Provider: providers.Config{
			Name:      "openai",
			Model:     "gpt-4o",
			MaxTokens: 4096,
		},
	}
}
