// Package config provides configuration management for mediabuf using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultWantedBufferAhead   = 30 * time.Second
	defaultMaxBufferAhead      = 30 * time.Second
	defaultMaxBufferBehind     = 30 * time.Second
	defaultABRStabilityWindow  = 2 * time.Second
	defaultPreconditionBackoff = 2 * time.Second
	defaultFetchTimeout        = 30 * time.Second
	defaultFetchRetryAttempts  = 3
	defaultFetchRetryDelay     = 1 * time.Second
	defaultServerPort          = 8790
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultStoreDSN            = "mediabuf.db"
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Buffer  BufferConfig  `mapstructure:"buffer"`
	ABR     ABRConfig     `mapstructure:"abr"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// BufferConfig holds segment buffering configuration.
type BufferConfig struct {
	// WantedBufferAhead is the target amount of media to keep buffered
	// ahead of the playhead.
	WantedBufferAhead time.Duration `mapstructure:"wanted_buffer_ahead"`
	// MaxBufferAhead bounds how far ahead of the playhead data is retained.
	MaxBufferAhead time.Duration `mapstructure:"max_buffer_ahead"`
	// MaxBufferBehind bounds how far behind the playhead data is retained.
	MaxBufferBehind time.Duration `mapstructure:"max_buffer_behind"`
	// SkipInitialSeek swallows the first seeking event after load, which
	// corresponds to the initial programmatic seek.
	SkipInitialSeek bool `mapstructure:"skip_initial_seek"`
}

// ABRConfig holds adaptive bitrate configuration.
type ABRConfig struct {
	InitialAudioBitrate int  `mapstructure:"initial_audio_bitrate"`
	InitialVideoBitrate int  `mapstructure:"initial_video_bitrate"`
	MaxAudioBitrate     int  `mapstructure:"max_audio_bitrate"` // -1 = unlimited
	MaxVideoBitrate     int  `mapstructure:"max_video_bitrate"` // -1 = unlimited
	LimitVideoWidth     bool `mapstructure:"limit_video_width"`
	ThrottleWhenHidden  bool `mapstructure:"throttle_when_hidden"`
	// StabilityWindow is the minimum interval since the last switch
	// before an up-switch; down-switches are not delayed.
	StabilityWindow time.Duration `mapstructure:"stability_window"`
}

// FetchConfig holds segment fetching configuration.
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	// PreconditionBackoff is how long to wait before rebuilding the
	// segment pipeline after an HTTP 412.
	PreconditionBackoff time.Duration `mapstructure:"precondition_backoff"`
	UserAgent           string        `mapstructure:"user_agent"`
}

// StoreConfig holds the embedded bandwidth store configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// ServerConfig holds the status endpoint configuration for `mediabuf serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from the given file path (optional), environment
// variables, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mediabuf")
		v.SetConfigType("yaml")
		v.SetConfigName("mediabuf")
	}

	v.SetEnvPrefix("MEDIABUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("buffer.wanted_buffer_ahead", defaultWantedBufferAhead)
	v.SetDefault("buffer.max_buffer_ahead", defaultMaxBufferAhead)
	v.SetDefault("buffer.max_buffer_behind", defaultMaxBufferBehind)
	v.SetDefault("buffer.skip_initial_seek", true)

	v.SetDefault("abr.initial_audio_bitrate", 0)
	v.SetDefault("abr.initial_video_bitrate", 0)
	v.SetDefault("abr.max_audio_bitrate", -1)
	v.SetDefault("abr.max_video_bitrate", -1)
	v.SetDefault("abr.limit_video_width", false)
	v.SetDefault("abr.throttle_when_hidden", false)
	v.SetDefault("abr.stability_window", defaultABRStabilityWindow)

	v.SetDefault("fetch.timeout", defaultFetchTimeout)
	v.SetDefault("fetch.retry_attempts", defaultFetchRetryAttempts)
	v.SetDefault("fetch.retry_delay", defaultFetchRetryDelay)
	v.SetDefault("fetch.precondition_backoff", defaultPreconditionBackoff)
	v.SetDefault("fetch.user_agent", "")

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.dsn", defaultStoreDSN)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}

	if c.Buffer.WantedBufferAhead <= 0 {
		return errors.New("buffer.wanted_buffer_ahead must be positive")
	}
	if c.Buffer.MaxBufferAhead < c.Buffer.WantedBufferAhead {
		return errors.New("buffer.max_buffer_ahead must be >= buffer.wanted_buffer_ahead")
	}
	if c.Buffer.MaxBufferBehind < 0 {
		return errors.New("buffer.max_buffer_behind must not be negative")
	}

	if c.ABR.MaxAudioBitrate < -1 || c.ABR.MaxVideoBitrate < -1 {
		return errors.New("abr max bitrates must be -1 (unlimited) or >= 0")
	}
	if c.ABR.StabilityWindow < 0 {
		return errors.New("abr.stability_window must not be negative")
	}

	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be positive")
	}
	if c.Fetch.RetryAttempts < 0 {
		return errors.New("fetch.retry_attempts must not be negative")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}

	if c.Store.Enabled && c.Store.DSN == "" {
		return errors.New("store.dsn must be set when store.enabled")
	}

	return nil
}
