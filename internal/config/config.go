package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "VAI_VOICE"

const (
	ArchiveSQLite   = "sqlite"
	ArchivePostgres = "postgres"
	ArchiveNone     = "none"
)

type Config struct {
	ServerURL string
	APIKey    string
	Device    string
	LogLevel  string

	ToolTimeout       time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	// ReadTimeout must exceed PingInterval so pongs keep the deadline fresh.
	// Zero disables it.
	ReadTimeout       time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int

	// ArchiveDriver is sqlite, postgres or none. An empty sqlite DSN resolves
	// to archive.db under the user config directory.
	ArchiveDriver string
	ArchiveDSN    string

	// StatusAddr enables the local status API when non-empty.
	StatusAddr string

	MicSampleRate int
}

type LoadOptions struct {
	// ConfigFile is an optional TOML/YAML/JSON file. Environment wins over it.
	ConfigFile string
	// EnvFile defaults to ".env"; a missing default file is not an error.
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("device", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("tool_timeout", 10*time.Second)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 5*time.Second)
	v.SetDefault("ping_interval", 20*time.Second)
	v.SetDefault("read_timeout", 60*time.Second)
	v.SetDefault("max_message_bytes", 1<<20)
	v.SetDefault("outbound_queue_size", 256)
	v.SetDefault("archive_driver", ArchiveSQLite)
	v.SetDefault("archive_dsn", "")
	v.SetDefault("status_addr", "")
	v.SetDefault("mic_sample_rate", 16000)
}

// Load reads .env, the optional config file and VAI_VOICE_* variables, then
// validates the result.
func Load(opts LoadOptions) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if opts.EnvFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ServerURL:         strings.TrimSpace(v.GetString("server_url")),
		APIKey:            strings.TrimSpace(v.GetString("api_key")),
		Device:            strings.TrimSpace(v.GetString("device")),
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		ToolTimeout:       v.GetDuration("tool_timeout"),
		ConnectTimeout:    v.GetDuration("connect_timeout"),
		WriteTimeout:      v.GetDuration("write_timeout"),
		PingInterval:      v.GetDuration("ping_interval"),
		ReadTimeout:       v.GetDuration("read_timeout"),
		MaxMessageBytes:   v.GetInt64("max_message_bytes"),
		OutboundQueueSize: v.GetInt("outbound_queue_size"),
		ArchiveDriver:     strings.ToLower(strings.TrimSpace(v.GetString("archive_driver"))),
		ArchiveDSN:        strings.TrimSpace(v.GetString("archive_dsn")),
		StatusAddr:        strings.TrimSpace(v.GetString("status_addr")),
		MicSampleRate:     v.GetInt("mic_sample_rate"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.ArchiveDriver == ArchiveSQLite && cfg.ArchiveDSN == "" {
		path, err := DefaultArchivePath()
		if err != nil {
			return Config{}, err
		}
		cfg.ArchiveDSN = path
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s_LOG_LEVEL must be one of debug|info|warn|error", EnvPrefix)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("%s_TOOL_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%s_CONNECT_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s_WRITE_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("%s_PING_INTERVAL must be > 0", EnvPrefix)
	}
	if c.ReadTimeout < 0 || (c.ReadTimeout > 0 && c.ReadTimeout <= c.PingInterval) {
		return fmt.Errorf("%s_READ_TIMEOUT must be 0 or greater than %s_PING_INTERVAL", EnvPrefix, EnvPrefix)
	}
	if c.MaxMessageBytes < 0 {
		return fmt.Errorf("%s_MAX_MESSAGE_BYTES must be >= 0", EnvPrefix)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("%s_OUTBOUND_QUEUE_SIZE must be > 0", EnvPrefix)
	}
	if c.MicSampleRate <= 0 {
		return fmt.Errorf("%s_MIC_SAMPLE_RATE must be > 0", EnvPrefix)
	}
	switch c.ArchiveDriver {
	case ArchiveSQLite, ArchiveNone:
	case ArchivePostgres:
		if c.ArchiveDSN == "" {
			return fmt.Errorf("%s_ARCHIVE_DSN must be set when %s_ARCHIVE_DRIVER=postgres", EnvPrefix, EnvPrefix)
		}
	default:
		return fmt.Errorf("%s_ARCHIVE_DRIVER must be one of sqlite|postgres|none", EnvPrefix)
	}
	return nil
}

// RequireServer checks the settings needed to open a live connection.
func (c Config) RequireServer() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%s_SERVER_URL must be set", EnvPrefix)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("%s_SERVER_URL is invalid: %w", EnvPrefix, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%s_SERVER_URL must use ws, wss, http or https", EnvPrefix)
	}
	if u.Host == "" {
		return fmt.Errorf("%s_SERVER_URL must include a host", EnvPrefix)
	}
	return nil
}

func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func DefaultArchivePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, "vai-voice", "archive.db"), nil
}
