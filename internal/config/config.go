// Package config loads the callstream CLI configuration: defaults, then an
// optional TOML file, then environment overrides. Flags are applied by the
// caller on top of the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vango-go/callstream/pkg/reconnect"
)

const (
	EnvServer    = "CALLSTREAM_SERVER"
	EnvAPIToken  = "CALLSTREAM_API_TOKEN"
	EnvLogLevel  = "CALLSTREAM_LOG_LEVEL"
	EnvLogFormat = "CALLSTREAM_LOG_FORMAT"
	EnvMetrics   = "CALLSTREAM_METRICS_ADDR"
)

type Config struct {
	Server   string
	APIToken string
	// Mode is "stream" or "monitor".
	Mode   string
	Target string

	LogLevel  string
	LogFormat string
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string

	BootstrapRetries int
	ConnectTimeout   time.Duration
	StartCallDelay   time.Duration

	Reconnect reconnect.Policy
	Audio     AudioConfig
}

// AudioConfig drives the ffmpeg capture and ffplay playback devices.
type AudioConfig struct {
	TargetRate  int
	InputRate   int
	BlockSize   int
	FFmpegPath  string
	FFplayPath  string
	InputFormat string
	InputDevice string
}

func DefaultConfig() Config {
	return Config{
		Mode:             "monitor",
		LogLevel:         "info",
		LogFormat:        "console",
		BootstrapRetries: 0,
		ConnectTimeout:   10 * time.Second,
		StartCallDelay:   100 * time.Millisecond,
		Reconnect:        reconnect.DefaultPolicy(),
		Audio: AudioConfig{
			TargetRate: 8000,
			InputRate:  48000,
			BlockSize:  1024,
			FFmpegPath: "ffmpeg",
			FFplayPath: "ffplay",
		},
	}
}

type fileConfig struct {
	Server           string `toml:"server"`
	APIToken         string `toml:"api_token"`
	Mode             string `toml:"mode"`
	Target           string `toml:"target"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`
	MetricsAddr      string `toml:"metrics_addr"`
	BootstrapRetries int    `toml:"bootstrap_retries"`
	ConnectTimeout   string `toml:"connect_timeout"`
	StartCallDelay   string `toml:"start_call_delay"`

	Reconnect struct {
		Enabled      bool    `toml:"enabled"`
		MaxAttempts  int     `toml:"max_attempts"`
		InitialDelay string  `toml:"initial_delay"`
		MaxDelay     string  `toml:"max_delay"`
		Factor       float64 `toml:"factor"`
	} `toml:"reconnect"`

	Audio struct {
		TargetRate  int    `toml:"target_rate"`
		InputRate   int    `toml:"input_rate"`
		BlockSize   int    `toml:"block_size"`
		FFmpegPath  string `toml:"ffmpeg_path"`
		FFplayPath  string `toml:"ffplay_path"`
		InputFormat string `toml:"input_format"`
		InputDevice string `toml:"input_device"`
	} `toml:"audio"`
}

// Load returns DefaultConfig overlaid with the TOML file at path (skipped
// when path is empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %q: unknown key %q", path, undecoded[0].String())
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setDuration := func(dst *time.Duration, v string, keys ...string) error {
		if !meta.IsDefined(keys...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(keys, "."), err)
		}
		*dst = d
		return nil
	}

	setString("server", &cfg.Server, raw.Server)
	setString("api_token", &cfg.APIToken, raw.APIToken)
	setString("mode", &cfg.Mode, raw.Mode)
	setString("target", &cfg.Target, raw.Target)
	setString("log_level", &cfg.LogLevel, raw.LogLevel)
	setString("log_format", &cfg.LogFormat, raw.LogFormat)
	setString("metrics_addr", &cfg.MetricsAddr, raw.MetricsAddr)
	if meta.IsDefined("bootstrap_retries") {
		cfg.BootstrapRetries = raw.BootstrapRetries
	}
	if err := setDuration(&cfg.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.StartCallDelay, raw.StartCallDelay, "start_call_delay"); err != nil {
		return err
	}

	if meta.IsDefined("reconnect", "enabled") {
		cfg.Reconnect.Enabled = raw.Reconnect.Enabled
	}
	if meta.IsDefined("reconnect", "max_attempts") {
		cfg.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}
	if err := setDuration(&cfg.Reconnect.InitialDelay, raw.Reconnect.InitialDelay, "reconnect", "initial_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reconnect.MaxDelay, raw.Reconnect.MaxDelay, "reconnect", "max_delay"); err != nil {
		return err
	}
	if meta.IsDefined("reconnect", "factor") {
		cfg.Reconnect.Factor = raw.Reconnect.Factor
	}

	if meta.IsDefined("audio", "target_rate") {
		cfg.Audio.TargetRate = raw.Audio.TargetRate
	}
	if meta.IsDefined("audio", "input_rate") {
		cfg.Audio.InputRate = raw.Audio.InputRate
	}
	if meta.IsDefined("audio", "block_size") {
		cfg.Audio.BlockSize = raw.Audio.BlockSize
	}
	if meta.IsDefined("audio", "ffmpeg_path") {
		cfg.Audio.FFmpegPath = strings.TrimSpace(raw.Audio.FFmpegPath)
	}
	if meta.IsDefined("audio", "ffplay_path") {
		cfg.Audio.FFplayPath = strings.TrimSpace(raw.Audio.FFplayPath)
	}
	if meta.IsDefined("audio", "input_format") {
		cfg.Audio.InputFormat = strings.TrimSpace(raw.Audio.InputFormat)
	}
	if meta.IsDefined("audio", "input_device") {
		cfg.Audio.InputDevice = strings.TrimSpace(raw.Audio.InputDevice)
	}
	return nil
}

// ApplyEnv overrides cfg with the CALLSTREAM_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.Server = envOr(EnvServer, cfg.Server)
	cfg.APIToken = envOr(EnvAPIToken, cfg.APIToken)
	cfg.LogLevel = envOr(EnvLogLevel, cfg.LogLevel)
	cfg.LogFormat = envOr(EnvLogFormat, cfg.LogFormat)
	cfg.MetricsAddr = envOr(EnvMetrics, cfg.MetricsAddr)
	cfg.BootstrapRetries = envIntOr("CALLSTREAM_BOOTSTRAP_RETRIES", cfg.BootstrapRetries)
	cfg.Reconnect.Enabled = envBoolOr("CALLSTREAM_RECONNECT", cfg.Reconnect.Enabled)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("server url is required (set -server or %s)", EnvServer)
	}
	switch c.Mode {
	case "stream", "monitor":
	default:
		return fmt.Errorf("mode must be one of stream|monitor, got %q", c.Mode)
	}
	if strings.TrimSpace(c.Target) == "" {
		return fmt.Errorf("target is required (assistant id in stream mode, call sid in monitor mode)")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be one of console|json, got %q", c.LogFormat)
	}
	if c.BootstrapRetries < 0 {
		return fmt.Errorf("bootstrap retries must be >= 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be > 0")
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	if c.Mode == "stream" {
		if c.Audio.TargetRate <= 0 || c.Audio.InputRate <= 0 || c.Audio.BlockSize <= 0 {
			return fmt.Errorf("audio rates and block size must be > 0")
		}
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
