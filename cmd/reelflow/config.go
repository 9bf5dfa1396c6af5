package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/reelflow/internal/pipeline"
)

const envPrefix = "REELFLOW"

// Config holds all reelflow configuration.
// Priority: flags > REELFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	DBPath         string        `mapstructure:"db_path"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	PoolSize       int           `mapstructure:"pool_size"`
	OutputDir      string        `mapstructure:"output_dir"`
	WorkDir        string        `mapstructure:"work_dir"`
	FFmpegPath     string        `mapstructure:"ffmpeg_path"`
	FFmpegTimeout  time.Duration `mapstructure:"ffmpeg_timeout"`
	OutputNameExpr string        `mapstructure:"output_name_expr"`

	Render struct {
		URL            string        `mapstructure:"url"`
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		ImageTimeout   time.Duration `mapstructure:"image_timeout"`
		VideoTimeout   time.Duration `mapstructure:"video_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"` // response headers only
	} `mapstructure:"render"`

	AI struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ai"`

	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"breaker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(reelflowDir(), "reelflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("tick_interval", 60*time.Second)
	v.SetDefault("pool_size", 4)
	v.SetDefault("output_dir", filepath.Join(reelflowDir(), "output"))
	v.SetDefault("work_dir", "")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffmpeg_timeout", pipeline.DefaultMuxTimeout)
	v.SetDefault("output_name_expr", pipeline.DefaultOutputNameExpr)

	v.SetDefault("render.url", "http://127.0.0.1:8188")
	v.SetDefault("render.poll_interval", 2*time.Second)
	v.SetDefault("render.image_timeout", 5*time.Minute)
	v.SetDefault("render.video_timeout", 10*time.Minute)
	v.SetDefault("render.request_timeout", 30*time.Second)

	v.SetDefault("ai.url", "http://127.0.0.1:5000")
	v.SetDefault("ai.timeout", 2*time.Minute)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", 2*time.Minute)
}

func reelflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reelflow"
	}
	return filepath.Join(home, ".reelflow")
}

func settingsPath() string {
	return filepath.Join(reelflowDir(), "settings.yaml")
}

// newViper returns a viper instance with defaults and env binding. Nested
// keys map to env vars with dots replaced, e.g. render.url -> REELFLOW_RENDER_URL.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads path (settings.yaml when empty) into v and decodes the
// merged result. A missing file is not an error.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = settingsPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// validateServe checks the settings a long-running server depends on.
func (c *Config) validateServe() error {
	var problems []string
	if c.TickInterval <= 0 {
		problems = append(problems, "tick_interval must be positive")
	}
	if c.PoolSize < 0 {
		problems = append(problems, "pool_size must be >= 0")
	}
	if c.Render.URL == "" {
		problems = append(problems, "render.url is required")
	}
	if c.AI.URL == "" {
		problems = append(problems, "ai.url is required")
	}
	if c.OutputDir == "" {
		problems = append(problems, "output_dir is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new *Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.TickInterval != new.TickInterval {
		d.RestartNeeded = append(d.RestartNeeded, "tick_interval")
	}
	if old.Render != new.Render {
		d.RestartNeeded = append(d.RestartNeeded, "render")
	}
	if old.AI != new.AI {
		d.RestartNeeded = append(d.RestartNeeded, "ai")
	}
	if old.OutputDir != new.OutputDir || old.WorkDir != new.WorkDir || old.OutputNameExpr != new.OutputNameExpr ||
		old.FFmpegPath != new.FFmpegPath || old.FFmpegTimeout != new.FFmpegTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "output")
	}
	return d
}

// dbURI turns a plain path into the file URI libSQL expects.
func dbURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}
