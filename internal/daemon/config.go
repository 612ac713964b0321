// Package daemon manages the ktstudio daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/app/batch"
	"github.com/ktstudio/ktstudio/internal/app/retention"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
	"github.com/ktstudio/ktstudio/internal/infra/planner"
	"github.com/ktstudio/ktstudio/internal/infra/scheduler"
)

// Environment overrides applied after the file is decoded.
const (
	EnvHome          = "KTSTUDIO_HOME"
	EnvPlannerAPIKey = "KTSTUDIO_PLANNER_API_KEY"
	EnvBackendURL    = "KTSTUDIO_BACKEND_URL"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Backend   BackendConfig   `toml:"backend"`
	Planner   PlannerConfig   `toml:"planner"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Batch     BatchConfig     `toml:"batch"`
	Defaults  DefaultsConfig  `toml:"defaults"`
	Retention RetentionConfig `toml:"retention"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	Metrics     bool     `toml:"metrics"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig locates the database and the generated assets.
type StorageConfig struct {
	Dir       string `toml:"dir"`
	OutputDir string `toml:"output_dir"`
}

// BackendConfig points at the generation backend.
type BackendConfig struct {
	BaseURL          string `toml:"base_url"`
	WSURL            string `toml:"ws_url"`
	WorkflowsDir     string `toml:"workflows_dir"`
	InterruptTimeout string `toml:"interrupt_timeout"`
	StreamRetries    int    `toml:"stream_retries"`
	StreamRetryWait  string `toml:"stream_retry_wait"`
	HTTPRetries      int    `toml:"http_retries"`
	ReadTimeout      string `toml:"read_timeout"`
	BreakerThreshold int    `toml:"breaker_threshold"` // 0 disables
	BreakerCooldown  string `toml:"breaker_cooldown"`
}

// PlannerConfig points at the OpenAI-compatible prompt service.
type PlannerConfig struct {
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	Timeout  string `toml:"timeout"`
	JSONMode bool   `toml:"json_mode"`
}

// SchedulerConfig tunes the task loop.
type SchedulerConfig struct {
	PollInterval    string `toml:"poll_interval"`
	RefreshInterval string `toml:"refresh_interval"`
	ErrorBackoff    string `toml:"error_backoff"`
}

// TimeoutsConfig is the wall-clock budget per task kind.
type TimeoutsConfig struct {
	Prompt        string `toml:"prompt"`
	BaseImage     string `toml:"base_image"`
	MultiView     string `toml:"multi_view"`
	SceneBase     string `toml:"scene_base"`
	Composite     string `toml:"composite"`
	CompositeStep string `toml:"composite_step"`
	VideoRender   string `toml:"video_render"`
	Story         string `toml:"story"`
}

// BatchConfig tunes the batch supervisor.
type BatchConfig struct {
	PollInterval     string `toml:"poll_interval"`
	PromptTimeout    string `toml:"prompt_timeout"`
	ImageTimeout     string `toml:"image_timeout"`
	ViewsTimeout     string `toml:"views_timeout"`
	CompositeTimeout string `toml:"composite_timeout"`
}

// DefaultsConfig fills payload fields left at zero.
type DefaultsConfig struct {
	Seed        int64 `toml:"seed"`
	Width       int   `toml:"width"`
	Height      int   `toml:"height"`
	VideoWidth  int   `toml:"video_width"`
	VideoHeight int   `toml:"video_height"`
	VideoLength int   `toml:"video_length"`
	VideoFPS    int   `toml:"video_fps"`
}

// RetentionConfig controls pruning of finished tasks and old log rows.
type RetentionConfig struct {
	Schedule string `toml:"schedule"`
	KeepFor  string `toml:"keep_for"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	home := ktstudioHome()
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8600,
			CORSOrigins: []string{"*"},
			Metrics:     true,
		},
		Storage: StorageConfig{
			Dir:       home,
			OutputDir: filepath.Join(home, "output"),
		},
		Backend: BackendConfig{
			BaseURL:          "http://127.0.0.1:8188",
			WorkflowsDir:     filepath.Join(home, "workflows"),
			InterruptTimeout: "2s",
			StreamRetries:    3,
			StreamRetryWait:  "2s",
			HTTPRetries:      2,
			ReadTimeout:      "5s",
			BreakerThreshold: 5,
			BreakerCooldown:  "30s",
		},
		Planner: PlannerConfig{
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-4.1-mini",
			Timeout:  "120s",
			JSONMode: true,
		},
		Scheduler: SchedulerConfig{
			PollInterval:    "2s",
			RefreshInterval: "2s",
			ErrorBackoff:    "5s",
		},
		Timeouts: TimeoutsConfig{
			Prompt:        "5m",
			BaseImage:     "10m",
			MultiView:     "30m",
			SceneBase:     "10m",
			Composite:     "60m",
			CompositeStep: "15m",
			VideoRender:   "60m",
			Story:         "10m",
		},
		Batch: BatchConfig{
			PollInterval:     "2s",
			PromptTimeout:    "300s",
			ImageTimeout:     "600s",
			ViewsTimeout:     "900s",
			CompositeTimeout: "1800s",
		},
		Defaults: DefaultsConfig{
			Width:       512,
			Height:      768,
			VideoWidth:  640,
			VideoHeight: 640,
			VideoLength: 81,
			VideoFPS:    16,
		},
		Retention: RetentionConfig{
			Schedule: "@every 1h",
			KeepFor:  "168h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads config from $KTSTUDIO_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPlannerAPIKey); v != "" {
		c.Planner.APIKey = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.BaseURL = v
		c.Backend.WSURL = ""
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if parseDuration(c.Scheduler.PollInterval, 0) <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval %q must be positive", c.Scheduler.PollInterval))
	}
	if parseDuration(c.Batch.PollInterval, 0) <= 0 {
		errs = append(errs, fmt.Errorf("batch.poll_interval %q must be positive", c.Batch.PollInterval))
	}
	if c.Defaults.Width <= 0 || c.Defaults.Height <= 0 {
		errs = append(errs, fmt.Errorf("defaults.width/height must be positive, got %dx%d", c.Defaults.Width, c.Defaults.Height))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if err := retention.ValidateSchedule(c.Retention.Schedule); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q (want console or json)", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SaveConfig writes the config to $KTSTUDIO_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ─── Component Settings ─────────────────────────────────────────────────────

// ComfyConfig returns the backend client settings.
func (c Config) ComfyConfig() comfy.Config {
	def := comfy.DefaultConfig()
	out := def
	out.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	out.WSURL = c.Backend.WSURL
	out.InterruptTimeout = parseDuration(c.Backend.InterruptTimeout, def.InterruptTimeout)
	out.StreamRetries = c.Backend.StreamRetries
	out.StreamRetryWait = parseDuration(c.Backend.StreamRetryWait, def.StreamRetryWait)
	out.HTTPRetries = c.Backend.HTTPRetries
	out.ReadTimeout = parseDuration(c.Backend.ReadTimeout, def.ReadTimeout)
	out.BreakerThreshold = c.Backend.BreakerThreshold
	out.BreakerCooldown = parseDuration(c.Backend.BreakerCooldown, def.BreakerCooldown)
	return out
}

// PlannerClientConfig returns the planner client settings.
func (c Config) PlannerClientConfig() planner.Config {
	def := planner.DefaultConfig()
	out := def
	out.BaseURL = c.Planner.BaseURL
	out.APIKey = c.Planner.APIKey
	out.Model = c.Planner.Model
	out.Timeout = parseDuration(c.Planner.Timeout, def.Timeout)
	out.JSONMode = c.Planner.JSONMode
	return out
}

// SchedulerConfig returns the scheduler settings, per-kind budgets included.
func (c Config) SchedulerConfig() scheduler.Config {
	def := scheduler.DefaultConfig()
	t := c.Timeouts
	prompt := parseDuration(t.Prompt, def.Timeouts[domain.KindPromptGen])
	return scheduler.Config{
		PollInterval:     parseDuration(c.Scheduler.PollInterval, def.PollInterval),
		RefreshInterval:  parseDuration(c.Scheduler.RefreshInterval, def.RefreshInterval),
		ErrorBackoff:     parseDuration(c.Scheduler.ErrorBackoff, def.ErrorBackoff),
		InterruptTimeout: parseDuration(c.Backend.InterruptTimeout, def.InterruptTimeout),
		Timeouts: map[domain.TaskKind]time.Duration{
			domain.KindPromptGen:      prompt,
			domain.KindScenePrompt:    prompt,
			domain.KindVideoPrompt:    prompt,
			domain.KindBaseImage:      parseDuration(t.BaseImage, def.Timeouts[domain.KindBaseImage]),
			domain.KindSceneBase:      parseDuration(t.SceneBase, def.Timeouts[domain.KindSceneBase]),
			domain.KindMultiView:      parseDuration(t.MultiView, def.Timeouts[domain.KindMultiView]),
			domain.KindSceneComposite: parseDuration(t.Composite, def.Timeouts[domain.KindSceneComposite]),
			domain.KindVideoRender:    parseDuration(t.VideoRender, def.Timeouts[domain.KindVideoRender]),
			domain.KindStoryExtract:   parseDuration(t.Story, def.Timeouts[domain.KindStoryExtract]),
		},
	}
}

// CompositeStepTimeout is the budget of one composite step.
func (c Config) CompositeStepTimeout() time.Duration {
	return parseDuration(c.Timeouts.CompositeStep, 15*time.Minute)
}

// BatchConfig returns the batch supervisor settings.
func (c Config) BatchConfig() batch.Config {
	def := batch.DefaultConfig()
	return batch.Config{
		PollInterval:     parseDuration(c.Batch.PollInterval, def.PollInterval),
		PromptTimeout:    parseDuration(c.Batch.PromptTimeout, def.PromptTimeout),
		ImageTimeout:     parseDuration(c.Batch.ImageTimeout, def.ImageTimeout),
		ViewsTimeout:     parseDuration(c.Batch.ViewsTimeout, def.ViewsTimeout),
		CompositeTimeout: parseDuration(c.Batch.CompositeTimeout, def.CompositeTimeout),
		Seed:             c.Defaults.Seed,
		Width:            c.Defaults.Width,
		Height:           c.Defaults.Height,
	}
}

// AdapterDefaults returns the render defaults handed to the adapters.
func (c Config) AdapterDefaults() adapter.Defaults {
	d := c.Defaults
	return adapter.Defaults{
		Seed:        d.Seed,
		Width:       d.Width,
		Height:      d.Height,
		VideoWidth:  d.VideoWidth,
		VideoHeight: d.VideoHeight,
		VideoLength: d.VideoLength,
		VideoFPS:    d.VideoFPS,
	}
}

// RetentionJobConfig returns the prune job settings.
func (c Config) RetentionJobConfig() retention.Config {
	return retention.Config{
		Schedule: c.Retention.Schedule,
		KeepFor:  parseDuration(c.Retention.KeepFor, 7*24*time.Hour),
	}
}

// parseDuration parses s, returning fallback when s is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ─── Paths ──────────────────────────────────────────────────────────────────

// ConfigPath is the config file location.
func ConfigPath() string {
	return filepath.Join(ktstudioHome(), "config.toml")
}

// ktstudioHome returns the ktstudio data directory.
func ktstudioHome() string {
	if env := os.Getenv(EnvHome); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ktstudio")
}

// Home is exported for use by other packages.
func Home() string {
	return ktstudioHome()
}
