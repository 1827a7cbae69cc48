package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petems/micrec/internal/audio"
	"github.com/petems/micrec/internal/encoder"
)

const (
	DefaultBufferSize    = 4096
	DefaultQueueDepth    = 64
	DefaultFinishTimeout = 30 * time.Second
	DefaultInitTimeout   = 10 * time.Second
)

type Config struct {
	LogLevel string      `yaml:"log_level"`
	Audio    AudioConfig `yaml:"audio"`
	Recorder Recorder    `yaml:"recorder"`
	// OutputDir is where the CLI writes recordings when no path is given.
	OutputDir string `yaml:"output_dir"`
	// MetricsAddr serves Prometheus metrics while the CLI runs. Empty disables.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

type AudioConfig struct {
	Backend  string `yaml:"backend"` // "auto", "portaudio" or "malgo"
	DeviceID string `yaml:"device_id"`
}

// Recorder configures one recording session.
type Recorder struct {
	SampleRate int `yaml:"sample_rate"` // 0 uses the device rate
	Channels   int `yaml:"channels"`
	BufferSize int `yaml:"buffer_size"` // samples per channel per frame

	// TimeLimit finishes the recording automatically. Nil means no limit;
	// zero finishes on the first frame.
	TimeLimit        *time.Duration `yaml:"time_limit,omitempty"`
	ProgressInterval time.Duration  `yaml:"progress_interval"` // 0 disables progress

	UseWorkerOffload bool           `yaml:"use_worker_offload"`
	Format           string         `yaml:"format"` // "wav", "mp3" or "ogg"
	Codecs           CodecLocations `yaml:"codecs"`

	FinishTimeout time.Duration `yaml:"finish_timeout"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	QueueDepth    int           `yaml:"queue_depth"`
}

// CodecLocations names the codec used for each compressed format.
type CodecLocations struct {
	MP3 string `yaml:"mp3"`
	OGG string `yaml:"ogg"`
}

// For returns the codec location configured for kind.
func (c CodecLocations) For(kind encoder.Kind) string {
	switch kind {
	case encoder.KindMP3:
		return c.MP3
	case encoder.KindOGG:
		return c.OGG
	default:
		return ""
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			Backend: audio.BackendAuto,
		},
		Recorder:  DefaultRecorder(),
		OutputDir: ".",
	}
}

// DefaultRecorder returns recorder defaults: mono WAV at the device rate.
func DefaultRecorder() Recorder {
	return Recorder{
		Channels:         1,
		BufferSize:       DefaultBufferSize,
		UseWorkerOffload: true,
		Format:           string(encoder.KindWAV),
		Codecs: CodecLocations{
			MP3: encoder.DefaultCodecLocation(encoder.KindMP3),
			OGG: encoder.DefaultCodecLocation(encoder.KindOGG),
		},
		FinishTimeout: DefaultFinishTimeout,
		InitTimeout:   DefaultInitTimeout,
		QueueDepth:    DefaultQueueDepth,
	}
}

// Validate normalizes r in place. Channels are clamped into {1, 2} and zero
// sizes and timeouts take their defaults; a negative time limit or an unknown
// format is an error.
func (r *Recorder) Validate() error {
	var errs []error

	switch {
	case r.Channels < 1:
		r.Channels = 1
	case r.Channels > 2:
		r.Channels = 2
	}
	if r.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("sample_rate must not be negative, got %d", r.SampleRate))
	}
	if r.BufferSize <= 0 {
		r.BufferSize = DefaultBufferSize
	}
	if r.QueueDepth <= 0 {
		r.QueueDepth = DefaultQueueDepth
	}
	if r.FinishTimeout <= 0 {
		r.FinishTimeout = DefaultFinishTimeout
	}
	if r.InitTimeout <= 0 {
		r.InitTimeout = DefaultInitTimeout
	}
	if r.TimeLimit != nil && *r.TimeLimit < 0 {
		errs = append(errs, fmt.Errorf("time_limit must not be negative, got %s", *r.TimeLimit))
	}
	if r.ProgressInterval < 0 {
		errs = append(errs, fmt.Errorf("progress_interval must not be negative, got %s", r.ProgressInterval))
	}
	if _, err := encoder.ParseKind(r.Format); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Kind returns the parsed output format.
func (r Recorder) Kind() (encoder.Kind, error) {
	return encoder.ParseKind(r.Format)
}

// Validate checks the whole file.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Audio.Backend) {
	case "", audio.BackendAuto, audio.BackendPortAudio, audio.BackendMalgo:
	default:
		errs = append(errs, fmt.Errorf("unknown audio backend %q", c.Audio.Backend))
	}
	if err := c.Recorder.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Load reads the config from the platform path or returns defaults.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the config at path. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to the platform path.
func (c *Config) Save() error {
	return c.SaveTo(Path())
}

// SaveTo writes the config to path, creating parent directories.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the platform-specific config file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "micrec", "config.yaml")
}
