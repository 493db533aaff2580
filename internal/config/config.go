// ABOUTME: Daemon configuration loaded through viper
// ABOUTME: Defaults live in code; an optional YAML/TOML/JSON file overrides them
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/dsp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
	Lock     LockConfig     `mapstructure:"lock"`
	Output   OutputConfig   `mapstructure:"output"`
	Local    LocalConfig    `mapstructure:"local"`
	DLNA     DLNAConfig     `mapstructure:"dlna"`
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	DSP      dsp.Settings   `mapstructure:"dsp"`
}

type APIConfig struct {
	Bind string `mapstructure:"bind"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type LockConfig struct {
	File string `mapstructure:"file"`
}

// OutputConfig is the route selected at startup. An empty name starts
// the daemon with no active sink.
type OutputConfig struct {
	Name       string `mapstructure:"name"`
	Device     string `mapstructure:"device"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	Format     string `mapstructure:"format"`
	BufferMs   int    `mapstructure:"buffer_ms"`
	Exclusive  bool   `mapstructure:"exclusive"`
}

type LocalConfig struct {
	Backend string `mapstructure:"backend"`
}

type DLNAConfig struct {
	Bind             string        `mapstructure:"bind"`
	AdvertiseHost    string        `mapstructure:"advertise_host"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
}

type ReceiverConfig struct {
	ClientName       string        `mapstructure:"client_name"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	ControlTimeout   time.Duration `mapstructure:"control_timeout"`
	VolumeCurve      string        `mapstructure:"volume_curve"`
}

type CaptureConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.bind", "127.0.0.1:8787")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "resonate-eq.log")
	v.SetDefault("lock.file", "resonate-eq.pid")
	v.SetDefault("output.name", "")
	v.SetDefault("output.device", "")
	v.SetDefault("output.sample_rate", 48000)
	v.SetDefault("output.channels", 2)
	v.SetDefault("output.format", "F32")
	v.SetDefault("output.buffer_ms", 150)
	v.SetDefault("output.exclusive", false)
	v.SetDefault("local.backend", "malgo")
	v.SetDefault("dlna.bind", "0.0.0.0:8790")
	v.SetDefault("dlna.advertise_host", "")
	v.SetDefault("dlna.discovery_timeout", 3*time.Second)
	v.SetDefault("receiver.client_name", "Resonate EQ")
	v.SetDefault("receiver.discovery_timeout", 3*time.Second)
	v.SetDefault("receiver.control_timeout", 5*time.Second)
	v.SetDefault("receiver.volume_curve", "logarithmic")
	v.SetDefault("capture.path", "capture.wav")
}

// Load reads path (if non-empty and present) over the built-in defaults.
// A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			logrus.WithField("component", "config").Infof("No config file at %s, using defaults", path)
		}
	}

	cfg := Config{DSP: dsp.DefaultSettings()}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values viper cannot type-check
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Local.Backend != "malgo" && c.Local.Backend != "oto" {
		return fmt.Errorf("local.backend: unknown backend %q", c.Local.Backend)
	}
	if _, err := audio.ParseSampleFormat(c.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	if err := c.DSP.Validate(); err != nil {
		return fmt.Errorf("dsp: %w", err)
	}
	return nil
}

// AudioConfig converts the output section into a sink config
func (c Config) AudioConfig() (audio.OutputConfig, error) {
	format, err := audio.ParseSampleFormat(c.Output.Format)
	if err != nil {
		return audio.OutputConfig{}, err
	}
	cfg := audio.OutputConfig{
		SampleRate: c.Output.SampleRate,
		Channels:   c.Output.Channels,
		Format:     format,
		BufferMs:   c.Output.BufferMs,
		Exclusive:  c.Output.Exclusive,
	}
	return cfg, cfg.Validate()
}
