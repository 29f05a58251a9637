package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "STEMDECK"

type Config struct {
	Separation SeparationConfig `mapstructure:"separation" yaml:"separation"`
	Preload    PreloadConfig    `mapstructure:"preload" yaml:"preload"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Audio      AudioConfig      `mapstructure:"audio" yaml:"audio"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`

	// Profile is the name of the profile merged over the base settings, if any.
	Profile string `mapstructure:"-" yaml:"-"`
}

type SeparationConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type PreloadConfig struct {
	Watchdog time.Duration `mapstructure:"watchdog" yaml:"watchdog"`
}

// TransportConfig holds the timing constants of the playback engine.
type TransportConfig struct {
	DriftTolerance     time.Duration `mapstructure:"drift_tolerance" yaml:"drift_tolerance"`
	PlaySettle         time.Duration `mapstructure:"play_settle" yaml:"play_settle"`
	SeekPauseSettle    time.Duration `mapstructure:"seek_pause_settle" yaml:"seek_pause_settle"`
	SeekCommitSettle   time.Duration `mapstructure:"seek_commit_settle" yaml:"seek_commit_settle"`
	TimeUpdateInterval time.Duration `mapstructure:"time_update_interval" yaml:"time_update_interval"`
}

type AudioConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"` // "beep", "simulated"
	SampleRate int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Buffer     time.Duration `mapstructure:"buffer" yaml:"buffer"`
}

type OutputConfig struct {
	Directory    string `mapstructure:"directory" yaml:"directory"`
	OriginalName string `mapstructure:"original_name" yaml:"original_name"`
}

type StorageConfig struct {
	GoogleCredentialsFile string `mapstructure:"google_credentials_file" yaml:"google_credentials_file"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

func Default() Config {
	return Config{
		Separation: SeparationConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 5 * time.Minute,
		},
		Preload: PreloadConfig{
			Watchdog: 60 * time.Second,
		},
		Transport: TransportConfig{
			DriftTolerance:     100 * time.Millisecond,
			PlaySettle:         50 * time.Millisecond,
			SeekPauseSettle:    50 * time.Millisecond,
			SeekCommitSettle:   100 * time.Millisecond,
			TimeUpdateInterval: 100 * time.Millisecond,
		},
		Audio: AudioConfig{
			Backend:    "beep",
			SampleRate: 44100,
			Buffer:     100 * time.Millisecond,
		},
		Output: OutputConfig{
			Directory:    filepath.Join(os.Getenv("HOME"), "Audio", "StemDeck"),
			OriginalName: "track",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("separation.base_url", d.Separation.BaseURL)
	v.SetDefault("separation.timeout", d.Separation.Timeout)
	v.SetDefault("preload.watchdog", d.Preload.Watchdog)
	v.SetDefault("transport.drift_tolerance", d.Transport.DriftTolerance)
	v.SetDefault("transport.play_settle", d.Transport.PlaySettle)
	v.SetDefault("transport.seek_pause_settle", d.Transport.SeekPauseSettle)
	v.SetDefault("transport.seek_commit_settle", d.Transport.SeekCommitSettle)
	v.SetDefault("transport.time_update_interval", d.Transport.TimeUpdateInterval)
	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.buffer", d.Audio.Buffer)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.original_name", d.Output.OriginalName)
	v.SetDefault("storage.google_credentials_file", d.Storage.GoogleCredentialsFile)
	v.SetDefault("server.port", d.Server.Port)
}

// Load reads configFile (optional) and applies environment overrides.
func Load(configFile string) (*Config, error) {
	return LoadWithProfile(configFile, "")
}

// LoadWithProfile reads configFile, merges the named profile from its
// "profiles" section over the base settings and applies STEMDECK_* environment
// overrides. An empty profile falls back to "active_profile" from the file.
// An empty configFile yields defaults plus environment overrides.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	if profile == "" {
		profile = v.GetString("active_profile")
	}
	if profile != "" {
		sub := v.Sub("profiles." + profile)
		if sub == nil {
			return nil, fmt.Errorf("configuration profile '%s' not found", profile)
		}
		if err := v.MergeConfigMap(sub.AllSettings()); err != nil {
			return nil, fmt.Errorf("error merging profile '%s': %w", profile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Profile = profile

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Storage.GoogleCredentialsFile = expandPath(cfg.Storage.GoogleCredentialsFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Profiles lists the profile names defined in configFile, sorted.
func Profiles(configFile string) ([]string, error) {
	if configFile == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	names := make([]string, 0)
	for name := range v.GetStringMap("profiles") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Validate checks every section and names the offending key on failure.
func (c *Config) Validate() error {
	if c.Separation.BaseURL != "" {
		u, err := url.Parse(c.Separation.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("separation.base_url must be an http(s) URL, got: %s", c.Separation.BaseURL)
		}
	}
	if c.Separation.Timeout <= 0 {
		return fmt.Errorf("separation.timeout must be positive, got: %s", c.Separation.Timeout)
	}
	if c.Preload.Watchdog <= 0 {
		return fmt.Errorf("preload.watchdog must be positive, got: %s", c.Preload.Watchdog)
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"transport.drift_tolerance", c.Transport.DriftTolerance},
		{"transport.play_settle", c.Transport.PlaySettle},
		{"transport.seek_pause_settle", c.Transport.SeekPauseSettle},
		{"transport.seek_commit_settle", c.Transport.SeekCommitSettle},
		{"transport.time_update_interval", c.Transport.TimeUpdateInterval},
	}
	for _, d := range durations {
		if d.val < 0 {
			return fmt.Errorf("%s must not be negative, got: %s", d.key, d.val)
		}
	}

	switch strings.ToLower(c.Audio.Backend) {
	case "beep", "simulated":
		c.Audio.Backend = strings.ToLower(c.Audio.Backend)
	default:
		return fmt.Errorf("audio.backend must be 'beep' or 'simulated', got: %s", c.Audio.Backend)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate must be between 8000 and 192000, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Buffer <= 0 {
		return fmt.Errorf("audio.buffer must be positive, got: %s", c.Audio.Buffer)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.OriginalName == "" {
		return fmt.Errorf("output.original_name is required")
	}
	if strings.ContainsAny(c.Output.OriginalName, `/\`) {
		return fmt.Errorf("output.original_name must not contain path separators, got: %s", c.Output.OriginalName)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
