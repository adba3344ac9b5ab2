package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/voicebridge/internal/domain"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	// Token, Conference and User let the bridge initialize and join on its
	// own; all three are optional.
	Token      string `mapstructure:"token"`
	Conference string `mapstructure:"conference"`
	User       string `mapstructure:"user"`

	SignalURL       string        `mapstructure:"signal_url"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	SpatialInterval time.Duration `mapstructure:"spatial_interval"`
	SpatialLimit    int           `mapstructure:"spatial_limit"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`

	// SDKDir holds the backend's native modules; empty skips loading them.
	SDKDir  string              `mapstructure:"sdk_dir"`
	Modules map[string][]string `mapstructure:"modules"`

	Devices []domain.Device `mapstructure:"devices"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, CONFIG_ENV defaulting to dev.
// A missing file leaves the defaults in place.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("spatial_interval", "100ms")
	v.SetDefault("spatial_limit", 20)
	v.SetDefault("command_timeout", "10s")
	v.SetDefault("modules", DefaultModules)
	v.SetDefault("devices", []map[string]any{
		{"id": "default-input", "name": "Default Input", "direction": "input"},
		{"id": "default-output", "name": "Default Output", "direction": "output"},
	})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signal_url", cfg.SignalURL).
		Msg("config ready")
	return &cfg, nil
}

// DefaultModules lists the backend's native modules per GOOS in load order.
var DefaultModules = map[string][]string{
	"linux":   {"libvoice_sdk.so", "libvoice_video.so"},
	"darwin":  {"libvoice_sdk.dylib", "libvoice_video.dylib"},
	"windows": {"voice_sdk.dll", "voice_video.dll"},
}
