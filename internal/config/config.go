package config

import (
	"fmt"
	"time"
)

// Config holds all lethe configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

type ServerConfig struct {
	Bind      string  `mapstructure:"bind" validate:"required"`
	Port      int     `mapstructure:"port" validate:"min=1,max=65535"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"` // requests/sec, 0 disables
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // empty disables run history
}

type EngineConfig struct {
	Profile    string `mapstructure:"profile" validate:"oneof=simple strict"`
	PolicyPath string `mapstructure:"policy_path"`
	TopK       int    `mapstructure:"topk" validate:"gte=0"` // 0 defers to the policy
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:      "127.0.0.1",
			Port:      37778,
			RateLimit: 50,
			Burst:     100,
		},
		Engine: EngineConfig{
			Profile: "simple",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 300 * time.Millisecond,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// flatten lists every setting under its dotted koanf key.
func (c Config) flatten() map[string]any {
	return map[string]any{
		"server.bind":        c.Server.Bind,
		"server.port":        c.Server.Port,
		"server.rate_limit":  c.Server.RateLimit,
		"server.burst":       c.Server.Burst,
		"database.path":      c.Database.Path,
		"engine.profile":     c.Engine.Profile,
		"engine.policy_path": c.Engine.PolicyPath,
		"engine.topk":        c.Engine.TopK,
		"log.level":          c.Log.Level,
		"log.format":         c.Log.Format,
		"watch.enabled":      c.Watch.Enabled,
		"watch.debounce":     c.Watch.Debounce,
	}
}
