// Package config loads settings for the tandem relay and client.
//
// Settings come from, in increasing precedence:
//   - Default()
//   - one config file named by --config or TANDEM_CONFIG; files ending in
//     .json or .jsonc are JSON with comments, anything else is YAML
//   - environment variables (TANDEM_DB_PATH, PORT, ...)
//   - command-line flags that were set explicitly
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    LogConfig    `yaml:"log" json:"log"`
	Server ServerConfig `yaml:"server" json:"server"`
	Client ClientConfig `yaml:"client" json:"client"`
}

type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format" json:"format"`
}

type ServerConfig struct {
	Port       string           `yaml:"port" json:"port"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Compaction CompactionConfig `yaml:"compaction" json:"compaction"`

	// Advertise announces the relay over mDNS.
	Advertise bool `yaml:"advertise" json:"advertise"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
	URL    string `yaml:"url" json:"url"`
}

type CompactionConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Interval        string `yaml:"interval" json:"interval"`
	UpdateThreshold int    `yaml:"update_threshold" json:"update_threshold"`
}

type ClientConfig struct {
	Room string `yaml:"room" json:"room"`
	Name string `yaml:"name" json:"name"`

	// Transport is "ws", "redis" or "memory".
	Transport string      `yaml:"transport" json:"transport"`
	Server    string      `yaml:"server" json:"server"`
	Redis     RedisConfig `yaml:"redis" json:"redis"`

	// Discover looks up a relay over mDNS when Server is empty.
	Discover bool `yaml:"discover" json:"discover"`

	Debounce         string `yaml:"debounce" json:"debounce"`
	MaxWait          string `yaml:"max_wait" json:"max_wait"`
	PresenceThrottle string `yaml:"presence_throttle" json:"presence_throttle"`
	PresenceTimeout  string `yaml:"presence_timeout" json:"presence_timeout"`
	ResyncOnError    bool   `yaml:"resync_on_error" json:"resync_on_error"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Timing is ClientConfig's durations, parsed.
type Timing struct {
	Debounce         time.Duration
	MaxWait          time.Duration
	PresenceThrottle time.Duration
	PresenceTimeout  time.Duration
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Port: "8080",
			Database: DatabaseConfig{
				Driver: "sqlite",
				Path:   "./data/tandem.db",
			},
			Compaction: CompactionConfig{
				Enabled:         true,
				Interval:        "5m",
				UpdateThreshold: 100,
			},
		},
		Client: ClientConfig{
			Room:             "default",
			Transport:        "ws",
			Server:           "ws://localhost:8080/ws",
			Redis:            RedisConfig{Addr: "localhost:6379"},
			Debounce:         "300ms",
			MaxWait:          "1s",
			PresenceThrottle: "50ms",
			PresenceTimeout:  "30s",
		},
	}
}

// Load builds the configuration from defaults, the file at path (or
// TANDEM_CONFIG when path is empty) and the environment. No file is read
// when neither names one.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("TANDEM_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TANDEM_DB_PATH"); v != "" {
		c.Server.Database.Path = v
	}
	if v := os.Getenv("TANDEM_DATABASE_URL"); v != "" {
		c.Server.Database.Driver = "postgres"
		c.Server.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("TANDEM_SERVER_URL"); v != "" {
		c.Client.Server = v
	}
	if v := os.Getenv("TANDEM_REDIS_ADDR"); v != "" {
		c.Client.Redis.Addr = v
	}
	if v := os.Getenv("TANDEM_REDIS_PASSWORD"); v != "" {
		c.Client.Redis.Password = v
	}
	if v := os.Getenv("TANDEM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks values that the file and environment cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Server.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Server.Database.Driver))
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Server.Port))
	}
	if _, err := c.CompactionInterval(); err != nil {
		errs = append(errs, err)
	}
	switch c.Client.Transport {
	case "ws", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Client.Transport))
	}
	if _, err := c.Client.Timing(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) CompactionInterval() (time.Duration, error) {
	return parseDuration("compaction.interval", c.Server.Compaction.Interval)
}

// Timing parses the client durations. Empty values parse as zero, which
// the session replaces with its defaults.
func (c ClientConfig) Timing() (Timing, error) {
	var t Timing
	var errs []error
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"debounce", c.Debounce, &t.Debounce},
		{"max_wait", c.MaxWait, &t.MaxWait},
		{"presence_throttle", c.PresenceThrottle, &t.PresenceThrottle},
		{"presence_timeout", c.PresenceTimeout, &t.PresenceTimeout},
	} {
		d, err := parseDuration(f.name, f.in)
		if err != nil {
			errs = append(errs, err)
		}
		*f.out = d
	}
	return t, errors.Join(errs...)
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", name, s)
	}
	return d, nil
}

// RegisterCommonFlags adds the flags shared by both binaries.
func RegisterCommonFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("config", "", "config file (YAML, or JSON with comments); defaults to $TANDEM_CONFIG")
	fs.String("log-level", def.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", def.Log.Format, "log format: json or console")
}

// RegisterServerFlags adds the relay flags.
func RegisterServerFlags(fs *pflag.FlagSet) {
	def := Default().Server
	fs.String("port", def.Port, "HTTP listen port")
	fs.String("db-driver", def.Database.Driver, "storage driver: sqlite or postgres")
	fs.String("db-path", def.Database.Path, "SQLite database file")
	fs.String("db-url", def.Database.URL, "Postgres connection URL")
	fs.Bool("compaction", def.Compaction.Enabled, "compact stored updates in the background")
	fs.String("compaction-interval", def.Compaction.Interval, "time between compaction passes")
	fs.Int("compaction-threshold", def.Compaction.UpdateThreshold, "stored updates before a room is compacted")
	fs.Bool("advertise", def.Advertise, "announce the relay over mDNS")
}

// RegisterClientFlags adds the client flags.
func RegisterClientFlags(fs *pflag.FlagSet) {
	def := Default().Client
	fs.String("room", def.Room, "room to join")
	fs.String("name", def.Name, "display name")
	fs.String("transport", def.Transport, "transport: ws, redis or memory")
	fs.String("server", def.Server, "relay websocket URL")
	fs.String("redis", def.Redis.Addr, "Redis address")
	fs.Bool("discover", def.Discover, "find a relay over mDNS")
	fs.String("debounce", def.Debounce, "idle time before local edits are published")
	fs.String("max-wait", def.MaxWait, "longest time an edit waits while typing continues")
}

// ApplyFlags copies every registered flag that was set on the command line.
// Flags that were not registered on fs are ignored.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) {
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if fs.Changed(name) {
			*dst, _ = fs.GetBool(name)
		}
	}

	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)

	str("port", &c.Server.Port)
	str("db-driver", &c.Server.Database.Driver)
	str("db-path", &c.Server.Database.Path)
	str("db-url", &c.Server.Database.URL)
	boolean("compaction", &c.Server.Compaction.Enabled)
	str("compaction-interval", &c.Server.Compaction.Interval)
	if fs.Changed("compaction-threshold") {
		c.Server.Compaction.UpdateThreshold, _ = fs.GetInt("compaction-threshold")
	}
	boolean("advertise", &c.Server.Advertise)

	str("room", &c.Client.Room)
	str("name", &c.Client.Name)
	str("transport", &c.Client.Transport)
	str("server", &c.Client.Server)
	str("redis", &c.Client.Redis.Addr)
	boolean("discover", &c.Client.Discover)
	str("debounce", &c.Client.Debounce)
	str("max-wait", &c.Client.MaxWait)
}

// FromFlags loads the file named by the parsed --config flag and applies
// the remaining flags over it.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	path, _ := fs.GetString("config")
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyFlags(fs)
	return cfg, cfg.Validate()
}
