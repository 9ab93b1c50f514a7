package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/limenhq/limen/internal/limen/token"
)

const envPrefix = "LIMEN"

type Config struct {
	HTTPAddr string
	GRPCAddr string

	Env string // "dev" | "prod"

	LogLevel  string // trace|debug|info|warn|error
	LogFormat string // text|json
	LogFile   string // empty = stdout only

	// DB
	DBDriver string // "sqlite" | "memory"
	DBPath   string // e.g. "./data/limen.db"

	OccupancyBackend string // "store" | "redis"
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	SigningKey      string
	DefaultTokenTTL time.Duration

	// Rules are evaluated in this zone; time windows and weekdays are local.
	Timezone *time.Location

	SweepInterval time.Duration // 0 disables the expiry sweep

	KafkaBrokers []string // empty disables the audit mirror
	KafkaTopic   string

	// DeviceKeys maps device id to HMAC secret. Empty disables device auth.
	DeviceKeys          map[string]string
	DeviceMaxSkew       time.Duration
	DeviceRatePerSecond float64
	DeviceBurst         int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("env", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/limen.db")

	v.SetDefault("occupancy.backend", "store")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("token.signing_key", "")
	v.SetDefault("token.default_ttl", "24h")
	v.SetDefault("rules.timezone", "UTC")
	v.SetDefault("sweeper.interval", "1h")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "limen.scans")

	v.SetDefault("devices.keys", "")
	v.SetDefault("devices.max_skew", "5m")
	v.SetDefault("devices.rate_per_second", 5.0)
	v.SetDefault("devices.burst", 10)
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("limen-server", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("grpc-addr", "", "gRPC health listen address")
	fs.String("env", "", "dev or prod")
	fs.String("log-level", "", "trace|debug|info|warn|error")
	fs.String("db-driver", "", "sqlite or memory")
	fs.String("db-path", "", "SQLite database file")
	fs.String("occupancy-backend", "", "store or redis")
	return fs
}

var flagKeys = map[string]string{
	"http-addr":         "server.http_addr",
	"grpc-addr":         "server.grpc_addr",
	"env":               "env",
	"log-level":         "log.level",
	"db-driver":         "database.driver",
	"db-path":           "database.path",
	"occupancy-backend": "occupancy.backend",
}

// Load reads configuration from defaults, an optional YAML file, LIMEN_*
// environment variables and command-line flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		// Unset flags would otherwise shadow env and file values with "".
		if f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	cfgFile, _ := fs.GetString("config")
	if cfgFile == "" {
		cfgFile = os.Getenv(envPrefix + "_CONFIG_FILE")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	cfg := &Config{
		HTTPAddr: v.GetString("server.http_addr"),
		GRPCAddr: v.GetString("server.grpc_addr"),
		Env:      strings.ToLower(v.GetString("env")),

		LogLevel:  strings.ToLower(v.GetString("log.level")),
		LogFormat: strings.ToLower(v.GetString("log.format")),
		LogFile:   v.GetString("log.file"),

		DBDriver: strings.ToLower(v.GetString("database.driver")),
		DBPath:   v.GetString("database.path"),

		OccupancyBackend: strings.ToLower(v.GetString("occupancy.backend")),
		RedisAddr:        v.GetString("redis.addr"),
		RedisPassword:    v.GetString("redis.password"),
		RedisDB:          v.GetInt("redis.db"),

		SigningKey:      v.GetString("token.signing_key"),
		DefaultTokenTTL: v.GetDuration("token.default_ttl"),
		SweepInterval:   v.GetDuration("sweeper.interval"),

		KafkaBrokers: stringList(v.Get("kafka.brokers")),
		KafkaTopic:   v.GetString("kafka.topic"),

		DeviceMaxSkew:       v.GetDuration("devices.max_skew"),
		DeviceRatePerSecond: v.GetFloat64("devices.rate_per_second"),
		DeviceBurst:         v.GetInt("devices.burst"),
	}
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}

	keys, err := deviceKeys(v.Get("devices.keys"))
	if err != nil {
		return nil, err
	}
	cfg.DeviceKeys = keys

	loc, err := time.LoadLocation(v.GetString("rules.timezone"))
	if err != nil {
		return nil, fmt.Errorf("rules.timezone: %w", err)
	}
	cfg.Timezone = loc

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func MustLoad(args []string) *Config {
	cfg, err := Load(args)
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if len(c.SigningKey) < token.MinKeyBytes {
		return fmt.Errorf("token.signing_key must be at least %d bytes", token.MinKeyBytes)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("server.http_addr must not be empty")
	}
	switch c.DBDriver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver %q: want sqlite or memory", c.DBDriver)
	}
	switch c.OccupancyBackend {
	case "store":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("redis.addr is required when occupancy.backend=redis")
		}
	default:
		return fmt.Errorf("occupancy.backend %q: want store or redis", c.OccupancyBackend)
	}
	if c.DefaultTokenTTL <= 0 {
		return errors.New("token.default_ttl must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("sweeper.interval must not be negative")
	}
	if c.DeviceRatePerSecond <= 0 || c.DeviceBurst <= 0 {
		return errors.New("devices.rate_per_second and devices.burst must be positive")
	}
	return nil
}

// deviceKeys accepts a YAML map or the env form "reader-1=secret,reader-2=secret".
func deviceKeys(raw any) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case nil:
	case map[string]any:
		for id, secret := range v {
			out[id] = fmt.Sprint(secret)
		}
	case map[string]string:
		for id, secret := range v {
			out[id] = secret
		}
	case string:
		for _, pair := range splitCSV(v) {
			id, secret, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(id) == "" || secret == "" {
				return nil, fmt.Errorf("devices.keys: bad entry %q, want id=secret", pair)
			}
			out[strings.TrimSpace(id)] = secret
		}
	default:
		return nil, fmt.Errorf("devices.keys: unsupported value %T", raw)
	}
	return out, nil
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return splitCSV(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, fmt.Sprint(s))
		}
		return out
	case []string:
		return v
	}
	return nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
