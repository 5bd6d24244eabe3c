package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Callee hang-up policies.
const (
	CalleeHangupLeave  = "leave"
	CalleeHangupDelete = "delete"
)

type Config struct {
	Port           string      `mapstructure:"port"`
	Environment    string      `mapstructure:"environment"`
	AllowedOrigins []string    `mapstructure:"allowed_origins"`
	JWTSecret      string      `mapstructure:"jwt_secret"`
	LogLevel       string      `mapstructure:"log_level"`
	StoreBackend   string      `mapstructure:"store_backend"`
	Redis          RedisConfig `mapstructure:"redis"`
	Rooms          RoomsConfig `mapstructure:"rooms"`
	ICE            ICEConfig   `mapstructure:"ice"`
	Media          MediaConfig `mapstructure:"media"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RoomsConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// CalleeHangupPolicy decides whether a callee hanging up deletes the room.
	CalleeHangupPolicy string `mapstructure:"callee_hangup_policy"`
}

type ICEConfig struct {
	Servers       []string `mapstructure:"servers"`
	CandidatePool uint8    `mapstructure:"candidate_pool"`
}

type MediaConfig struct {
	Tracks []string `mapstructure:"tracks"`
}

// Load reads an optional YAML file named by CONFIG_FILE and applies
// environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Keep the flat variable names (PORT, REDIS_HOST, ...) working.
	binds := map[string]string{
		"port":                       "PORT",
		"environment":                "ENVIRONMENT",
		"allowed_origins":            "ALLOWED_ORIGINS",
		"jwt_secret":                 "JWT_SECRET",
		"log_level":                  "LOG_LEVEL",
		"store_backend":              "STORE_BACKEND",
		"redis.host":                 "REDIS_HOST",
		"redis.port":                 "REDIS_PORT",
		"redis.password":             "REDIS_PASSWORD",
		"redis.db":                   "REDIS_DB",
		"rooms.ttl":                  "ROOM_TTL",
		"rooms.callee_hangup_policy": "CALLEE_HANGUP_POLICY",
		"ice.servers":                "ICE_SERVERS",
		"ice.candidate_pool":         "ICE_CANDIDATE_POOL_SIZE",
		"media.tracks":               "MEDIA_TRACKS",
	}
	for key, env := range binds {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Comma-separated lists arrive as a single element from the environment.
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.ICE.Servers = splitList(cfg.ICE.Servers)
	cfg.Media.Tracks = splitList(cfg.Media.Tracks)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("store_backend", "redis")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rooms.ttl", "24h")
	v.SetDefault("rooms.callee_hangup_policy", CalleeHangupLeave)
	v.SetDefault("ice.servers", "stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302")
	v.SetDefault("ice.candidate_pool", 10)
	v.SetDefault("media.tracks", "audio,video")
}

// Validate rejects values the rest of the process cannot work with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.Rooms.CalleeHangupPolicy {
	case CalleeHangupLeave, CalleeHangupDelete:
	default:
		return fmt.Errorf("unknown callee hangup policy %q", c.Rooms.CalleeHangupPolicy)
	}
	if c.Rooms.TTL < 0 {
		return fmt.Errorf("room ttl must not be negative")
	}
	return nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
