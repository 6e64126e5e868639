// Package config loads server settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendTables = "tables"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

type Storage struct {
	Backend          string `yaml:"backend"`
	ConnectionString string `yaml:"connectionString"`
	TasksTable       string `yaml:"tasksTable"`
	ListsTable       string `yaml:"listsTable"`
	MongoURI         string `yaml:"mongoUri"`
	MongoDB          string `yaml:"mongoDb"`
}

type Redis struct {
	ConnectionString string        `yaml:"connectionString"`
	EventsChannel    string        `yaml:"eventsChannel"`
	CacheTTL         time.Duration `yaml:"cacheTtl"`
	DeduperTTL       time.Duration `yaml:"deduperTtl"`
}

type Auth struct {
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	LocalMode    string        `yaml:"localMode"`
	SharedSecret string        `yaml:"sharedSecret"`
	JWKSCacheTTL time.Duration `yaml:"jwksCacheTtl"`
}

type Stream struct {
	ClientBuffer int           `yaml:"clientBuffer"`
	Keepalive    time.Duration `yaml:"keepalive"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Debug      bool   `yaml:"debug"`
}

// Config holds every setting of the server and the CLI commands.
type Config struct {
	ListenAddr     string  `yaml:"listenAddr"`
	BackfillOnRead bool    `yaml:"backfillOnRead"`
	Storage        Storage `yaml:"storage"`
	Redis          Redis   `yaml:"redis"`
	Auth           Auth    `yaml:"auth"`
	Stream         Stream  `yaml:"stream"`
	Log            Log     `yaml:"log"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		BackfillOnRead: true,
		Storage: Storage{
			Backend:    BackendTables,
			TasksTable: "Tasks",
			ListsTable: "Lists",
			MongoDB:    "boardsync",
		},
		Redis: Redis{
			EventsChannel: "boardsync-events",
			CacheTTL:      time.Minute,
			DeduperTTL:    24 * time.Hour,
		},
		Auth:   Auth{JWKSCacheTTL: 15 * time.Minute},
		Stream: Stream{ClientBuffer: 64, Keepalive: 25 * time.Second},
		Log:    Log{Level: "info", Format: "json", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// Load reads .env (when present), then path (when non-empty), then the
// environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_CONNECTION_STRING", &c.Storage.ConnectionString)
	str("TASKS_TABLE", &c.Storage.TasksTable)
	str("LISTS_TABLE", &c.Storage.ListsTable)
	str("MONGO_URI", &c.Storage.MongoURI)
	str("MONGO_DB_NAME", &c.Storage.MongoDB)
	str("REDIS_CONNECTION_STRING", &c.Redis.ConnectionString)
	str("EVENTS_CHANNEL", &c.Redis.EventsChannel)
	str("AUTH0_DOMAIN", &c.Auth.Domain)
	str("AUTH0_AUDIENCE", &c.Auth.Audience)
	str("LOCAL_AUTH_MODE", &c.Auth.LocalMode)
	str("LOCAL_AUTH_SHARED_SECRET", &c.Auth.SharedSecret)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	// AUTH0_TEST_MODE=1 with TEST_JWT_SECRET is the older spelling of LOCAL_AUTH_MODE=hs256.
	if os.Getenv("AUTH0_TEST_MODE") == "1" && c.Auth.LocalMode == "" {
		c.Auth.LocalMode = "hs256"
		str("TEST_JWT_SECRET", &c.Auth.SharedSecret)
	}

	for key, dst := range map[string]*time.Duration{
		"CACHE_TTL":        &c.Redis.CacheTTL,
		"DEDUPER_TTL":      &c.Redis.DeduperTTL,
		"JWKS_CACHE_TTL":   &c.Auth.JWKSCacheTTL,
		"STREAM_KEEPALIVE": &c.Stream.Keepalive,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid %s: %q", key, v)
		}
		*dst = d
	}
	for key, dst := range map[string]*int{
		"STREAM_CLIENT_BUFFER": &c.Stream.ClientBuffer,
		"LOG_MAX_SIZE_MB":      &c.Log.MaxSizeMB,
		"LOG_MAX_BACKUPS":      &c.Log.MaxBackups,
		"LOG_MAX_AGE_DAYS":     &c.Log.MaxAgeDays,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s: %q", key, v)
		}
		*dst = n
	}
	for key, dst := range map[string]*bool{
		"BACKFILL_ON_READ": &c.BackfillOnRead,
		"DEBUG":            &c.Log.Debug,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, v)
		}
		*dst = b
	}
	return nil
}

// ValidateStorage reports missing settings of the selected backend.
func (c Config) ValidateStorage() error {
	switch c.Storage.Backend {
	case BackendTables:
		if c.Storage.ConnectionString == "" || c.Storage.TasksTable == "" || c.Storage.ListsTable == "" {
			return errors.New("missing storage config")
		}
	case BackendMongo:
		if c.Storage.MongoURI == "" || c.Storage.MongoDB == "" {
			return errors.New("missing mongo config")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// ValidateAuth reports missing or contradicting auth settings.
func (c Config) ValidateAuth() error {
	switch strings.ToLower(c.Auth.LocalMode) {
	case "":
		if c.Auth.Domain == "" || c.Auth.Audience == "" {
			return errors.New("missing Auth0 config")
		}
	case "hs256":
		if c.Auth.SharedSecret == "" {
			return errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	default:
		return errors.New("unsupported LOCAL_AUTH_MODE value")
	}
	return nil
}

// RedisOptions parses either a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
