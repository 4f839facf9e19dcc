package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Log       LogConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Embedding EmbeddingConfig
	Vector    VectorConfig
	History   HistoryConfig
	Retrieval RetrievalConfig
	Retry     RetryConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig enables asynchronous memory ingestion when URL is set.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string // "openai" or "ollama"
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	CacheSize  int
	Probe      bool
}

// VectorConfig describes the long-term memory index. Dimension and Metric are fixed at
// index creation and must agree with the embedding model.
type VectorConfig struct {
	Backend   string // "pgvector" or "chromem"
	IndexName string
	Dimension int
	Metric    string // "cosine" or "dot"
	Timeout   time.Duration
	// Path persists the chromem database to disk; empty keeps it in memory.
	Path string
}

type HistoryConfig struct {
	MaxTurns int
	TTL      time.Duration
	Timeout  time.Duration
}

type RetrievalConfig struct {
	TopK        int
	RecentLimit int
	Threshold   float64
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: k.Int("ratelimit.max.requests"),
			WindowSec:   k.Int("ratelimit.window.sec"),
		},
		Embedding: EmbeddingConfig{
			Provider:   k.String("embedding.provider"),
			APIKey:     k.String("embedding.api.key"),
			BaseURL:    k.String("embedding.base.url"),
			Model:      k.String("embedding.model"),
			Dimensions: k.Int("embedding.dimensions"),
			CacheSize:  k.Int("embedding.cache.size"),
			Probe:      k.Bool("embedding.probe"),
		},
		Vector: VectorConfig{
			Backend:   k.String("vector.backend"),
			IndexName: k.String("vector.index.name"),
			Dimension: k.Int("vector.dimension"),
			Metric:    k.String("vector.metric"),
			Path:      k.String("vector.path"),
		},
		History: HistoryConfig{
			MaxTurns: k.Int("history.max.turns"),
		},
		Retrieval: RetrievalConfig{
			TopK:        k.Int("retrieval.top.k"),
			RecentLimit: k.Int("retrieval.recent.limit"),
			Threshold:   k.Float64("retrieval.threshold"),
		},
		Retry: RetryConfig{
			MaxAttempts: k.Int("retry.max.attempts"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "companion"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "companion"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 120
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.Model == "" {
		if cfg.Embedding.Provider == "ollama" {
			cfg.Embedding.Model = "nomic-embed-text"
		} else {
			cfg.Embedding.Model = "text-embedding-3-small"
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		if cfg.Embedding.Provider == "ollama" {
			cfg.Embedding.Dimensions = 768
		} else {
			cfg.Embedding.Dimensions = 1536
		}
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "pgvector"
	}
	if cfg.Vector.IndexName == "" {
		cfg.Vector.IndexName = "companion"
	}
	if cfg.Vector.Dimension == 0 {
		cfg.Vector.Dimension = cfg.Embedding.Dimensions
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.History.MaxTurns == 0 {
		cfg.History.MaxTurns = 100
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if cfg.Retrieval.RecentLimit == 0 {
		cfg.Retrieval.RecentLimit = 30
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"jwt.access.expiry", "15m", &cfg.JWT.AccessExpiry},
		{"embedding.timeout", "3s", &cfg.Embedding.Timeout},
		{"vector.timeout", "2s", &cfg.Vector.Timeout},
		{"history.ttl", "168h", &cfg.History.TTL},
		{"history.timeout", "500ms", &cfg.History.Timeout},
		{"retry.initial.interval", "100ms", &cfg.Retry.InitialInterval},
		{"retry.max.interval", "1s", &cfg.Retry.MaxInterval},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		*d.dest, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
