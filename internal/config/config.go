package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration. It is loaded once at startup and
// passed to every component at construction time; nothing reads it ambiently.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
// Parameters: none.
// Returns:
//   - string: DSN for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

// GraphConfig configures the graph database boundary.
type GraphConfig struct {
	URI             string        `mapstructure:"uri"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxPoolSize     int           `mapstructure:"max_pool_size"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	RetryCount      int           `mapstructure:"retry_count"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Dimensions int    `mapstructure:"dimensions"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

// LLMConfig configures the external extraction/summarization capability.
// ExtractionMode selects the structured-extraction strategy: "full" uses the
// schema-constrained output path, "light" a plain prompt with JSON parsing.
type LLMConfig struct {
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ExtractionMode string        `mapstructure:"extraction_mode"`
}

type EmbeddingConfig struct {
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

// QualityConfig holds the quality gate thresholds (0-100 each) and the retry
// budget shared across quality-triggered retries. Immutable for the process
// lifetime.
type QualityConfig struct {
	ChunkingThreshold   float64 `mapstructure:"chunking_threshold"`
	ExtractionThreshold float64 `mapstructure:"extraction_threshold"`
	GraphThreshold      float64 `mapstructure:"graph_threshold"`
	OverallThreshold    float64 `mapstructure:"overall_threshold"`
	SampleSize          int     `mapstructure:"sample_size"`
	MaxRetries          int     `mapstructure:"max_retries"`
}

// WorkerConfig holds worker pool and scheduling limits.
type WorkerConfig struct {
	PoolSize           int           `mapstructure:"pool_size"`
	HardTimeLimit      time.Duration `mapstructure:"hard_time_limit"`
	SoftTimeLimit      time.Duration `mapstructure:"soft_time_limit"`
	MaxTasksPerWorker  int           `mapstructure:"max_tasks_per_worker"`
	EpisodeConcurrency int           `mapstructure:"episode_concurrency"`
	CommunityTimeout   time.Duration `mapstructure:"community_timeout"`
	ResultRetention    time.Duration `mapstructure:"result_retention"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// Load reads configuration from an optional yaml file plus the environment.
// Parameters:
//   - configPath: explicit config file path; empty searches ./configs and cwd.
// Returns:
//   - *Config: loaded configuration.
//   - error: non-nil if reading or unmarshaling fails.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/docgraph.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("graph.uri", "bolt://localhost:7687")
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.database", "neo4j")
	v.SetDefault("graph.max_pool_size", 25)
	v.SetDefault("graph.max_conn_lifetime", time.Hour)
	v.SetDefault("graph.retry_count", 3)
	v.SetDefault("graph.retry_backoff", time.Second)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "doc_chunks")
	v.SetDefault("qdrant.dimensions", 1024)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "docgraph")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.extraction_mode", "light")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("quality.chunking_threshold", 70)
	v.SetDefault("quality.extraction_threshold", 70)
	v.SetDefault("quality.graph_threshold", 70)
	v.SetDefault("quality.overall_threshold", 70)
	v.SetDefault("quality.sample_size", 10)
	v.SetDefault("quality.max_retries", 3)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.hard_time_limit", 7200*time.Second)
	v.SetDefault("worker.soft_time_limit", 6900*time.Second)
	v.SetDefault("worker.max_tasks_per_worker", 50)
	v.SetDefault("worker.episode_concurrency", 5)
	v.SetDefault("worker.community_timeout", 180*time.Second)
	v.SetDefault("worker.result_retention", 24*time.Hour)
	v.SetDefault("worker.poll_interval", time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("graph.uri", "GRAPH_URI")
	v.BindEnv("graph.username", "GRAPH_USERNAME")
	v.BindEnv("graph.password", "GRAPH_PASSWORD")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("llm.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.base_url", "OPENAI_BASE_URL")
	v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
