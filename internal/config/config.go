package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port          int              `json:"port"`
	JWTSecret     string           `json:"jwt_secret"`
	LogConfig     logger.LogConfig `json:"log_config"`
	Database      DatabaseConfig   `json:"database"`
	FileStore     FileStoreConfig  `json:"file_store"`
	AI            AIConfig         `json:"ai"`
	Pipeline      PipelineConfig   `json:"pipeline"`
	Access        AccessConfig     `json:"access"`
	Jobs          JobsConfig       `json:"jobs"`
	CORSAllowlist []string         `json:"cors_allowlist"`
	MaxUploadSize int64            `json:"max_upload_size"`
	// AskRateLimitSec is the minimum interval between ask calls per user and path.
	AskRateLimitSec int `json:"ask_rate_limit_sec"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`

	MaxOpenConns       int `json:"max_open_conns"`
	MaxIdleConns       int `json:"max_idle_conns"`
	ConnMaxLifetimeSec int `json:"conn_max_lifetime_sec"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type ProviderConfig struct {
	Name string      `json:"name"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ModelRef binds a configured provider (by name) to a model.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type AIConfig struct {
	Providers []ProviderConfig `json:"providers"`
	Embed     []ModelRef       `json:"embed"`
	Generate  []ModelRef       `json:"generate"`
	// Timeout bounds a generation call, in seconds.
	Timeout int `json:"timeout"`
	// EmbedCacheNum and EmbedCacheTTL (seconds) size the in-process embedding
	// cache; a negative value disables it.
	EmbedCacheNum int  `json:"embed_cache_num"`
	EmbedCacheTTL int  `json:"embed_cache_ttl"`
	EmbedDBCache  bool `json:"embed_db_cache"`
}

type PipelineConfig struct {
	EmbeddingDimension int `json:"embedding_dimension"`
	ChunkSize          int `json:"chunk_size"`
	ChunkOverlap       int `json:"chunk_overlap"`
	MaxBatchSize       int `json:"max_batch_size"`
	BatchCooldownMs    int `json:"batch_cooldown_ms"`
	RetryAttempts      int `json:"retry_attempts"`
	RetryBaseDelayMs   int `json:"retry_base_delay_ms"`
	RetryMaxDelayMs    int `json:"retry_max_delay_ms"`
	CallTimeoutSec     int `json:"call_timeout_sec"`
	RequestsPerMinute  int `json:"requests_per_minute"`
	// SimilarityThreshold is a pointer so an explicit 0 survives defaulting.
	SimilarityThreshold *float64 `json:"similarity_threshold"`
	MaxConcurrentJobs   int      `json:"max_concurrent_jobs"`
	JobMaxAttempts      int      `json:"job_max_attempts"`
	PersistBatchSize    int      `json:"persist_batch_size"`
	MaxFileSize         int64    `json:"max_file_size"`
}

type AccessConfig struct {
	// Projects maps a project id to its member user ids. Empty means every
	// authenticated user can access every project.
	Projects map[string][]string `json:"projects"`
}

type JobsConfig struct {
	EmbeddingCacheCleanup string `json:"embedding_cache_cleanup"`
	EmbeddingCacheMaxDays int    `json:"embedding_cache_max_days"`
	PendingSweep          string `json:"pending_sweep"`
	PendingMaxAgeMinutes  int    `json:"pending_max_age_minutes"`
	BatchPrune            string `json:"batch_prune"`
	BatchRetentionMinutes int    `json:"batch_retention_minutes"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if strings.TrimSpace(c.FileStore.Type) == "" {
		c.FileStore.Type = "local"
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 20 * 1024 * 1024
	}
	if c.AskRateLimitSec < 0 {
		c.AskRateLimitSec = 0
	}
	if len(c.AI.Embed) == 0 {
		return fmt.Errorf("ai.embed requires at least one provider/model")
	}
	names := make(map[string]struct{}, len(c.AI.Providers))
	for _, p := range c.AI.Providers {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Type) == "" {
			return fmt.Errorf("ai.providers entries require name and type")
		}
		names[p.Name] = struct{}{}
	}
	for _, ref := range append(append([]ModelRef{}, c.AI.Embed...), c.AI.Generate...) {
		if _, ok := names[ref.Provider]; !ok {
			return fmt.Errorf("ai model %q references unknown provider %q", ref.Model, ref.Provider)
		}
		if strings.TrimSpace(ref.Model) == "" {
			return fmt.Errorf("ai model is required for provider %q", ref.Provider)
		}
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = 60
	}
	if c.AI.EmbedCacheNum == 0 {
		c.AI.EmbedCacheNum = 10000
	}
	if c.AI.EmbedCacheTTL == 0 {
		c.AI.EmbedCacheTTL = 7200
	}
	if err := c.Pipeline.normalize(); err != nil {
		return err
	}
	c.Jobs.normalize()
	return nil
}

func (p *PipelineConfig) normalize() error {
	if p.EmbeddingDimension == 0 {
		p.EmbeddingDimension = 768
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = 1000
	}
	if p.ChunkOverlap == 0 {
		p.ChunkOverlap = 200
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 90
	}
	if p.BatchCooldownMs == 0 {
		p.BatchCooldownMs = 5000
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = 2
	}
	if p.RetryBaseDelayMs == 0 {
		p.RetryBaseDelayMs = 1000
	}
	if p.RetryMaxDelayMs == 0 {
		p.RetryMaxDelayMs = 30000
	}
	if p.CallTimeoutSec == 0 {
		p.CallTimeoutSec = 30
	}
	if p.SimilarityThreshold == nil {
		threshold := 0.5
		p.SimilarityThreshold = &threshold
	}
	if p.MaxConcurrentJobs == 0 {
		p.MaxConcurrentJobs = 10
	}
	if p.JobMaxAttempts == 0 {
		p.JobMaxAttempts = 1
	}
	if p.PersistBatchSize == 0 {
		p.PersistBatchSize = 100
	}
	if p.MaxFileSize == 0 {
		p.MaxFileSize = 20 * 1024 * 1024
	}
	switch {
	case p.EmbeddingDimension < 0:
		return fmt.Errorf("pipeline.embedding_dimension must be positive")
	case p.ChunkSize < 0 || p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize:
		return fmt.Errorf("pipeline.chunk_overlap must be in [0, chunk_size)")
	case p.MaxBatchSize < 0:
		return fmt.Errorf("pipeline.max_batch_size must be positive")
	case p.RetryAttempts < 0 || p.JobMaxAttempts < 0:
		return fmt.Errorf("pipeline retry attempts must be positive")
	case *p.SimilarityThreshold < -1 || *p.SimilarityThreshold > 1:
		return fmt.Errorf("pipeline.similarity_threshold must be in [-1, 1]")
	case p.MaxConcurrentJobs < 0:
		return fmt.Errorf("pipeline.max_concurrent_jobs must be positive")
	}
	return nil
}

func (j *JobsConfig) normalize() {
	if j.EmbeddingCacheCleanup == "" {
		j.EmbeddingCacheCleanup = "0 3 * * *"
	}
	if j.EmbeddingCacheMaxDays <= 0 {
		j.EmbeddingCacheMaxDays = 30
	}
	if j.PendingSweep == "" {
		j.PendingSweep = "*/10 * * * *"
	}
	if j.PendingMaxAgeMinutes <= 0 {
		j.PendingMaxAgeMinutes = 60
	}
	if j.BatchPrune == "" {
		j.BatchPrune = "*/5 * * * *"
	}
	if j.BatchRetentionMinutes <= 0 {
		j.BatchRetentionMinutes = 60
	}
}
