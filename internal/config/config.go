package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Retrieval RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Fields    FieldsConfig    `yaml:"fields" mapstructure:"fields"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LLMConfig holds the completion service settings. An empty model disables
// the model pass entirely.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SearchConfig configures the rate-limited metasearch client.
type SearchConfig struct {
	Instances           []string `yaml:"instances" mapstructure:"instances"`
	RatePerSec          float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst               int      `yaml:"burst" mapstructure:"burst"`
	MinDelayMs          int      `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	Language            string   `yaml:"language" mapstructure:"language"`
	SearchTTLHours      int      `yaml:"search_ttl_hours" mapstructure:"search_ttl_hours"`
	CrawlTTLDays        int      `yaml:"crawl_ttl_days" mapstructure:"crawl_ttl_days"`
	UnhealthyWindowSecs int      `yaml:"unhealthy_window_secs" mapstructure:"unhealthy_window_secs"`
}

// RetrievalConfig configures the per-field internet retrieval loop.
type RetrievalConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs       int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	HitsPerQuery    int     `yaml:"hits_per_query" mapstructure:"hits_per_query"`
	EarlyExitScore  float64 `yaml:"early_exit_score" mapstructure:"early_exit_score"`
	CrawlBelowScore float64 `yaml:"crawl_below_score" mapstructure:"crawl_below_score"`
	MaxCrawlPages   int     `yaml:"max_crawl_pages" mapstructure:"max_crawl_pages"`
	CrawlWindow     int     `yaml:"crawl_window" mapstructure:"crawl_window"`
	SnippetMax      int     `yaml:"snippet_max" mapstructure:"snippet_max"`
	LowThreshold    float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	CrawlEnabled    bool    `yaml:"crawl_enabled" mapstructure:"crawl_enabled"`
}

// CacheConfig configures the shared field result cache.
type CacheConfig struct {
	TTLDays int `yaml:"ttl_days" mapstructure:"ttl_days"`
}

// PipelineConfig configures document processing thresholds.
type PipelineConfig struct {
	MaxFileMB            int     `yaml:"max_file_mb" mapstructure:"max_file_mb"`
	SkipThreshold        float64 `yaml:"skip_threshold" mapstructure:"skip_threshold"`
	ChunkMaxChars        int     `yaml:"chunk_max_chars" mapstructure:"chunk_max_chars"`
	TopK                 int     `yaml:"top_k" mapstructure:"top_k"`
	ModelEarlyExit       float64 `yaml:"model_early_exit" mapstructure:"model_early_exit"`
	AcceptThreshold      float64 `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	OnlineStoreThreshold float64 `yaml:"online_store_threshold" mapstructure:"online_store_threshold"`
}

// EnrichConfig configures enrichment and refinement.
type EnrichConfig struct {
	LowThreshold    float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	MidThreshold    float64 `yaml:"mid_threshold" mapstructure:"mid_threshold"`
	RefineRounds    int     `yaml:"refine_rounds" mapstructure:"refine_rounds"`
	TopK            int     `yaml:"top_k" mapstructure:"top_k"`
	MaxContextChars int     `yaml:"max_context_chars" mapstructure:"max_context_chars"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// QueueConfig configures the processing worker pool.
type QueueConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
	Buffer  int `yaml:"buffer" mapstructure:"buffer"`
}

// FieldsConfig points at optional override files for field prompts and the
// UN table.
type FieldsConfig struct {
	File        string `yaml:"file" mapstructure:"file"`
	UNTableFile string `yaml:"un_table_file" mapstructure:"un_table_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SDSX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "sdsx.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 256)
	v.SetDefault("search.instances", []string{"https://searx.be"})
	v.SetDefault("search.rate_per_sec", 2.0)
	v.SetDefault("search.burst", 5)
	v.SetDefault("search.min_delay_ms", 1000)
	v.SetDefault("search.language", "pt-BR")
	v.SetDefault("search.search_ttl_hours", 24)
	v.SetDefault("search.crawl_ttl_days", 7)
	v.SetDefault("search.unhealthy_window_secs", 300)
	v.SetDefault("retrieval.max_attempts", 3)
	v.SetDefault("retrieval.backoff_ms", 500)
	v.SetDefault("retrieval.hits_per_query", 2)
	v.SetDefault("retrieval.early_exit_score", 900.0)
	v.SetDefault("retrieval.crawl_below_score", 400.0)
	v.SetDefault("retrieval.max_crawl_pages", 2)
	v.SetDefault("retrieval.crawl_window", 400)
	v.SetDefault("retrieval.snippet_max", 800)
	v.SetDefault("retrieval.low_threshold", 0.6)
	v.SetDefault("retrieval.crawl_enabled", false)
	v.SetDefault("cache.ttl_days", 30)
	v.SetDefault("pipeline.max_file_mb", 10)
	v.SetDefault("pipeline.skip_threshold", 0.82)
	v.SetDefault("pipeline.chunk_max_chars", 4000)
	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.model_early_exit", 0.95)
	v.SetDefault("pipeline.accept_threshold", 0.7)
	v.SetDefault("pipeline.online_store_threshold", 0.5)
	v.SetDefault("enrich.low_threshold", 0.6)
	v.SetDefault("enrich.mid_threshold", 0.75)
	v.SetDefault("enrich.refine_rounds", 2)
	v.SetDefault("enrich.top_k", 5)
	v.SetDefault("enrich.max_context_chars", 4000)
	v.SetDefault("enrich.concurrency", 4)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.buffer", 16)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
