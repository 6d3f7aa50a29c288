package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Canonicalizer CanonicalizerConfig `yaml:"canonicalizer"`
	Engine        EngineConfig        `yaml:"engine"`
	Summarizer    SummarizerConfig    `yaml:"summarizer"`
	Storage       StorageConfig       `yaml:"storage"`
	Source        SourceConfig        `yaml:"source"`
	Bloom         BloomConfig         `yaml:"bloom"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PipelineConfig bounds the work a single run may do.
type PipelineConfig struct {
	Workers            int           `yaml:"workers"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	FetchRetries       int           `yaml:"fetch_retries"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	EngineRetries      int           `yaml:"engine_retries"`
	MalformedRetries   int           `yaml:"malformed_retries"`
	MaxContentChars    int           `yaml:"max_content_chars"`
	MaxLinksPerArticle int           `yaml:"max_links_per_article"`
	MaxBatchItems      int           `yaml:"max_batch_items"`
	MaxSourceAttempts  int           `yaml:"max_source_attempts"`
	UserAgent          string        `yaml:"user_agent"`
}

// CanonicalizerConfig extends the built-in tracking parameter lists.
type CanonicalizerConfig struct {
	TrackingPrefixes []string `yaml:"tracking_prefixes"`
	TrackingParams   []string `yaml:"tracking_params"`
	WrapperParams    []string `yaml:"wrapper_params"`
}

type EngineConfig struct {
	Type        string        `yaml:"type"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SummarizerConfig holds the domain rubric handed to the summarization engine.
type SummarizerConfig struct {
	Domain      string   `yaml:"domain"`
	Affirmative []string `yaml:"affirmative_examples"`
	Negative    []string `yaml:"negative_examples"`
}

type StorageConfig struct {
	Type  string           `yaml:"type"`
	File  FileStoreConfig  `yaml:"file"`
	Redis RedisStoreConfig `yaml:"redis"`
	S3    S3StoreConfig    `yaml:"s3"`
}

type FileStoreConfig struct {
	Path string `yaml:"path"`
}

type RedisStoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type S3StoreConfig struct {
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type SourceConfig struct {
	Type  string      `yaml:"type"`
	Feed  FeedConfig  `yaml:"feed"`
	Kafka KafkaConfig `yaml:"kafka"`
	Dir   DirConfig   `yaml:"dir"`
}

// FeedConfig lists alert feeds (e.g. Google Alerts RSS delivery) to poll.
type FeedConfig struct {
	URLs     []string `yaml:"urls"`
	MaxItems int      `yaml:"max_items"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type DirConfig struct {
	Path string `yaml:"path"`
}

// BloomConfig enables the RedisBloom fast path for already-seen notifications.
type BloomConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
	Capacity  int           `yaml:"capacity"`
	ErrorRate float64       `yaml:"error_rate"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// applyEnvOverrides lets the usual deployment variables win over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("COHERE_API_KEY"); v != "" && cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = v
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
		if cfg.Bloom.Addr == "" {
			cfg.Bloom.Addr = v
		}
	}
	if v := os.Getenv("REDIS_PASS"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.S3.UsePathStyle = b
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	p := &cfg.Pipeline
	if p.Workers == 0 {
		p.Workers = 6
	}
	if p.FetchTimeout == 0 {
		p.FetchTimeout = 20 * time.Second
	}
	if p.FetchRetries == 0 {
		p.FetchRetries = 2
	}
	if p.RetryBaseDelay == 0 {
		p.RetryBaseDelay = 500 * time.Millisecond
	}
	if p.RetryMaxDelay == 0 {
		p.RetryMaxDelay = 10 * time.Second
	}
	if p.EngineRetries == 0 {
		p.EngineRetries = 2
	}
	if p.MalformedRetries == 0 {
		p.MalformedRetries = 1
	}
	if p.MaxContentChars == 0 {
		p.MaxContentChars = 6000
	}
	if p.MaxLinksPerArticle == 0 {
		p.MaxLinksPerArticle = 5
	}
	if p.MaxBatchItems == 0 {
		p.MaxBatchItems = 40
	}
	if p.MaxSourceAttempts == 0 {
		p.MaxSourceAttempts = 3
	}
	if p.UserAgent == "" {
		p.UserAgent = "Mozilla/5.0 (compatible; sourcewatch/1.0)"
	}

	if cfg.Engine.Type == "" {
		cfg.Engine.Type = "cohere"
	}
	if cfg.Engine.Model == "" {
		cfg.Engine.Model = "command-r-plus"
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = 120 * time.Second
	}

	if cfg.Summarizer.Domain == "" {
		cfg.Summarizer.Domain = "attacks on, or vulnerabilities in, AI and machine-learning systems (LLMs, agents, model supply chain, ML frameworks)"
	}
	if len(cfg.Summarizer.Affirmative) == 0 {
		cfg.Summarizer.Affirmative = []string{
			"a prompt-injection technique that exfiltrates data through an AI coding assistant",
			"a remote code execution bug in a model-serving framework",
			"poisoned model weights published to a public model hub",
		}
	}
	if len(cfg.Summarizer.Negative) == 0 {
		cfg.Summarizer.Negative = []string{
			"a ransomware campaign against hospitals with no AI component",
			"a phishing kit that merely uses generated text in its lures",
			"a generic Windows privilege escalation patched on Patch Tuesday",
		}
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	if cfg.Storage.File.Path == "" {
		cfg.Storage.File.Path = "data/state.json"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "sourcewatch:"
	}
	if cfg.Storage.S3.Key == "" {
		cfg.Storage.S3.Key = "sourcewatch/state.json"
	}

	if cfg.Source.Type == "" {
		cfg.Source.Type = "dir"
	}
	if cfg.Source.Feed.MaxItems == 0 {
		cfg.Source.Feed.MaxItems = 50
	}
	if cfg.Source.Kafka.GroupID == "" {
		cfg.Source.Kafka.GroupID = "sourcewatch"
	}
	if cfg.Source.Dir.Path == "" {
		cfg.Source.Dir.Path = "data/inbox"
	}

	if cfg.Bloom.Addr == "" {
		cfg.Bloom.Addr = cfg.Storage.Redis.Addr
	}
	if cfg.Bloom.Key == "" {
		cfg.Bloom.Key = "sourcewatch:notifications:bloom"
	}
	if cfg.Bloom.TTL == 0 {
		cfg.Bloom.TTL = 30 * 24 * time.Hour
	}
	if cfg.Bloom.Capacity == 0 {
		cfg.Bloom.Capacity = 100000
	}
	if cfg.Bloom.ErrorRate == 0 {
		cfg.Bloom.ErrorRate = 0.001
	}
}

func validate(cfg *Config) error {
	p := cfg.Pipeline
	if p.Workers < 1 || p.Workers > 8 {
		return fmt.Errorf("config: pipeline.workers must be between 1 and 8, got %d", p.Workers)
	}
	if p.FetchRetries < 0 || p.EngineRetries < 0 || p.MalformedRetries < 0 {
		return fmt.Errorf("config: retry budgets must not be negative")
	}
	if p.MaxBatchItems < 1 {
		return fmt.Errorf("config: pipeline.max_batch_items must be positive")
	}
	if p.MaxSourceAttempts < 1 {
		return fmt.Errorf("config: pipeline.max_source_attempts must be positive")
	}

	if cfg.Engine.Type != "cohere" {
		return fmt.Errorf("config: unsupported engine type %q (supported: cohere)", cfg.Engine.Type)
	}
	if cfg.Engine.APIKey == "" {
		return fmt.Errorf("config: engine.api_key is required (set COHERE_API_KEY env var)")
	}

	switch cfg.Storage.Type {
	case "file", "redis":
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("config: unsupported storage type %q (supported: file, redis, s3)", cfg.Storage.Type)
	}

	switch cfg.Source.Type {
	case "dir":
	case "feed":
		if len(cfg.Source.Feed.URLs) == 0 {
			return fmt.Errorf("config: source.feed.urls is required for feed source")
		}
	case "kafka":
		if len(cfg.Source.Kafka.Brokers) == 0 || cfg.Source.Kafka.Topic == "" {
			return fmt.Errorf("config: source.kafka.brokers and source.kafka.topic are required for kafka source")
		}
	default:
		return fmt.Errorf("config: unsupported source type %q (supported: dir, feed, kafka)", cfg.Source.Type)
	}
	return nil
}

// Load reads the config file, expands environment variables, applies
// overrides and defaults, and validates the configuration. An empty path
// skips the file and relies on the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}

		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
