package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	ModeStream    = "stream"
	ModeAggregate = "aggregate"

	StorageLocal = "local"
	StorageMinio = "minio"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Minio    MinioConfig    `mapstructure:"minio"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StaticDir       string        `mapstructure:"static_dir"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	// Model overrides the per-stage model from the stage catalog when set.
	Model            string        `mapstructure:"model"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	Burst            int           `mapstructure:"burst"`
	MaxRetries       int           `mapstructure:"max_retries"`
	FilePollInterval time.Duration `mapstructure:"file_poll_interval"`
	FileTimeout      time.Duration `mapstructure:"file_timeout"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APIEndpoint string `mapstructure:"endpoint"`
	APIVersion  string `mapstructure:"api_version"`
}

type AnalysisConfig struct {
	Mode              string        `mapstructure:"mode"`
	Parallelism       int           `mapstructure:"parallelism"`
	DependencyTimeout time.Duration `mapstructure:"dependency_timeout"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	StagesFile        string        `mapstructure:"stages_file"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.static_dir", "web/static")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.rate_limit", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.max_retries", 1)
	v.SetDefault("llm.file_poll_interval", "10s")
	v.SetDefault("llm.file_timeout", "5m")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1/")
	v.SetDefault("openai.api_version", "2023-05-15")

	v.SetDefault("analysis.mode", ModeStream)
	v.SetDefault("analysis.parallelism", 0)
	v.SetDefault("analysis.dependency_timeout", "5m")
	v.SetDefault("analysis.session_ttl", "30m")
	v.SetDefault("analysis.stages_file", "")
	v.SetDefault("analysis.max_upload_bytes", 32<<20)

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.dir", "uploads")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "finsight-uploads")
	v.SetDefault("minio.region", "us-east-1")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads defaults, an optional config file named by CONFIG_FILE and
// the environment, in increasing order of precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.LLM.Model == "" && cfg.LLM.Provider != ProviderGemini {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("configuration loaded successfully", "provider", cfg.LLM.Provider, "mode", cfg.Analysis.Mode)
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	case ProviderOpenAI, ProviderAzure:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required for the %s provider", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}

	switch c.Analysis.Mode {
	case ModeStream, ModeAggregate:
	default:
		errs = append(errs, fmt.Errorf("unknown analysis mode %q", c.Analysis.Mode))
	}

	switch c.Storage.Backend {
	case StorageLocal:
	case StorageMinio:
		if c.Minio.AccessKey == "" || c.Minio.SecretKey == "" {
			errs = append(errs, errors.New("minio storage requires MINIO_ACCESS_KEY and MINIO_SECRET_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Analysis.DependencyTimeout <= 0 {
		errs = append(errs, errors.New("analysis.dependency_timeout must be positive"))
	}

	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}
