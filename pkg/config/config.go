package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Model     ModelConfig
	Extractor ExtractorConfig
	Pipeline  PipelineConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type ModelConfig struct {
	Provider    string
	Model       string
	RiskModel   string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type ExtractorConfig struct {
	FetchTimeoutSec int
	UserAgent       string
	MaxBodyBytes    int64
	MinContentChars int
}

type PipelineConfig struct {
	Workers             int
	MaxRetryAttempts    int
	DedupThreshold      float64
	DedupDateWindowDays int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/cyberwatch")

	viper.SetEnvPrefix("CYBERWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 9090)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	viper.SetDefault("sqlite.path", "./data/cyberwatch.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("model.provider", "openai")
	viper.SetDefault("model.model", "gpt-4o-mini")
	viper.SetDefault("model.riskModel", "gpt-4o")
	viper.SetDefault("model.temperature", 0.2)
	viper.SetDefault("model.maxTokens", 1024)
	viper.SetDefault("model.timeoutSec", 60)

	viper.SetDefault("extractor.fetchTimeoutSec", 20)
	viper.SetDefault("extractor.userAgent", "cyberwatch-pipeline/1.0")
	viper.SetDefault("extractor.maxBodyBytes", 10485760)
	viper.SetDefault("extractor.minContentChars", 200)

	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.maxRetryAttempts", 3)
	viper.SetDefault("pipeline.dedupThreshold", 0.6)
	viper.SetDefault("pipeline.dedupDateWindowDays", 7)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
