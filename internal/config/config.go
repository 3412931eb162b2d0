package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Email        EmailConfig        `mapstructure:"email"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type EmailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type OrchestratorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	StuckAfter       time.Duration `mapstructure:"stuck_after"`
	RelevanceTimeout time.Duration `mapstructure:"relevance_timeout"`
}

type DispatcherConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// secrets are the values that must never live in the config file; they are
// injected through the environment and override whatever the file says.
type secrets struct {
	DatabasePassword string `envconfig:"DB_PASSWORD"`
	JWTSecret        string `envconfig:"JWT_SECRET"`
	LLMAPIKey        string `envconfig:"LLM_API_KEY"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	RedisURL         string `envconfig:"REDIS_URL"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var sec secrets
	if err := envconfig.Process("textloop", &sec); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if sec.DatabasePassword != "" {
		config.Database.Password = sec.DatabasePassword
	}
	if sec.JWTSecret != "" {
		config.JWT.Secret = sec.JWTSecret
	}
	if sec.LLMAPIKey != "" {
		config.LLM.APIKey = sec.LLMAPIKey
	}
	if sec.SMTPPassword != "" {
		config.Email.Password = sec.SMTPPassword
	}
	if sec.RedisURL != "" {
		config.Redis.URL = sec.RedisURL
	}

	return &config, nil
}
