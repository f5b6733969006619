// Package config loads server settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "ORBIT"

var ErrMissingSecret = errors.New("config: auth.jwtSecret is required")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	AI        AIConfig        `mapstructure:"ai"`
	Execute   ExecuteConfig   `mapstructure:"execute"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

type AIConfig struct {
	APIKey        string        `mapstructure:"apiKey"`
	BaseURL       string        `mapstructure:"baseURL"`
	Model         string        `mapstructure:"model"`
	MaxTokens     int           `mapstructure:"maxTokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Name          string        `mapstructure:"name"`
	Email         string        `mapstructure:"email"`
	Password      string        `mapstructure:"password"`
	Keywords      []string      `mapstructure:"keywords"`
	HistoryLimit  int           `mapstructure:"historyLimit"`
	ContextBudget int           `mapstructure:"contextBudget"`
}

type ExecuteConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	ClientID     string        `mapstructure:"clientID"`
	ClientSecret string        `mapstructure:"clientSecret"`
	VersionIndex string        `mapstructure:"versionIndex"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	CompilePerMinute float64       `mapstructure:"compilePerMinute"`
	CompileBurst     int           `mapstructure:"compileBurst"`
	IdleTimeout      time.Duration `mapstructure:"idleTimeout"`
}

type RetentionConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Keep      int           `mapstructure:"keep"`
	Threshold int           `mapstructure:"threshold"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":5000")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.path", "./data/orbit.db")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenTTL", "168h")

	v.SetDefault("ai.apiKey", "")
	v.SetDefault("ai.baseURL", "https://api.groq.com/openai/v1")
	v.SetDefault("ai.model", "llama-3.3-70b-versatile")
	v.SetDefault("ai.maxTokens", 500)
	v.SetDefault("ai.timeout", "30s")
	v.SetDefault("ai.name", "Orbit")
	v.SetDefault("ai.email", "orbit@ai.dev")
	v.SetDefault("ai.password", "")
	v.SetDefault("ai.keywords", []string{})
	v.SetDefault("ai.historyLimit", 10)
	v.SetDefault("ai.contextBudget", 16384)

	v.SetDefault("execute.endpoint", "https://api.jdoodle.com/v1/execute")
	v.SetDefault("execute.clientID", "")
	v.SetDefault("execute.clientSecret", "")
	v.SetDefault("execute.versionIndex", "3")
	v.SetDefault("execute.timeout", "20s")

	v.SetDefault("rateLimit.compilePerMinute", 10)
	v.SetDefault("rateLimit.compileBurst", 5)
	v.SetDefault("rateLimit.idleTimeout", "10m")

	v.SetDefault("retention.interval", "10m")
	v.SetDefault("retention.keep", 0)
	v.SetDefault("retention.threshold", 0)
}

// Load reads configuration from file (or ./orbit.yaml when file is empty)
// and ORBIT_* environment variables. A missing default file is not an error.
func Load(logger *zap.Logger, file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("orbit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by existing deployments.
	bindLegacy(v, "auth.jwtSecret", "JWT_SECRET")
	bindLegacy(v, "ai.apiKey", "GROQ_API_KEY")
	bindLegacy(v, "execute.clientID", "JDOODLE_CLIENT_ID")
	bindLegacy(v, "execute.clientSecret", "JDOODLE_CLIENT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		logger.Debug("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacy accepts an unprefixed variable after the ORBIT_ one.
func bindLegacy(v *viper.Viper, key, legacy string) {
	prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	v.BindEnv(key, prefixed, legacy)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return ErrMissingSecret
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("config: auth.tokenTTL must be positive")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("config: server.address is required")
	}
	return nil
}
