package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "AMPARO"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDBPath      = "amparo.db"
	defaultLogLevel    = "info"
	defaultEnvironment = "production"

	defaultModelName  = "gpt-4o-mini"
	defaultModelURL   = "https://api.openai.com/v1/chat/completions"
	defaultBatchSize  = 50
	defaultMaxPerPers = 3
	defaultOrgDelayMs = 1000
	defaultJobBudget  = 10 * time.Minute
)

// EnvironmentDevelopment relaxes cron/debug authorization checks.
const EnvironmentDevelopment = "development"

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Environment  string

	WebhookSigningSecret string
	CronSecret           string
	TestAPIKey           string
	SessionSigningSecret string

	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string

	InChurchBaseURL string
	InChurchAPIKey  string

	BatchSize               int
	MaxInitiativesPerPerson int
	OrgDelay                time.Duration
	JobBudget               time.Duration
}

// IsDevelopment reports whether the service runs in development mode.
func (c AppConfig) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentDevelopment)
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDBPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("model.base_url", defaultModelURL)
	configViper.SetDefault("model.name", defaultModelName)
	configViper.SetDefault("inchurch.base_url", "https://api.inchurch.com.br/v1")
	configViper.SetDefault("pipeline.batch_size", defaultBatchSize)
	configViper.SetDefault("pipeline.max_initiatives_per_person", defaultMaxPerPers)
	configViper.SetDefault("pipeline.org_delay_ms", defaultOrgDelayMs)
	configViper.SetDefault("pipeline.job_budget_ms", int(defaultJobBudget/time.Millisecond))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Environment:  configViper.GetString("environment"),

		WebhookSigningSecret: configViper.GetString("webhook.signing_secret"),
		CronSecret:           configViper.GetString("cron.secret"),
		TestAPIKey:           configViper.GetString("cron.test_api_key"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),

		ModelBaseURL: configViper.GetString("model.base_url"),
		ModelAPIKey:  configViper.GetString("model.api_key"),
		ModelName:    configViper.GetString("model.name"),

		InChurchBaseURL: configViper.GetString("inchurch.base_url"),
		InChurchAPIKey:  configViper.GetString("inchurch.api_key"),

		BatchSize:               configViper.GetInt("pipeline.batch_size"),
		MaxInitiativesPerPerson: configViper.GetInt("pipeline.max_initiatives_per_person"),
		OrgDelay:                time.Duration(configViper.GetInt("pipeline.org_delay_ms")) * time.Millisecond,
		JobBudget:               time.Duration(configViper.GetInt("pipeline.job_budget_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.WebhookSigningSecret) == "" {
		return fmt.Errorf("webhook.signing_secret is required")
	}
	if !c.IsDevelopment() && strings.TrimSpace(c.CronSecret) == "" {
		return fmt.Errorf("cron.secret is required outside development")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.MaxInitiativesPerPerson <= 0 {
		return fmt.Errorf("pipeline.max_initiatives_per_person must be positive")
	}
	return nil
}
