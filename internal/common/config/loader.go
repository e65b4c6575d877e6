package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const minSecretBytes = 32

var supportedAlgorithms = map[string]bool{"HS256": true, "HS384": true, "HS512": true}

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml over
// it and applies environment overrides.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile reads a single YAML file plus environment overrides.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	return v
}

// bindEnv registers keys that have no YAML default so AutomaticEnv can see them.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"auth.jwt_secret",
		"auth.algorithm",
		"auth.store",
		"model.artifact_path",
		"server.address",
		"explain.background.source",
		"explain.background.path",
		"explain.background.redis_key",
		"database.postgres.host",
		"database.postgres.user",
		"database.postgres.password",
		"database.redis.address",
		"database.elasticsearch.url",
		"camunda.enabled",
		"camunda.broker_address",
		"audit.enabled",
		"logging.level",
		"logging.format",
	} {
		_ = v.BindEnv(key)
	}
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			if expanded := os.ExpandEnv(strVal); expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

func overrideEmptyConfig(cfg *Config) {
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if cfg.Model.ArtifactPath == "" {
		cfg.Model.ArtifactPath = os.Getenv("MODEL_PATH")
	}
	if cfg.Database.Postgres.User == "" {
		cfg.Database.Postgres.User = os.Getenv("DB_USER")
	}
	if cfg.Database.Postgres.Password == "" {
		cfg.Database.Postgres.Password = os.Getenv("DB_PASSWORD")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "risk-gateway"
	}

	// Server defaults
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60000
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30000
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	// Auth defaults
	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = "HS256"
	}
	cfg.Auth.Algorithm = strings.ToUpper(cfg.Auth.Algorithm)
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 30 * 60
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = cfg.App.Name
	}
	if cfg.Auth.Store == "" {
		cfg.Auth.Store = "postgres"
	}

	// Explanation defaults
	if cfg.Explain.Method == "" {
		cfg.Explain.Method = "auto"
	}
	if cfg.Explain.MaxConcurrentEvaluations == 0 {
		cfg.Explain.MaxConcurrentEvaluations = 64
	}
	if cfg.Explain.Permutations == 0 {
		cfg.Explain.Permutations = 64
	}
	if cfg.Explain.ExactMaxFeatures == 0 {
		cfg.Explain.ExactMaxFeatures = 10
	}
	if cfg.Explain.Timeout == 0 {
		cfg.Explain.Timeout = 20000
	}
	if cfg.Explain.Background.Source == "" {
		cfg.Explain.Background.Source = "artifact"
	}
	if cfg.Explain.Background.MaxRows == 0 {
		cfg.Explain.Background.MaxRows = 100
	}
	if cfg.Explain.Background.RefreshInterval == 0 {
		cfg.Explain.Background.RefreshInterval = 5 * 60 * 1000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.URL == "" && len(cfg.Database.Elasticsearch.Addresses) > 0 {
		cfg.Database.Elasticsearch.URL = cfg.Database.Elasticsearch.Addresses[0]
	}

	// Audit defaults
	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "risk-gateway-audit"
	}
	if cfg.Audit.Timeout == 0 {
		cfg.Audit.Timeout = 2000
	}
	if cfg.Audit.MaxInFlight == 0 {
		cfg.Audit.MaxInFlight = 64
	}

	// Camunda defaults
	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.Auth.JWTSecret) < minSecretBytes {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretBytes)
	}
	if !supportedAlgorithms[cfg.Auth.Algorithm] {
		return fmt.Errorf("auth.algorithm %q is not supported", cfg.Auth.Algorithm)
	}
	if cfg.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	switch cfg.Auth.Store {
	case "postgres":
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	case "memory":
		for i, u := range cfg.Auth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("auth.users[%d] needs username and password_hash", i)
			}
		}
	default:
		return fmt.Errorf("auth.store %q is not supported", cfg.Auth.Store)
	}

	if cfg.Model.ArtifactPath == "" {
		return fmt.Errorf("model.artifact_path is required")
	}

	switch cfg.Explain.Method {
	case "auto", "exact", "permutation":
	default:
		return fmt.Errorf("explain.method %q is not supported", cfg.Explain.Method)
	}
	if cfg.Explain.MaxConcurrentEvaluations < 1 {
		return fmt.Errorf("explain.max_concurrent_evaluations must be at least 1")
	}
	if cfg.Explain.ExactMaxFeatures < 1 || cfg.Explain.ExactMaxFeatures > 20 {
		return fmt.Errorf("explain.exact_max_features must be between 1 and 20")
	}
	if cfg.Explain.Permutations < 1 {
		return fmt.Errorf("explain.permutations must be at least 1")
	}

	switch cfg.Explain.Background.Source {
	case "artifact", "none":
	case "file":
		if cfg.Explain.Background.Path == "" {
			return fmt.Errorf("explain.background.path is required for source file")
		}
	case "redis":
		if cfg.Explain.Background.RedisKey == "" {
			return fmt.Errorf("explain.background.redis_key is required for source redis")
		}
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required for source redis")
		}
	default:
		return fmt.Errorf("explain.background.source %q is not supported", cfg.Explain.Background.Source)
	}

	if cfg.Audit.Enabled && cfg.Database.Elasticsearch.GetURL() == "" {
		return fmt.Errorf("database.elasticsearch.addresses or url is required when audit is enabled")
	}

	if cfg.Camunda.Enabled && cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required when camunda is enabled")
	}

	return nil
}

func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// TokenTTLDuration returns the configured token lifetime.
func (a AuthConfig) TokenTTLDuration() time.Duration {
	return time.Duration(a.TokenTTL) * time.Second
}

func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       false,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return false
}
