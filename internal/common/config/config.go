// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig               `mapstructure:"app"`
	Server   ServerConfig            `mapstructure:"server"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Model    ModelConfig             `mapstructure:"model"`
	Explain  ExplainConfig           `mapstructure:"explain"`
	Database DatabaseConfig          `mapstructure:"database"`
	Audit    AuditConfig             `mapstructure:"audit"`
	Camunda  CamundaConfig           `mapstructure:"camunda"`
	Workers  map[string]WorkerConfig `mapstructure:"workers"`
	Logging  LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	ReadTimeout    int      `mapstructure:"read_timeout"`    // milliseconds
	WriteTimeout   int      `mapstructure:"write_timeout"`   // milliseconds
	RequestTimeout int      `mapstructure:"request_timeout"` // milliseconds
	ShutdownGrace  int      `mapstructure:"shutdown_grace"`  // milliseconds
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
}

// AuthConfig holds token and credential store settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Algorithm string `mapstructure:"algorithm"`
	TokenTTL  int    `mapstructure:"token_ttl"` // seconds
	Issuer    string `mapstructure:"issuer"`

	// Store selects the credential store: "postgres" or "memory".
	Store string       `mapstructure:"store"`
	Users []UserConfig `mapstructure:"users"`
}

// UserConfig seeds the in-memory credential store. PasswordHash is a bcrypt
// hash, see `risk-gateway hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Admin        bool   `mapstructure:"admin"`
}

// ModelConfig points at the serialized model artifact.
type ModelConfig struct {
	ArtifactPath string `mapstructure:"artifact_path"`
}

// ExplainConfig tunes the attribution engine and names its background source.
type ExplainConfig struct {
	Method                   string           `mapstructure:"method"` // auto, exact, permutation
	MaxConcurrentEvaluations int              `mapstructure:"max_concurrent_evaluations"`
	Permutations             int              `mapstructure:"permutations"`
	ExactMaxFeatures         int              `mapstructure:"exact_max_features"`
	Seed                     uint64           `mapstructure:"seed"`
	Timeout                  int              `mapstructure:"timeout"` // milliseconds
	Background               BackgroundConfig `mapstructure:"background"`
}

// BackgroundConfig selects where reference rows come from.
type BackgroundConfig struct {
	Source          string `mapstructure:"source"` // artifact, file, redis, none
	Path            string `mapstructure:"path"`
	RedisKey        string `mapstructure:"redis_key"`
	MaxRows         int    `mapstructure:"max_rows"`
	RefreshInterval int    `mapstructure:"refresh_interval"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuditConfig controls the request audit trail.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
	// MaxInFlight bounds concurrent index writes; excess events are dropped.
	MaxInFlight int `mapstructure:"max_in_flight"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
