// internal/workers/risk/explain-risk/config.go
package explainrisk

import (
	"time"

	"risk-gateway/internal/common/config"
)

type Config struct {
	Timeout     time.Duration
	DefaultSeed uint64
}

func LoadConfig(wcfg config.WorkerConfig, ecfg config.ExplainConfig) *Config {
	timeout := config.GetDuration(wcfg.Timeout)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Config{
		Timeout:     timeout,
		DefaultSeed: ecfg.Seed,
	}
}
