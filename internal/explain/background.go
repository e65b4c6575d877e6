package explain

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"risk-gateway/internal/common/config"
	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/riskmodel"
)

const (
	SourceArtifact = "artifact"
	SourceFile     = "file"
	SourceRedis    = "redis"
	SourceNone     = "none"
)

const defaultRefreshInterval = 5 * time.Minute

// BackgroundSource supplies the reference rows explanations are computed
// against. The explained instance is never used in their place.
type BackgroundSource interface {
	Sample(ctx context.Context) ([]riskmodel.FeatureVector, error)
	Name() string
}

// NewBackgroundSource builds the source named by cfg.Source. rdb is only
// consulted for the redis source.
func NewBackgroundSource(cfg config.BackgroundConfig, handle *riskmodel.Handle, rdb redis.Cmdable, log logger.Logger) (BackgroundSource, error) {
	switch cfg.Source {
	case SourceArtifact, "":
		return NewArtifactSource(handle, cfg.MaxRows), nil
	case SourceFile:
		return NewFileSource(cfg.Path, cfg.MaxRows)
	case SourceRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis background source needs a redis client")
		}
		return NewRedisSource(rdb, cfg.RedisKey, cfg.MaxRows, config.GetDuration(cfg.RefreshInterval), log), nil
	case SourceNone:
		return NoneSource{}, nil
	default:
		return nil, fmt.Errorf("unknown background source %q", cfg.Source)
	}
}

func truncate(rows []riskmodel.FeatureVector, max int) []riskmodel.FeatureVector {
	if max > 0 && len(rows) > max {
		return rows[:max]
	}
	return rows
}

// ArtifactSource serves the reference rows embedded in the model artifact.
type ArtifactSource struct {
	rows []riskmodel.FeatureVector
}

func NewArtifactSource(handle *riskmodel.Handle, maxRows int) *ArtifactSource {
	return &ArtifactSource{rows: truncate(handle.Reference(), maxRows)}
}

func (s *ArtifactSource) Sample(ctx context.Context) ([]riskmodel.FeatureVector, error) {
	if len(s.rows) == 0 {
		return nil, errors.NewBackgroundUnavailableError("model artifact has no reference rows")
	}
	return s.rows, nil
}

func (s *ArtifactSource) Name() string { return SourceArtifact }

// FileSource reads a JSON array of feature objects once at construction.
type FileSource struct {
	path string
	rows []riskmodel.FeatureVector
}

func NewFileSource(path string, maxRows int) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read background file: %w", err)
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, fmt.Errorf("decode background file %s: %w", path, err)
	}
	return &FileSource{path: path, rows: truncate(rows, maxRows)}, nil
}

func (s *FileSource) Sample(ctx context.Context) ([]riskmodel.FeatureVector, error) {
	if len(s.rows) == 0 {
		return nil, errors.NewBackgroundUnavailableError("background file " + s.path + " is empty")
	}
	return s.rows, nil
}

func (s *FileSource) Name() string { return SourceFile }

// RedisSource reads a JSON array from a Redis key and caches it until the
// refresh interval passes. A failed refresh keeps serving the cached rows.
type RedisSource struct {
	client  redis.Cmdable
	key     string
	maxRows int
	refresh time.Duration
	logger  logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	rows      []riskmodel.FeatureVector
	fetchedAt time.Time
}

func NewRedisSource(client redis.Cmdable, key string, maxRows int, refresh time.Duration, log logger.Logger) *RedisSource {
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	return &RedisSource{
		client:  client,
		key:     key,
		maxRows: maxRows,
		refresh: refresh,
		logger:  log.WithFields(map[string]interface{}{"component": "background", "redisKey": key}),
		now:     time.Now,
	}
}

func (s *RedisSource) Sample(ctx context.Context) ([]riskmodel.FeatureVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rows != nil && s.now().Sub(s.fetchedAt) < s.refresh {
		return s.rows, nil
	}

	rows, err := s.fetch(ctx)
	if err != nil {
		if s.rows != nil {
			s.logger.Warn("Background refresh failed, serving cached rows", map[string]interface{}{"error": err})
			return s.rows, nil
		}
		return nil, err
	}
	s.rows = rows
	s.fetchedAt = s.now()
	s.logger.Info("Background sample loaded", map[string]interface{}{"rows": len(rows)})
	return s.rows, nil
}

func (s *RedisSource) fetch(ctx context.Context) ([]riskmodel.FeatureVector, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewBackgroundUnavailableError("redis key " + s.key + " is not set")
	}
	if err != nil {
		return nil, errors.NewExplanationFailedError("read background from redis: " + err.Error())
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, errors.NewExplanationFailedError("decode background from redis: " + err.Error())
	}
	if len(rows) == 0 {
		return nil, errors.NewBackgroundUnavailableError("redis key " + s.key + " holds no rows")
	}
	return truncate(rows, s.maxRows), nil
}

func (s *RedisSource) Name() string { return SourceRedis }

// NoneSource disables explanations.
type NoneSource struct{}

func (NoneSource) Sample(ctx context.Context) ([]riskmodel.FeatureVector, error) {
	return nil, errors.NewBackgroundUnavailableError("explanations are disabled: no background source configured")
}

func (NoneSource) Name() string { return SourceNone }

// decodeRows keeps numbers as json.Number so integers survive exactly.
func decodeRows(data []byte) ([]riskmodel.FeatureVector, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []riskmodel.FeatureVector
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}
