package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"risk-gateway/internal/common/config"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/riskmodel"
)

func TestSubcommandRegistration(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(strings.NewReader(""), &stdout, &stderr)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "hash-password", "user", "activities", "version"} {
		assert.True(t, names[want], "subcommand %q not registered", want)
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "risk-gateway dev")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"nonexistent"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr.String())
}

func TestRun_HashPassword(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"hash-password", "--cost", "4"}, strings.NewReader("wonderland\n"), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	hash := strings.TrimSpace(stdout.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("wonderland")))
}

func TestRun_HashPasswordEmptyInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"hash-password"}, strings.NewReader("\n"), &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no password")
	assert.Empty(t, stdout.String())
}

func TestRun_UserAddNeedsUsername(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"user", "add"}, strings.NewReader("pw\n"), &stdout, &stderr)
	assert.Equal(t, 1, code)
}

func TestRun_ServeBadConfigPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"serve", "--config", "/nonexistent/config.yaml"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "config load failed")
}

func TestBuildRegistry(t *testing.T) {
	handle, err := riskmodel.LoadFile("../../models/risk_model_v1.json")
	require.NoError(t, err)
	cfg := &config.Config{Workers: map[string]config.WorkerConfig{
		"predict-risk": {Enabled: true, Timeout: 30000, MaxRetries: 3},
	}}

	reg, err := buildRegistry(cfg, handle)
	require.NoError(t, err)
	assert.Equal(t, handle.Version(), reg.ModelVersion)
	require.Len(t, reg.Activities, 2)

	predict, ok := reg.Find("predict-risk")
	require.True(t, ok)
	assert.Equal(t, 3, predict.Retries)
	assert.Equal(t, "30s", predict.Timeout)
	props := predict.InputSchema["properties"].(map[string]interface{})
	features := props["features"].(map[string]interface{})
	assert.Len(t, features["properties"], len(handle.FeatureNames()))

	_, ok = reg.Find("explain-risk")
	assert.True(t, ok)
}

func TestRetryWithBackoff(t *testing.T) {
	log := logger.NewTestLogger(t)

	calls := 0
	err := retryWithBackoff(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5, time.Millisecond, log, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryWithBackoff(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	}, 3, time.Millisecond, log, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken failed after 3 attempts")
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retryWithBackoff(ctx, func(context.Context) error { return errors.New("down") }, 3, time.Hour, log, "cancelled")
	assert.ErrorIs(t, err, context.Canceled)
}
