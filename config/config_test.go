package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 5, cfg.AgentMaxSteps)
	assert.Equal(t, 3, cfg.StepMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.StreamPollInterval)
	assert.Equal(t, DefaultSystemPrompt, cfg.SystemPrompt)
	assert.True(t, cfg.OTLPInsecure)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("AGENT_MAX_STEPS", "2")
	t.Setenv("STEP_RETRY_INITIAL_MS", "50")
	t.Setenv("GOGO_MODE", "MOCK")
	t.Setenv("OTEL_INSECURE", "false")
	t.Setenv("TOOL_TIMEOUT_MS", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 2, cfg.AgentMaxSteps)
	assert.Equal(t, 50*time.Millisecond, cfg.StepRetryInitial)
	assert.Equal(t, "MOCK", cfg.Mode)
	assert.False(t, cfg.OTLPInsecure)
	assert.Equal(t, 10*time.Second, cfg.ToolTimeout)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LLM_MODEL=from-file\nHTTP_PORT=7000\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("HTTP_PORT", "7100")
	t.Cleanup(func() { os.Unsetenv("LLM_MODEL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.LLMModel)
	assert.Equal(t, 7100, cfg.HTTPPort)
}

func TestLoadWithoutDotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load()
	assert.NoError(t, err)
}
