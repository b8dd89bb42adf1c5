package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadProjectOverridesDefaults(t *testing.T) {
	project := t.TempDir()
	dir := filepath.Join(project, SteroidsDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	content := []byte(`
ai:
  coder:
    provider: openai
    model: gpt-5
git:
  branch: develop
sections:
  batch_mode: true
  max_batch_size: 3
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), content, 0o644))

	cfg, err := Load(project)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.AI.Coder.Provider)
	assert.Equal(t, "gpt-5", cfg.AI.Coder.Model)
	assert.Equal(t, "develop", cfg.Git.Branch)
	// Untouched fields keep their defaults.
	assert.Equal(t, "origin", cfg.Git.Remote)
	assert.Equal(t, "anthropic", cfg.AI.Reviewer.Provider)
	assert.True(t, cfg.Sections.BatchMode)
	assert.Equal(t, 3, cfg.Sections.MaxBatchSize)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	project := t.TempDir()
	dir := filepath.Join(project, SteroidsDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("ai: ["), 0o644))

	_, err := Load(project)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Runners.HeartbeatInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sections.BatchMode = true
	cfg.Sections.MaxBatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retention.InvocationDays = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Runners.StaleAfter = 10 * time.Second
	assert.Error(t, cfg.Validate(), "stale_after below heartbeat_interval")
}

func TestSaveRoundTrip(t *testing.T) {
	project := t.TempDir()

	cfg := Default()
	cfg.Git.Branch = "release"
	cfg.Runners.Parallel.LeaseDuration = 5 * time.Minute
	require.NoError(t, cfg.Save(project))

	loaded, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "release", loaded.Git.Branch)
	assert.Equal(t, 5*time.Minute, loaded.Runners.Parallel.LeaseDuration)
}

func TestDotenvLoaded(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ".env"),
		[]byte("STEROIDS_TEST_TOKEN=abc\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("STEROIDS_TEST_TOKEN") })

	_, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "abc", os.Getenv("STEROIDS_TEST_TOKEN"))
}
