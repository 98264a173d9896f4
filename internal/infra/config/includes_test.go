package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm.yaml", `
llm:
  providers:
    - name: main
      type: scripted
      api_key: from-include
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - llm.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LLM.Providers, 1)
	assert.Equal(t, "from-include", cfg.LLM.Providers[0].APIKey)
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeConfigFile(t, sub, "bus.yaml", `
bus:
  transport: redis
  redis_url: redis://cache:6379/1
`)
	writeConfigFile(t, sub, "actor.yaml", `
actor:
  history_limit: 12
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - conf.d/*.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Bus.Transport)
	assert.Equal(t, 12, cfg.Actor.HistoryLimit)
}

func TestIncludesGlobWithoutMatches(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - none/*.yaml
`)
	_, err := Load(path)
	assert.NoError(t, err)
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "override.yaml", `
actor:
  history_limit: 99
  context_token_budget: 1234
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - override.yaml
actor:
  history_limit: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Actor.HistoryLimit)
	assert.Equal(t, 1234, cfg.Actor.ContextTokenBudget)
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "inner.yaml", `
logger:
  format: json
`)
	writeConfigFile(t, dir, "outer.yaml", `
includes:
  - inner.yaml
logger:
  level: warn
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - outer.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestIncludesCircularDetection(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - b.yaml\n")
	writeConfigFile(t, dir, "b.yaml", "includes:\n  - a.yaml\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - a.yaml\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestIncludesSelfReference(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - config.yaml\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - ../../../etc/passwd\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes config directory")
}
