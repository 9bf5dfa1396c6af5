package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/internal/pipeline"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig(newViper(), filepath.Join(home, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".reelflow", "reelflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.TickInterval)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, pipeline.DefaultMuxTimeout, cfg.FFmpegTimeout)
	assert.Equal(t, pipeline.DefaultOutputNameExpr, cfg.OutputNameExpr)
	assert.Equal(t, 10*time.Minute, cfg.Render.VideoTimeout)
	assert.Equal(t, 30*time.Second, cfg.Render.RequestTimeout)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.NoError(t, cfg.validateServe())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeSettings(t, `
log_level: debug
pool_size: 2
tick_interval: 30s
render:
  url: http://render.local:8188
  video_timeout: 20m
ai:
  url: http://ai.local:5000
`)
	t.Setenv("REELFLOW_POOL_SIZE", "8")
	t.Setenv("REELFLOW_AI_URL", "http://ai.env:5000")

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, "http://render.local:8188", cfg.Render.URL)
	assert.Equal(t, 20*time.Minute, cfg.Render.VideoTimeout)
	assert.Equal(t, 2*time.Second, cfg.Render.PollInterval, "unset nested keys keep defaults")
	assert.Equal(t, 8, cfg.PoolSize, "env overrides file")
	assert.Equal(t, "http://ai.env:5000", cfg.AI.URL)
}

func TestLoadConfigMalformed(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeSettings(t, "render: [unterminated")

	_, err := loadConfig(newViper(), path)
	assert.Error(t, err)
}

func TestValidateServe(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig(newViper(), writeSettings(t, "pool_size: -1\nrender:\n  url: \"\"\n"))
	require.NoError(t, err)

	err = cfg.validateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_size")
	assert.Contains(t, err.Error(), "render.url")
}

func TestDiffConfigs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	old, err := decodeConfig(newViper())
	require.NoError(t, err)

	same := *old
	d := diffConfigs(old, &same)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	changed := *old
	changed.LogLevel = "DEBUG"
	changed.PoolSize = 9
	changed.Render.URL = "http://elsewhere"
	d = diffConfigs(old, &changed)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"pool_size", "render"}, d.RestartNeeded)
}

func TestDBURI(t *testing.T) {
	assert.Equal(t, "file:/tmp/r.db", dbURI("/tmp/r.db"))
	assert.Equal(t, "file:/tmp/r.db", dbURI("file:/tmp/r.db"))
	assert.Equal(t, "libsql://db.example", dbURI("libsql://db.example"))
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, err := runRoot(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestInitCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "conf", "settings.yaml")

	out, err := runRoot(t, "--config", path, "init",
		"--render-url", "http://render.local:8188",
		"--output-dir", filepath.Join(home, "videos"),
		"--pool-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to "+path)
	assert.DirExists(t, filepath.Join(home, "videos"))

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "http://render.local:8188", cfg.Render.URL)
	assert.Equal(t, 2, cfg.PoolSize)

	_, err = runRoot(t, "--config", path, "init")
	assert.Error(t, err, "existing settings are kept without --force")

	_, err = runRoot(t, "--config", path, "init", "--force", "--pool-size", "5")
	require.NoError(t, err)
	cfg, err = loadConfig(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PoolSize)
}

func TestStatusAndHistoryCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	db := filepath.Join(home, "data", "reelflow.db")

	out, err := runRoot(t, "--db-path", db, "status", "u1")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	out, err = runRoot(t, "--db-path", db, "status", "u1", "wf-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"workflowId": "wf-1"`)
	assert.Contains(t, out, `"isRunning": false`)

	out, err = runRoot(t, "--db-path", db, "history", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	out, err = runRoot(t, "--db-path", db, "history", "clear", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "deleted 0 entries\n", out)
}
