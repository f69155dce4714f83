package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want, *cfg)
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, "lethe.yaml", `
server:
  port: 9000
engine:
  profile: strict
  policy_path: /etc/lethe/policy.dsl
watch:
  debounce: 1s
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind, "unset keys keep their defaults")
	assert.Equal(t, "strict", cfg.Engine.Profile)
	assert.Equal(t, "/etc/lethe/policy.dsl", cfg.Engine.PolicyPath)
	assert.Equal(t, 0, cfg.Engine.TopK)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfig(t, "lethe.json", `{"log": {"level": "debug", "format": "json"}}`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadUnsupportedFile(t *testing.T) {
	path := writeConfig(t, "lethe.toml", "x = 1")
	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "unsupported config file format")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "lethe.yaml", "engine:\n  topk: 3\n")
	t.Setenv("LETHE_ENGINE_TOPK", "8")
	t.Setenv("LETHE_ENGINE_POLICY_PATH", "/tmp/p.dsl")
	t.Setenv("LETHE_SERVER_PORT", "4000")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.TopK)
	assert.Equal(t, "/tmp/p.dsl", cfg.Engine.PolicyPath)
	assert.Equal(t, 4000, cfg.Server.Port)
}

func TestOverridesWin(t *testing.T) {
	t.Setenv("LETHE_ENGINE_PROFILE", "strict")
	cfg, err := Load("", map[string]any{"engine.profile": "simple", "log.level": "warn"})
	require.NoError(t, err)
	assert.Equal(t, "simple", cfg.Engine.Profile)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidationErrors(t *testing.T) {
	_, err := Load("", map[string]any{
		"engine.profile": "lenient",
		"engine.topk":    -1,
		"server.port":    70000,
	})
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 3)
	assert.Contains(t, err.Error(), "Config.Engine.Profile: must be one of [simple strict]")
	assert.Contains(t, err.Error(), "Config.Engine.TopK: must be greater than or equal to 0")
	assert.Contains(t, err.Error(), "Config.Server.Port: must be at most 65535")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("LETHE_SERVER_PORT"))
	assert.Equal(t, "engine.policy_path", envKey("LETHE_ENGINE_POLICY_PATH"))
	assert.Equal(t, "server.rate_limit", envKey("LETHE_SERVER_RATE_LIMIT"))
}

func TestPolicyWatcherRequiresPath(t *testing.T) {
	_, err := NewPolicyWatcher("")
	assert.Error(t, err)
}

func TestPolicyWatcherReportsChanges(t *testing.T) {
	path := writeConfig(t, "policy.dsl", "emotion joy { lambda = 0.1 }\n")

	w, err := NewPolicyWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	got := make(chan string, 4)
	w.OnChange(func(text string) { got <- text })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("emotion joy { lambda = 0.2 }\n"), 0o644))

	select {
	case text := <-got:
		assert.Contains(t, text, "0.2")
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	require.NoError(t, w.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Stop")
	}
}

func TestPolicyWatcherIgnoresSiblings(t *testing.T) {
	path := writeConfig(t, "policy.dsl", "")

	w, err := NewPolicyWatcher(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	got := make(chan string, 1)
	w.OnChange(func(text string) { got <- text })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.dsl"), []byte("x"), 0o644))

	select {
	case <-got:
		t.Fatal("change reported for a sibling file")
	case <-time.After(200 * time.Millisecond):
	}
}
