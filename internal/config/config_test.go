package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("KILN_CONFIG", "")
	t.Setenv("KILN_CONFIG_CONTENT", "")
	t.Setenv("KILN_MODEL", "")
	t.Setenv("KILN_PERMISSION", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	isolate(t)

	globalDir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "kiln")
	writeFile(t, filepath.Join(globalDir, "kiln.json"), `{
		"model": "anthropic/claude-sonnet-4",
		"maxRetries": 2
	}`)

	project := t.TempDir()
	writeFile(t, filepath.Join(project, "kiln.jsonc"), `{
		// project picks a different default
		"model": "openai/gpt-4o"
	}`)

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", cfg.Model)
	assert.Equal(t, 2, cfg.MaxRetries)
}

func TestLoadInterpolation(t *testing.T) {
	isolate(t)
	t.Setenv("KILN_TEST_KEY", "sk-from-env")

	project := t.TempDir()
	writeFile(t, filepath.Join(project, "prompt.txt"), "be brief")
	writeFile(t, filepath.Join(project, "kiln.json"), `{
		"provider": {"anthropic": {"apiKey": "{env:KILN_TEST_KEY}"}},
		"agent": {"build": {"prompt": "{file:prompt.txt}"}}
	}`)

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "be brief", cfg.Agent["build"].Prompt)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("KILN_MODEL", "anthropic/claude-opus-4")
	t.Setenv("KILN_PERMISSION", `[{"permission":"bash","pattern":"*","action":"deny"}]`)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "anthropic/claude-opus-4", cfg.Model)
	require.Len(t, cfg.Permission, 1)
	assert.Equal(t, types.ActionDeny, cfg.Permission[0].Action)
}

func TestLoadInlineContent(t *testing.T) {
	isolate(t)
	t.Setenv("KILN_CONFIG_CONTENT", `{"instructions": ["always run tests"]}`)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"always run tests"}, cfg.Instructions)
}

func TestParseModel(t *testing.T) {
	ref := ParseModel("anthropic/claude-sonnet-4")
	assert.Equal(t, types.ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet-4"}, ref)

	ref = ParseModel("openrouter/meta/llama-3")
	assert.Equal(t, types.ModelRef{ProviderID: "openrouter", ModelID: "meta/llama-3"}, ref)

	ref = ParseModel("bare-model")
	assert.Equal(t, types.ModelRef{ModelID: "bare-model"}, ref)
}

func TestWatcherPublishesOnChange(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	path := filepath.Join(project, "kiln.json")
	writeFile(t, path, `{}`)

	b := bus.New()
	t.Cleanup(func() { b.Close() })

	events := make(chan bus.ConfigUpdatedData, 8)
	b.Subscribe(bus.ConfigUpdated, func(e bus.Event) {
		events <- e.Properties.(bus.ConfigUpdatedData)
	})

	w, err := Watch(b, project)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	writeFile(t, path, `{"model": "anthropic/claude-sonnet-4"}`)

	select {
	case ev := <-events:
		assert.Equal(t, path, ev.File)
	case <-time.After(2 * time.Second):
		t.Fatal("no config.updated event")
	}
}
