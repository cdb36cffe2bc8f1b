package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
}

func TestConfigInit(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	path := filepath.Join(t.TempDir(), "nested", "agentcore.json")

	output, err := executeCommand("config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "Configuration saved to: "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Contains(t, saved, "server")
	assert.Contains(t, string(data), "sk-ant-from-env")

	_, err = executeCommand("config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = executeCommand("config", "init", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "agentcore.json")
	body := `{
		"server": {"shared_secret": "hunter2"},
		"agent": {"profiles": [{"id": "p", "provider": "anthropic", "api_key": "sk-ant-secret", "priority": 1}]},
		"credential": {"token": "bearer-secret"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	output, err := executeCommand("config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, `"port": 8080`)
	assert.NotContains(t, output, "hunter2")
	assert.NotContains(t, output, "sk-ant-secret")
	assert.NotContains(t, output, "bearer-secret")
}

func TestConfigValidateCommand(t *testing.T) {
	isolateEnv(t)

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		body := `{
			"agent": {"profiles": [{"id": "p", "provider": "anthropic", "api_key": "sk-ant-x", "priority": 1}]},
			"credential": {"token": "t"}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))

		output, err := executeCommand("config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "configuration is valid")
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

		output, err := executeCommand("config", "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, output, "no AI credentials")
	})
}
