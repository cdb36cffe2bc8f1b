package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/config"
	"github.com/nrhchnd1412/agentcore/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Session.TranscriptDir = dataDir + "/transcripts"
	cfg.Agent.Profiles = []config.ProfileConfig{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1},
	}
	cfg.Credential.Token = "gateway-token"
	return cfg
}

// createTestDaemon builds a daemon listening on a random local port.
func createTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	dataDir := t.TempDir()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(testConfig(dataDir), log)
	require.NoError(t, err)
	return d, dataDir
}

func TestNew(t *testing.T) {
	d, _ := createTestDaemon(t)

	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.sweeper)
	assert.NotNil(t, d.transcripts)
	assert.NotNil(t, d.orchestrator)
	assert.NotNil(t, d.server)
	assert.NotNil(t, d.lifecycle)
}

func TestNewRejectsBadConfig(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, log)
		assert.Error(t, err)
	})

	t.Run("no profiles", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		cfg.Agent.Profiles = nil
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("static mode without token", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		cfg.Credential.Token = ""
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("unknown credential mode", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		cfg.Credential.Mode = "magic"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t)

	assert.False(t, d.Status().Running)
	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)
	assert.Equal(t, 0, status.Sessions)

	resp, err := http.Get("http://" + d.Addr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Healthy", body["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	status = d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.Error(t, d.Stop(ctx))
}

func TestDaemonRun(t *testing.T) {
	d, _ := createTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Status().Running }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.Status().Running)
}

func TestBuildCredentialProvider(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)

	provider, err := buildCredentialProvider(config.CredentialConfig{Mode: config.CredentialStatic, Token: "abc"}, log.GetZerolog())
	require.NoError(t, err)
	token, err := provider.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = buildCredentialProvider(config.CredentialConfig{
		Mode:         config.CredentialClientCredentials,
		TokenURL:     "https://auth.example.com/oauth2/token",
		ClientID:     "client",
		ClientSecret: "secret",
	}, log.GetZerolog())
	assert.NoError(t, err)
}
