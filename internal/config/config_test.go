package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Scheduler.CircuitBreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.MisfireGrace)
	assert.Equal(t, 3, cfg.Hooks.MaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero agents", func(c *Config) { c.MaxConcurrentAgents = 0 }, "max_concurrent_agents"},
		{"zero spawns", func(c *Config) { c.MaxConcurrentSpawns = 0 }, "max_concurrent_spawns"},
		{"breaker", func(c *Config) { c.Scheduler.CircuitBreakerThreshold = 0 }, "circuit_breaker_threshold"},
		{"negative retries", func(c *Config) { c.Hooks.MaxRetries = -1 }, "max_retries"},
		{"empty tenant", func(c *Config) { c.TenantID = " " }, "tenant_id"},
		{"bad level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
		{"ingress source without stream", func(c *Config) {
			c.Ingress.Enabled = true
			c.Ingress.Sources = []IngressSource{{Name: "github"}}
		}, "ingress.sources[0]"},
		{"duplicate ingress source", func(c *Config) {
			c.Ingress.Enabled = true
			c.Ingress.Sources = []IngressSource{{Name: "gh", Stream: "a"}, {Name: "gh", Stream: "b"}}
		}, "duplicate name"},
		{"sample ratio above one", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRatio = 1.5
		}, "tracing.sample_ratio"},
		{"incomplete trigger", func(c *Config) {
			c.Hooks.Triggers = map[string][]HookTrigger{"email": {{EventType: "email.new"}}}
		}, "hooks.triggers[email][0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentAgents = 0
	cfg.Hooks.MaxRetries = -2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_agents")
	assert.Contains(t, err.Error(), "max_retries")
}

func TestLoader_Load(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("ROBOTHOR_DATA_DIR", dir)

		cfg, err := Load(filepath.Join(dir, "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, dir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dir, "engine.db"), cfg.DatabasePath)
		assert.Equal(t, filepath.Join(dir, "agents"), cfg.ManifestsDir)
		assert.Equal(t, 4, cfg.MaxConcurrentAgents)
	})

	t.Run("yaml file and env override", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "engine.yaml")
		content := `
tenant_id: robothor-primary
data_dir: ` + dir + `
max_concurrent_agents: 8
hooks:
  group: g1
  triggers:
    email:
      - event_type: email.new
        agent_id: email-classifier
        message: "Classify new email"
ingress:
  enabled: true
  sources:
    - name: github
      stream: events:github
      secret: hush
      type_header: X-GitHub-Event
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		t.Setenv("ROBOTHOR_MAX_CONCURRENT_SPAWNS", "7")
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "robothor-primary", cfg.TenantID)
		assert.Equal(t, 8, cfg.MaxConcurrentAgents)
		assert.Equal(t, 7, cfg.MaxConcurrentSpawns)
		assert.Equal(t, "g1", cfg.Hooks.Group)
		require.Len(t, cfg.Hooks.Triggers["email"], 1)
		assert.Equal(t, "email-classifier", cfg.Hooks.Triggers["email"][0].AgentID)
		assert.Equal(t, "sk-ant-test", cfg.Credentials.AnthropicAPIKey)
		assert.True(t, cfg.Ingress.Enabled)
		assert.Equal(t, 100, cfg.Ingress.RateLimitPerMinute)
		require.Len(t, cfg.Ingress.Sources, 1)
		assert.Equal(t, "hush", cfg.Ingress.Sources[0].Secret)
		assert.Equal(t, "X-GitHub-Event", cfg.Ingress.Sources[0].TypeHeader)
		assert.NotContains(t, cfg.String(), "hush")
	})
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROBOTHOR_TEST_DOTENV=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ROBOTHOR_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("ROBOTHOR_TEST_DOTENV"))
}

func TestConfigStringOmitsCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.AnthropicAPIKey = "sk-ant-secret"
	assert.NotContains(t, cfg.String(), "sk-ant-secret")
}
