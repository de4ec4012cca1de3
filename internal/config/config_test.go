package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// base64 of 32 zero bytes
const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

const sampleConfig = `
server:
  host: 127.0.0.1
  port: "9000"
admission:
  quota: 3
  window: 60s
  on_store_error: closed
cache:
  ttl: 10m
  scope: provider
context:
  max_history: 6
  system_prompt: "You are Mira."
vault:
  encryption_key: ` + testKey + `
default_provider: gemini
providers:
  - name: openai
    kind: openai
    model: gpt-4o-mini
    api_key_env: TEST_OPENAI_KEY
  - name: gemini
    kind: gemini
    model: gemini-1.5-flash
    default_api_key: g-default
`

func writeConfig(t *testing.T, body string) {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	t.Setenv("CONFIG_PATH", tmp.Name())
}

// TestLoad_File verifies that Load unmarshals the file and derives defaults.
func TestLoad_File(t *testing.T) {
	writeConfig(t, sampleConfig)
	t.Setenv("TEST_OPENAI_KEY", "sk-env")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.Addr())
	require.Equal(t, int64(3), cfg.Admission.Quota)
	require.Equal(t, 60*time.Second, cfg.Admission.Window)
	require.Equal(t, "closed", cfg.Admission.OnStoreError)
	require.Equal(t, "user", cfg.Admission.KeyBy)
	require.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 5*time.Minute, cfg.Cache.SweepInterval, "sweep defaults to TTL/2")
	require.Equal(t, "provider", cfg.Cache.Scope)
	require.Equal(t, 6, cfg.Context.MaxHistory)
	require.Equal(t, "markdown", cfg.OutputMode)
	require.Len(t, cfg.Providers, 2)
	require.Equal(t, map[string]string{"openai": "sk-env", "gemini": "g-default"}, cfg.DefaultKeys())

	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestLoad_EnvOverride(t *testing.T) {
	writeConfig(t, sampleConfig)
	t.Setenv("MIRA_ADMISSION_QUOTA", "42")
	t.Setenv("MIRA_CACHE_TTL", "20m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(42), cfg.Admission.Quota)
	require.Equal(t, 20*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 10*time.Minute, cfg.Cache.SweepInterval)
}

func TestLoad_DefaultProviderFallsBackToFirst(t *testing.T) {
	writeConfig(t, `
vault:
  encryption_key: `+testKey+`
providers:
  - name: local
    kind: openai
    model: llama3
    base_url: http://localhost:11434/v1
`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "local", cfg.DefaultProvider)
	require.Equal(t, int64(1500), cfg.Admission.Quota)
	require.Equal(t, 24*time.Hour, cfg.Admission.Window)
	require.Equal(t, 8, cfg.Context.MaxHistory)
}

func TestValidate_Rejects(t *testing.T) {
	writeConfig(t, `
server:
  trusted_proxies: ["10.0.0.0/8", "192.0.2.1", "nope"]
admission:
  quota: 0
cache:
  ttl: 1m
  sweep_interval: 2m
context:
  max_history: 100
vault:
  encryption_key: c2hvcnQ=
default_provider: missing
providers:
  - name: a
    kind: cohere
    model: x
  - name: a
    kind: openai
    model: y
`)
	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "admission.quota")
	require.Contains(t, msg, "cache.sweep_interval")
	require.Contains(t, msg, "context.max_history")
	require.Contains(t, msg, "32 bytes")
	require.Contains(t, msg, "duplicate name")
	require.Contains(t, msg, "kind \"cohere\"")
	require.Contains(t, msg, "default_provider")
	require.Contains(t, msg, `"nope" is not a CIDR`)
	require.NotContains(t, msg, "10.0.0.0/8")
}
