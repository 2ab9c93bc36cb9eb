package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

const sampleYAML = `
app:
  env: production
store:
  driver: memory
queue:
  backend: redis
phone_numbers:
  - id: pn-1
    number: "+15550000001"
    daily_cap: 100
  - id: pn-2
    number: "+15550000002"
    daily_cap: 50
dispatcher:
  poll_interval: 250ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "production", cfg.App.Env)
	require.Equal(t, "redis", cfg.Queue.Backend)
	require.Len(t, cfg.PhoneNumbers, 2)
	require.Equal(t, 50, cfg.PhoneNumbers[1].DailyCap)
	require.Equal(t, 250*time.Millisecond, cfg.Dispatcher.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Dispatcher.CallTimeout)
	require.Equal(t, "call-outcomes", cfg.Kafka.OutcomeTopic)
	require.Equal(t, "mock", cfg.Voice.Provider)
	require.Equal(t, 5*time.Second, cfg.Kafka.WriteTimeout)
	require.Equal(t, 1024, cfg.Kafka.ForwardBuffer)
	require.Equal(t, 1, cfg.Scylla.ReplicationFactor)
	require.Empty(t, cfg.Scylla.LocalDC)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUTBOUND_DISPATCHER_CALL_TIMEOUT", "45s")
	t.Setenv("OUTBOUND_VOICE_PROVIDER", "vapi")
	t.Setenv("OUTBOUND_VOICE_API_KEY", "secret")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Dispatcher.CallTimeout)
	require.Equal(t, "vapi", cfg.Voice.Provider)
	require.Equal(t, "secret", cfg.Voice.APIKey)
}

func TestValidateRejectsMissingNumbers(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: memory\n"))
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Contains(t, err.Error(), "phone_numbers")
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	_, err := Load(writeConfig(t, sampleYAML+"governor:\n  backend: etcd\n"))
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Contains(t, err.Error(), "governor.backend")
}

func TestValidateVAPINeedsKey(t *testing.T) {
	_, err := Load(writeConfig(t, sampleYAML+"voice:\n  provider: vapi\n"))
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Contains(t, err.Error(), "api_key")
}
