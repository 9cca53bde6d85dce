package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{EnvOpenAIAPIKey: "sk-test", EnvAnthropicAPIKey: "ak-test"}

	assert.False(t, SecretsFileExists(dir))
	require.NoError(t, EncryptSecretsFile(dir, "hunter2", secrets))
	assert.True(t, SecretsFileExists(dir))

	info, err := os.Stat(SecretsPath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, secrets, got)
}

func TestSecretsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "right", map[string]string{"A": "b"}))

	_, err := DecryptSecretsFile(dir, "wrong")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestSecretsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(SecretsPath(dir), []byte("short"), 0o600))

	_, err := DecryptSecretsFile(dir, "any")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}
