package cli

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/auth"
)

const testSecret = "0123456789abcdef-test"

func TestTokenCommand_Secret(t *testing.T) {
	out, err := execute(t, "token", "--secret", testSecret, "--subject", "alice", "--topic", "deal", "--topic", "deal:7")
	require.NoError(t, err)

	signer, err := auth.NewSigner(testSecret)
	require.NoError(t, err)
	claims, err := signer.Verify(strings.TrimSpace(out))
	require.NoError(t, err)

	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"deal", "deal:7"}, claims.Topics)
	assert.Nil(t, claims.ExpiresAt)
	assert.True(t, claims.Allows("deal:7"))
	assert.False(t, claims.Allows("opportunity"))
}

func TestTokenCommand_Config(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "entsync.yaml", `
auth:
  secret: `+testSecret+`
  token_ttl: 1h
`)

	before := time.Now()
	out, err := execute(t, "--format", "json", "token", "--config", cfg, "--subject", "bob")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TokenResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "bob", resp.Data.Subject)
	require.NotNil(t, resp.Data.ExpiresAt)
	assert.WithinDuration(t, before.Add(time.Hour), *resp.Data.ExpiresAt, time.Minute)

	signer, err := auth.NewSigner(testSecret)
	require.NoError(t, err)
	_, err = signer.Verify(resp.Data.Token)
	assert.NoError(t, err)
}

func TestTokenCommand_NoSecret(t *testing.T) {
	_, err := execute(t, "token", "--subject", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, auth.ErrNoSecret)
}

func TestTokenCommand_InvalidConfig(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "entsync.yaml", "auth:\n  secret: short\n")

	_, err := execute(t, "token", "--config", cfg, "--subject", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid config")
}
