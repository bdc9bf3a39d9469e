package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/record"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":4000", cfg.Listen)
	assert.Equal(t, "entsync.db", cfg.Database)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 512, cfg.HistoryLimit)
	assert.Nil(t, cfg.Auth)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 127.0.0.1:9000
database: /tmp/sync.db
log_level: debug
history_limit: 64
auth:
  secret: a-long-enough-secret
  token_ttl: 12h
seeds:
  deal: deals.yaml
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/tmp/sync.db", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 64, cfg.HistoryLimit)
	require.NotNil(t, cfg.Auth)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TTL())
	assert.Equal(t, []string{"deal"}, cfg.SeedKinds())
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field":   "bogus: true",
		"bad listen":      "listen: nowhere",
		"bad level":       "log_level: loud",
		"negative limit":  "history_limit: -1",
		"short secret":    "auth: {secret: short}",
		"bad ttl":         "auth: {secret: a-long-enough-secret, token_ttl: forever}",
		"empty seed path": "seeds: {deal: \"\"}",
		"not yaml":        "listen: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.NotEmpty(t, ce.Problems)
		})
	}
}

func TestLoad_ResolvesSeedsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seeds:\n  deal: seeds/deals.yaml\n  contract: /abs/contracts.yaml\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "seeds", "deals.yaml"), cfg.SeedPath("deal"))
	assert.Equal(t, "/abs/contracts.yaml", cfg.SeedPath("contract"))
	assert.Equal(t, "", cfg.SeedPath("missing"))
}

func TestLoad_ReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))

	_, err := Load(path)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: "1"
  stage: OPEN
  price: 10
  lineItems:
    - sku: a
      price: 2.5
- id: "2"
  stage: WON
`), 0o644))

	recs, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, record.Object{
		"id":        "1",
		"stage":     "OPEN",
		"price":     int64(10),
		"lineItems": []any{map[string]any{"sku": "a", "price": 2.5}},
	}, recs[0])
}
