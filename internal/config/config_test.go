package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/stockroom/internal/ledger"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, warnings, err := Load(env(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, defaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, ledger.PolicyEnforce, cfg.StockPolicy)
	assert.Equal(t, 3, cfg.LedgerMaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.LedgerRetryInterval)
	assert.Equal(t, SinkLog, cfg.AuditSink)
	assert.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.CORSOrigins)
	assert.Len(t, warnings, 3)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, warnings, err := Load(env(map[string]string{
		"PORT":                  "9000",
		"STORE_DRIVER":          "SQLite",
		"SQLITE_PATH":           "/tmp/s.db",
		"CORS_ORIGINS":          "https://a.example, ,https://b.example",
		"STOCK_POLICY":          "permissive",
		"LEDGER_MAX_ATTEMPTS":   "7",
		"LEDGER_RETRY_INTERVAL": "25ms",
		"AUDIT_SINK":            "kafka",
		"KAFKA_BROKERS":         "k1:9092,k2:9092",
	}))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "/tmp/s.db", cfg.SQLitePath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, ledger.PolicyPermissive, cfg.StockPolicy)
	assert.Equal(t, 7, cfg.LedgerMaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.LedgerRetryInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, defaultAuditTopic, cfg.AuditTopic)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "permissive")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":        {"STORE_DRIVER": "mysql"},
		"policy":        {"STOCK_POLICY": "sometimes"},
		"attempts":      {"LEDGER_MAX_ATTEMPTS": "0"},
		"interval":      {"LEDGER_RETRY_INTERVAL": "soon"},
		"sink":          {"AUDIT_SINK": "s3"},
		"kafka brokers": {"AUDIT_SINK": "kafka"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Load(env(vars))
			assert.Error(t, err)
		})
	}
}

func TestParseEnv(t *testing.T) {
	input := "\ufeff# comment\nexport A=1\nB = \"two\"\nC='three'\nnot a pair\n=missing\nEXISTING=new\n"
	got := map[string]string{}
	lookup := func(k string) (string, bool) {
		if k == "EXISTING" {
			return "old", true
		}
		v, ok := got[k]
		return v, ok
	}
	set := func(k, v string) error {
		got[k] = v
		return nil
	}

	require.NoError(t, ParseEnv(strings.NewReader(input), lookup, set))
	assert.Equal(t, map[string]string{"A": "1", "B": "two", "C": "three"}, got)
}

func TestFindEnvFile_WalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("X=1\n"), 0o600))

	assert.Equal(t, filepath.Join(root, ".env"), FindEnvFile(nested))
	assert.Empty(t, FindEnvFile(t.TempDir()))
}
