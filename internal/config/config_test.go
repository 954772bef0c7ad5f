package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadClientFile(t *testing.T) {
	path := writeTemp(t, `
kind = "tls"
addr = "example.com:9443"
max_retries = 3
base_delay_ms = 100
default_timeout_seconds = 10

[tls]
insecure_skip_verify = true
`)

	f, err := LoadClientFile(path)
	require.NoError(t, err)
	require.Equal(t, KindTLS, f.Kind)
	require.Equal(t, "example.com:9443", f.Addr)
	require.Equal(t, 3, f.MaxRetries)
	require.Equal(t, int64(100000000), f.BaseDelay().Nanoseconds())
	require.True(t, f.TLS.InsecureSkipVerify)

	tlsCfg, err := f.TLS.LoadTLSConfig()
	require.NoError(t, err)
	require.True(t, tlsCfg.InsecureSkipVerify)
}

func TestLoadServerFile(t *testing.T) {
	path := writeTemp(t, `
kind = "tcp"
addr = "0.0.0.0:9000"
anonymous_disallowed = true
`)

	f, err := LoadServerFile(path)
	require.NoError(t, err)
	require.Equal(t, KindTCP, f.Kind)
	require.True(t, f.AnonymousDisallowed)
}
