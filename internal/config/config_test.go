package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "0.0.0.0:3000", cfg.Listen)
	assert.Equal(t, DefaultMaxLineLen, cfg.MaxLineLen)
	assert.Equal(t, DefaultMaxHeaderSize, cfg.MaxHeaderSize)
	assert.Equal(t, DefaultKeepAlive, cfg.KeepAlive)
	assert.EqualValues(t, DefaultWSMaxMsgSize, cfg.WSMaxMsgSize)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STRAND_LISTEN", "127.0.0.1:8080")
	t.Setenv("STRAND_KEEP_ALIVE", "5")
	t.Setenv("STRAND_MAX_LINE", "4096")
	t.Setenv("STRAND_THREADS", "garbage")

	cfg := Load()
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, 5, cfg.KeepAlive)
	assert.Equal(t, 4096, cfg.MaxLineLen)
	assert.Zero(t, cfg.Threads, "unparseable values fall back to the default")
}

func TestValidate(t *testing.T) {
	t.Run("keep-alive out of range", func(t *testing.T) {
		cfg := Load()
		cfg.KeepAlive = 300
		assert.Error(t, cfg.Validate())
	})

	t.Run("tls flags must come in pairs", func(t *testing.T) {
		cfg := Load()
		cfg.TLSCert = "/tmp/cert.pem"
		assert.Error(t, cfg.Validate())
		cfg.TLSKey = "/tmp/key.pem"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing listen address", func(t *testing.T) {
		cfg := Load()
		cfg.Listen = ""
		assert.Error(t, cfg.Validate())
	})
}
