package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    func(c *Config)
		wantErr string
	}{
		{
			name: "empty_keeps_defaults",
			data: "",
			want: func(c *Config) {},
		},
		{
			name: "partial_override",
			data: "addr: 127.0.0.1:9000\nsendPacingMs: 100\nconnectTimeoutMs: 1000\n",
			want: func(c *Config) {
				c.Addr = "127.0.0.1:9000"
				c.SendPacingMs = 100
				c.ConnectTimeoutMs = 1000
			},
		},
		{
			name:    "negative_values",
			data:    "sendPacingMs: -1\nconnectHoldMs: -5\n",
			wantErr: "sendPacingMs must not be negative",
		},
		{
			name:    "zero_idle",
			data:    "sessionMaxIdleMs: 0\n",
			wantErr: "sessionMaxIdleMs must be positive",
		},
		{
			name:    "relative_path",
			data:    "path: cometd\n",
			wantErr: "path must start with /",
		},
		{
			name:    "bad_yaml",
			data:    "addr: [unterminated\n",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			want := DefaultConfig()
			tt.want(want)
			assert.Equal(t, want, cfg)
		})
	}
}

func TestParseConfigJoinsErrors(t *testing.T) {
	_, err := ParseConfig([]byte("sendPacingMs: -1\nconnectHoldMs: -5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sendPacingMs")
	assert.Contains(t, err.Error(), "connectHoldMs")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cometd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connectHoldMs: 500\nwriteTimeoutMs: 2500\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.ConnectHoldMs)
	assert.Equal(t, 2500*time.Millisecond, cfg.WriteTimeout())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendPacingMs = 100
	cfg.ConnectHoldMs = 1500

	s := &Server{}
	for _, opt := range cfg.Options() {
		opt(s)
	}
	assert.Equal(t, 30*time.Second, s.connectTimeout)
	assert.Equal(t, 100*time.Millisecond, s.sendPacing)
	assert.Equal(t, 30, s.maxCloseReasonLength)
	assert.Equal(t, 1500*time.Millisecond, s.connectHold)
	assert.Equal(t, time.Minute, s.sessionMaxIdle)
}
