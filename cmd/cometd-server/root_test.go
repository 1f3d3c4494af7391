package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/go-cometd/server"
)

func TestBuildConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cometd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: 127.0.0.1:9000\nsendPacingMs: 50\nconnectHoldMs: 1000\n"), 0o600))

	tests := []struct {
		name    string
		args    []string
		want    func(c *server.Config)
		wantErr string
	}{
		{
			name: "defaults",
			args: nil,
			want: func(*server.Config) {},
		},
		{
			name: "file",
			args: []string{"--config", path},
			want: func(c *server.Config) {
				c.Addr = "127.0.0.1:9000"
				c.SendPacingMs = 50
				c.ConnectHoldMs = 1000
			},
		},
		{
			name: "flags_override_file",
			args: []string{"-c", path, "--send-pacing-ms", "100", "--connect-timeout-ms", "1000"},
			want: func(c *server.Config) {
				c.Addr = "127.0.0.1:9000"
				c.SendPacingMs = 100
				c.ConnectHoldMs = 1000
				c.ConnectTimeoutMs = 1000
			},
		},
		{
			name:    "invalid_flag_value",
			args:    []string{"--path", "cometd"},
			wantErr: "path must start with /",
		},
		{
			name:    "missing_file",
			args:    []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")},
			wantErr: "read config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, f := newServerCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))

			cfg, err := buildConfig(cmd, f)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			want := server.DefaultConfig()
			tt.want(want)
			assert.Equal(t, want, cfg)
		})
	}
}
