package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"cmd",
				"-a", "127.0.0.1:9090", "-w", ":8081", "-m", "memory", "-d", "db", "-s", "secret",
				"-r", "48", "-l", "debug", "-f", "/tmp/sync.log", "-b", "archive", "-e", "http://minio:9000",
			},
			expected: &Config{
				EndpointAddrGRPC: "127.0.0.1:9090",
				EndpointAddrHTTP: ":8081",
				Storage:          "memory",
				DatabaseDSN:      "db",
				SecretKey:        "secret",
				LedgerRetention:  48 * time.Hour,
				LogLevel:         "debug",
				LogFile:          "/tmp/sync.log",
				S3Bucket:         "archive",
				S3BaseEndpoint:   "http://minio:9000",
			},
		},
		{
			name:     "unknown flags are ignored",
			args:     []string{"cmd", "-x", "1", "-r", "1"},
			expected: &Config{LedgerRetention: time.Hour},
		},
		{
			name:        "bad integer",
			args:        []string{"cmd", "-r", "many"},
			expectPanic: true,
		},
	}

	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			config := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config) })
				return
			}
			require.NotPanics(t, func() { parseFlags(config) })
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}
