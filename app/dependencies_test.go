package app

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/config"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Environment: "test",
		XMPP: config.XMPPConfig{
			Domain:          "example.org",
			ClientAddr:      "127.0.0.1:0",
			LegacyTLSAddr:   "127.0.0.1:0",
			ComponentAddr:   "127.0.0.1:0",
			KeepAlive:       time.Minute,
		},
		Debugger: config.DebuggerConfig{
			TraceLogFile:       filepath.Join(dir, "logs", "trace.log"),
			ReplyTimeout:       time.Second,
			LiveTailBuffer:     16,
			LiveTailMaxClients: 2,
		},
		Observability: config.ObservabilityConfig{LogLevel: "debug", MetricsEnabled: true},
	}
}

func writeProperties(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xmldebugger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewDependencies(t *testing.T) {
	t.Run("successful initialization with all components", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Debugger.PropertiesFile = writeProperties(t, `
plugin:
  xmldebugger:
    logToStdOut: false
    logToFile: true
    excomp-starttls: false
`)

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.NotNil(t, deps.Metrics)
		assert.NotNil(t, deps.Server)
		assert.NotNil(t, deps.Correlator)
		assert.False(t, deps.AuthMiddleware.Enabled())

		// The direct TLS listener needs a certificate and is skipped.
		require.Len(t, deps.Acceptors, 2)
		assert.NoError(t, deps.ListenersReady(ctx))
		assert.NoError(t, deps.DebuggerReady(ctx))

		settings := deps.Debugger.Settings()
		assert.False(t, settings.ConsoleSink)
		assert.True(t, settings.FileSink)
		assert.False(t, settings.RawComponent)
		assert.True(t, settings.RawDefault)
	})

	t.Run("client traffic reaches the trace file", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Debugger.PropertiesFile = writeProperties(t, `
plugin:
  xmldebugger:
    logToStdOut: false
    logToFile: true
`)

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		conn, err := net.Dial("tcp", deps.Acceptors[0].Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool {
			return deps.Debugger.Taps()[host.ConnectionClient].Attached == 1
		}, 2*time.Second, 10*time.Millisecond)

		_, err = conn.Write([]byte("<presence/>\n"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			data, err := os.ReadFile(cfg.Debugger.TraceLogFile)
			if err != nil {
				return false
			}
			text := string(data)
			return strings.Contains(text, "C2S-STARTTLS") &&
				strings.Contains(text, "- OPEN -") &&
				strings.Contains(text, "- RECV -") &&
				strings.Contains(text, "<presence/>")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("invalid properties file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Debugger.PropertiesFile = writeProperties(t, "plugin: [unterminated")

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to load debugger properties")
	})

	t.Run("listener address in use", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		cfg := testConfig(t)
		cfg.XMPP.ComponentAddr = busy.Addr().String()

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to start listeners")
	})

	t.Run("missing certificate files", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.XMPP.TLSCertFile = filepath.Join(t.TempDir(), "missing.pem")
		cfg.XMPP.TLSKeyFile = filepath.Join(t.TempDir(), "missing.key")

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load xmpp certificate")
	})

	t.Run("auth enabled with a secret", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Auth.JWTSecret = "s3cret"

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)
		assert.True(t, deps.AuthMiddleware.Enabled())
	})
}

func TestDependenciesClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	addr := deps.Acceptors[0].Addr().String()
	require.NoError(t, deps.Close(ctx))

	assert.False(t, deps.Debugger.Initialized())
	assert.Error(t, deps.DebuggerReady(ctx))
	assert.Error(t, deps.ListenersReady(ctx))

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)

	// A second close is harmless.
	assert.NoError(t, deps.Close(ctx))
}
