package worker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	creackpty "github.com/creack/pty"
	"github.com/cuemby/cocoon/pkg/config"
	"github.com/cuemby/cocoon/pkg/identity"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/cuemby/cocoon/pkg/signaling"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSalt = []byte("worker-test-salt")

func newCoordinator(t *testing.T) (*signaling.Server, string) {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{Salt: testSalt})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func testConfig(t *testing.T, url, dataDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SignalingURL = url
	cfg.DataDir = dataDir
	cfg.Transport.HandshakeTimeout = 2 * time.Second
	cfg.Transport.InitialBackoff = 20 * time.Millisecond
	cfg.Transport.MaxBackoff = 100 * time.Millisecond
	cfg.PTY.GracePeriod = 500 * time.Millisecond
	return cfg
}

// startWorker runs a worker until the returned stop function is called
func startWorker(t *testing.T, cfg *config.Config) (*Worker, func()) {
	t.Helper()
	w, err := New(cfg, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	var once bool
	stop := func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	t.Cleanup(stop)
	return w, stop
}

func waitForDevice(t *testing.T, srv *signaling.Server) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		devices := srv.Devices()
		if len(devices) != 1 {
			return false
		}
		id = devices[0].ID
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return id
}

func nextFrame(t *testing.T, frames <-chan []byte, frameType string) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw := <-frames:
			env, err := protocol.Peek(raw)
			require.NoError(t, err)
			if env.Type == frameType {
				return raw
			}
		case <-deadline:
			t.Fatalf("no %s frame received", frameType)
			return nil
		}
	}
}

func TestWorkerServesRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		_, _ = w.Write([]byte("pong " + r.URL.Path))
	}))
	defer backend.Close()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(backend.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	srv, url := newCoordinator(t)
	cfg := testConfig(t, url, t.TempDir())
	cfg.Services = []types.ServiceEndpoint{{Name: "backend", Host: "127.0.0.1", Port: port}}

	w, _ := startWorker(t, cfg)
	deviceID := waitForDevice(t, srv)

	persisted, err := os.ReadFile(cfg.DeviceIDPath())
	require.NoError(t, err)
	assert.Equal(t, deviceID, strings.TrimSpace(string(persisted)))
	assert.Equal(t, deviceID, w.DeviceID())

	frames, cancel := srv.Subscribe(deviceID)
	defer cancel()
	ctx := context.Background()

	t.Run("execute", func(t *testing.T) {
		require.NoError(t, srv.Send(ctx, deviceID, protocol.Execute{RequestID: "r1", Command: "echo hello"}))

		var result protocol.ExecuteResult
		require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypeExecuteResult), &result))
		assert.Equal(t, "r1", result.RequestID)
		assert.True(t, result.Success)
		assert.Equal(t, "hello\n", result.Stdout)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("proxy", func(t *testing.T) {
		require.NoError(t, srv.Send(ctx, deviceID, protocol.ProxyHTTP{
			RequestID:   "p1",
			ServiceName: "backend",
			Method:      http.MethodGet,
			Path:        "/ping",
		}))

		var result protocol.ProxyResult
		require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypeProxyResult), &result))
		assert.Equal(t, "p1", result.RequestID)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, "pong /ping", result.Body)
		assert.Nil(t, result.Error)
	})

	t.Run("query", func(t *testing.T) {
		require.NoError(t, srv.Send(ctx, deviceID, protocol.QueryLocal{
			QueryID:   "q1",
			QueryType: protocol.QueryTaskStats,
		}))

		var result protocol.QueryResult
		require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypeQueryResult), &result))
		assert.Equal(t, "q1", result.QueryID)
		assert.Equal(t, protocol.QueryStatusOK, result.Status)
		assert.True(t, result.IsFinal)
	})

	t.Run("unknown frame", func(t *testing.T) {
		frame, err := signaling.ParseRawFrame([]byte(`{"type":"teleport","request_id":"u1"}`))
		require.NoError(t, err)
		require.NoError(t, srv.Send(ctx, deviceID, frame))

		var result protocol.Error
		require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypeError), &result))
		assert.Equal(t, "u1", result.RequestID)
		assert.Equal(t, protocol.CodeUnknownMessage, result.Code)
	})

	assert.Eventually(t, func() bool {
		comp, ok := metrics.Component(metrics.ComponentIdentity)
		return ok && comp.Healthy
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWorkerPTYSession(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	ptmx, tty, err := creackpty.Open()
	if err != nil {
		t.Skipf("PTY allocation unavailable: %v", err)
	}
	ptmx.Close()
	tty.Close()

	srv, url := newCoordinator(t)
	cfg := testConfig(t, url, t.TempDir())
	cfg.Query.Disabled = true

	startWorker(t, cfg)
	deviceID := waitForDevice(t, srv)

	frames, cancel := srv.Subscribe(deviceID)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, srv.Send(ctx, deviceID, protocol.AttachPTY{RequestID: "a1", Command: "cat", Cols: 80, Rows: 24}))

	var created protocol.PTYCreated
	require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypePTYCreated), &created))
	assert.Equal(t, "a1", created.RequestID)

	require.NoError(t, srv.Send(ctx, deviceID, protocol.PTYInput{SessionID: created.SessionID, Data: "marco\n"}))

	var output strings.Builder
	for !strings.Contains(output.String(), "marco") {
		var out protocol.PTYOutput
		require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypePTYOutput), &out))
		output.WriteString(out.Data)
	}

	require.NoError(t, srv.Send(ctx, deviceID, protocol.PTYClose{SessionID: created.SessionID}))

	var exited protocol.PTYExited
	require.NoError(t, protocol.Decode(nextFrame(t, frames, protocol.TypePTYExited), &exited))
	assert.Equal(t, created.SessionID, exited.SessionID)
}

func TestWorkerKeepsDeviceIDAcrossRestarts(t *testing.T) {
	srv, url := newCoordinator(t)
	dataDir := t.TempDir()

	_, stop := startWorker(t, testConfig(t, url, dataDir))
	first := waitForDevice(t, srv)
	stop()

	require.Eventually(t, func() bool { return len(srv.Devices()) == 0 }, 5*time.Second, 20*time.Millisecond)

	startWorker(t, testConfig(t, url, dataDir))
	second := waitForDevice(t, srv)

	assert.Equal(t, first, second)
	assert.Equal(t, identity.NewDeriver(testSalt).Derive(readSecret(t, dataDir)), second)
}

func TestWorkerRejectedForStolenDeviceID(t *testing.T) {
	srv, url := newCoordinator(t)
	dataDir := t.TempDir()
	cfg := testConfig(t, url, dataDir)

	// A valid secret presented with another device's id
	sec, err := secret.Generate()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.SecretPath(), []byte(sec), 0600))
	require.NoError(t, os.WriteFile(cfg.DeviceIDPath(), []byte("0123456789abcdef0123456789abcdef"), 0600))

	startWorker(t, cfg)

	require.Eventually(t, func() bool {
		comp, ok := metrics.Component(metrics.ComponentIdentity)
		return ok && !comp.Healthy && strings.Contains(comp.Message, "does not match")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, srv.Devices())

	persisted, err := os.ReadFile(cfg.DeviceIDPath())
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", string(persisted))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SignalingURL = "http://localhost:8080"

	_, err := New(cfg, "test")
	assert.Error(t, err)
}

func readSecret(t *testing.T, dataDir string) string {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dataDir
	data, err := os.ReadFile(cfg.SecretPath())
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}
