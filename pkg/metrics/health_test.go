package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = newHealthChecker()
	healthChecker.version = version
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent(ComponentTransport, true, "connected")

	comp, ok := Component(ComponentTransport)
	require.True(t, ok)
	assert.True(t, comp.Healthy)
	assert.Equal(t, "connected", comp.Message)

	UpdateComponent(ComponentTransport, false, "connection lost")
	comp, _ = Component(ComponentTransport)
	assert.False(t, comp.Healthy)
	assert.Equal(t, "connection lost", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all healthy", map[string]bool{ComponentTransport: true, ComponentIdentity: true}, StatusHealthy},
		{"critical unhealthy", map[string]bool{ComponentTransport: false, ComponentIdentity: true}, StatusUnhealthy},
		{"non critical unhealthy", map[string]bool{ComponentTransport: true, ComponentSecret: false}, StatusDegraded},
		{"both unhealthy", map[string]bool{ComponentIdentity: false, ComponentStore: false}, StatusUnhealthy},
		{"nothing registered", map[string]bool{}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "reason")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, len(tt.components))
			if tt.want != StatusHealthy {
				assert.Contains(t, health.Message, "failing")
			}
		})
	}
}

func TestGetReadiness(t *testing.T) {
	t.Run("connected and verified", func(t *testing.T) {
		resetHealth("")
		RegisterComponent(ComponentTransport, true, "")
		RegisterComponent(ComponentIdentity, true, "")

		assert.Equal(t, StatusReady, GetReadiness().Status)
	})

	t.Run("identity missing", func(t *testing.T) {
		resetHealth("")
		RegisterComponent(ComponentTransport, true, "")

		readiness := GetReadiness()
		assert.Equal(t, StatusNotReady, readiness.Status)
		assert.Equal(t, "waiting for identity", readiness.Message)
		assert.Equal(t, "not registered", readiness.Components[ComponentIdentity])
	})

	t.Run("identity rejected", func(t *testing.T) {
		resetHealth("")
		RegisterComponent(ComponentTransport, true, "")
		RegisterComponent(ComponentIdentity, false, "device id mismatch")

		readiness := GetReadiness()
		assert.Equal(t, StatusNotReady, readiness.Status)
		assert.Equal(t, "not ready: device id mismatch", readiness.Components[ComponentIdentity])
	})
}

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		setup    func()
		wantCode int
		wantBody string
	}{
		{
			name:     "health ok",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent(ComponentTransport, true, "") },
			wantCode: http.StatusOK,
			wantBody: StatusHealthy,
		},
		{
			name:     "health degraded still 200",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent(ComponentSecret, false, "ephemeral") },
			wantCode: http.StatusOK,
			wantBody: StatusDegraded,
		},
		{
			name:     "health unhealthy",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent(ComponentTransport, false, "down") },
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusUnhealthy,
		},
		{
			name:    "ready",
			handler: ReadyHandler(),
			setup: func() {
				RegisterComponent(ComponentTransport, true, "")
				RegisterComponent(ComponentIdentity, true, "")
			},
			wantCode: http.StatusOK,
			wantBody: StatusReady,
		},
		{
			name:     "not ready",
			handler:  ReadyHandler(),
			setup:    func() {},
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusNotReady,
		},
		{
			name:     "liveness",
			handler:  LivenessHandler(),
			setup:    func() {},
			wantCode: http.StatusOK,
			wantBody: "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("test")
			tt.setup()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()
			tt.handler(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}
