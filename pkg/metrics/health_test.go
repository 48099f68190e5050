package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    version,
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent("db", true, "sqlite")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["db"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "sqlite", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"all healthy", map[string]bool{"db": true, "dispatch": true}, "healthy"},
		{"one unhealthy", map[string]bool{"db": false, "dispatch": true}, "unhealthy"},
		{"nothing registered", nil, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.0.0")
			for name, ok := range tt.components {
				RegisterComponent(name, ok, "database is locked")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetHealth_UnhealthyMessage(t *testing.T) {
	resetHealth("")
	RegisterComponent("db", false, "database is locked")

	health := GetHealth()
	assert.Equal(t, "unhealthy: database is locked", health.Components["db"])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"all critical ready", map[string]bool{"db": true, "dispatch": true, "backup": true}, "ready"},
		{"critical missing", map[string]bool{"dispatch": true}, "not_ready"},
		{"critical unhealthy", map[string]bool{"db": false, "dispatch": true, "backup": true}, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			for name, ok := range tt.components {
				RegisterComponent(name, ok, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			if tt.wantStatus != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestGetReadiness_FirstMissingByName(t *testing.T) {
	resetHealth("")
	RegisterComponent("dispatch", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "waiting for backup", readiness.Message)
	assert.Equal(t, "not registered", readiness.Components["db"])
	assert.Equal(t, "ready", readiness.Components["dispatch"])
}

func TestHealthHandler(t *testing.T) {
	resetHealth("test")
	RegisterComponent("db", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth("")
	RegisterComponent("dispatch", false, "queue stopped")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandler(t *testing.T) {
	resetHealth("")
	RegisterComponent("db", true, "")
	RegisterComponent("dispatch", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent("backup", true, "")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth("")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}
