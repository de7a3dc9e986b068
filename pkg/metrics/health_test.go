package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealthChecker() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("storage", true, "running", true)

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}
	comp := healthChecker.components["storage"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealthChecker()
	healthChecker.version = "1.0.0"

	RegisterComponent("api", true, "", true)
	RegisterComponent("hub", true, "", false)

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("api", true, "", true)
	RegisterComponent("storage", false, "not connected", true)

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["storage"] != "unhealthy: not connected" {
		t.Errorf("unexpected storage status: %s", health.Components["storage"])
	}
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("storage", true, "", true)
	RegisterComponent("api", true, "", true)
	RegisterComponent("hub", true, "", false)

	readiness := GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadiness_MissingCriticalComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("api", true, "", true)
	// storage never registered

	readiness := GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("readiness only inspects registered components, got '%s'", readiness.Status)
	}
}

func TestGetReadiness_CriticalComponentUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("storage", false, "disk full", true)
	RegisterComponent("api", true, "", true)

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Message == "" {
		t.Error("expected message explaining why not ready")
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealthChecker()
	healthChecker.version = "test"

	RegisterComponent("test", true, "", true)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "healthy" || health.Version != "test" {
		t.Errorf("unexpected body: %+v", health)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("test", false, "broken", true)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("storage", true, "", true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("storage", false, "unreachable", true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealthChecker()

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", response["status"])
	}
	if response["uptime"] == "" {
		t.Error("uptime should not be empty")
	}
}

func TestUpdateComponent(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("test", true, "ok", true)
	UpdateComponent("test", false, "error")

	comp := healthChecker.components["test"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}
	if comp.Message != "error" {
		t.Errorf("expected message 'error', got '%s'", comp.Message)
	}
	if !comp.Critical {
		t.Error("UpdateComponent should preserve criticality")
	}
}
