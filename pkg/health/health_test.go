package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandler(t *testing.T) {
	h := NewHandler(WithVersion("1.0.0"), WithTimeout(1*time.Second))

	t.Run("Register and check", func(t *testing.T) {
		h.Register("test", &PingCheck{})

		response := h.Check(context.Background())

		if response.Status != StatusHealthy {
			t.Errorf("Status = %v, want %v", response.Status, StatusHealthy)
		}

		if response.Version != "1.0.0" {
			t.Errorf("Version = %v, want %v", response.Version, "1.0.0")
		}

		if _, ok := response.Checks["test"]; !ok {
			t.Error("Expected 'test' check in response")
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		h.Unregister("test")
		response := h.Check(context.Background())

		if len(response.Checks) != 0 {
			t.Errorf("Checks after unregister = %d, want 0", len(response.Checks))
		}
	})

	t.Run("RegisterFunc", func(t *testing.T) {
		h.RegisterFunc("func-check", func(ctx context.Context) CheckResult {
			return CheckResult{
				Status:  StatusHealthy,
				Message: "custom check",
			}
		})

		response := h.Check(context.Background())

		if result, ok := response.Checks["func-check"]; !ok {
			t.Error("Expected 'func-check' in response")
		} else if result.Message != "custom check" {
			t.Errorf("Message = %v, want 'custom check'", result.Message)
		}
	})

	t.Run("Unhealthy check dominates", func(t *testing.T) {
		h.RegisterFunc("broken", func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusUnhealthy, Error: "down"}
		})
		defer h.Unregister("broken")

		response := h.Check(context.Background())
		if response.Status != StatusUnhealthy {
			t.Errorf("Status = %v, want %v", response.Status, StatusUnhealthy)
		}
	})
}

func TestHandlerReadiness(t *testing.T) {
	h := NewHandler()

	if !h.IsReady() {
		t.Error("Default should be ready")
	}

	h.SetReady(false)
	if h.IsReady() {
		t.Error("Should not be ready after SetReady(false)")
	}

	h.SetReady(true)
	if !h.IsReady() {
		t.Error("Should be ready after SetReady(true)")
	}
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	h.LivenessHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler()

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		w := httptest.NewRecorder()

		h.ReadinessHandler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("Not ready", func(t *testing.T) {
		h.SetReady(false)
		defer h.SetReady(true)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		w := httptest.NewRecorder()

		h.ReadinessHandler().ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestHealthHandler(t *testing.T) {
	h := NewHandler()
	h.Register("ping", &PingCheck{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	h.HealthHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("Status = %v, want %v", response.Status, StatusHealthy)
	}
	if _, ok := response.Checks["ping"]; !ok {
		t.Error("Expected 'ping' check in response")
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := NewHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	for _, path := range []string{"/healthz", "/readyz", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestStoreCheck(t *testing.T) {
	t.Run("No ping function", func(t *testing.T) {
		c := &StoreCheck{}
		result := c.Check(context.Background())
		if result.Status != StatusUnknown {
			t.Errorf("Status = %v, want %v", result.Status, StatusUnknown)
		}
	})

	t.Run("Healthy", func(t *testing.T) {
		c := &StoreCheck{PingFunc: func(ctx context.Context) error { return nil }}
		result := c.Check(context.Background())
		if result.Status != StatusHealthy {
			t.Errorf("Status = %v, want %v", result.Status, StatusHealthy)
		}
	})

	t.Run("Unhealthy", func(t *testing.T) {
		c := &StoreCheck{PingFunc: func(ctx context.Context) error { return errors.New("locked") }}
		result := c.Check(context.Background())
		if result.Status != StatusUnhealthy {
			t.Errorf("Status = %v, want %v", result.Status, StatusUnhealthy)
		}
		if result.Error == "" {
			t.Error("Expected error message")
		}
	})
}

func TestMemoryCheck(t *testing.T) {
	c := &MemoryCheck{}
	result := c.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("Status = %v, want %v", result.Status, StatusHealthy)
	}
	if _, ok := result.Metadata["heap_alloc_bytes"]; !ok {
		t.Error("Expected heap_alloc_bytes metadata")
	}
}

func TestSystemMemoryCheck(t *testing.T) {
	c := &SystemMemoryCheck{}
	result := c.Check(context.Background())
	if result.Status == StatusUnhealthy {
		t.Errorf("unexpected unhealthy: %s", result.Error)
	}
}
