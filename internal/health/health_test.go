package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakeJob struct{ running bool }

func (f fakeJob) IsRunning() bool { return f.running }

func up(ctx context.Context) error   { return nil }
func down(ctx context.Context) error { return errors.New("connection refused") }

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	r := chi.NewRouter()
	RegisterRoutes(r, h)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
		wantState  string
	}{
		{
			name:       "all up",
			checks:     []Check{{Name: "database", Ping: up, Critical: true}, {Name: "redis", Ping: up}},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name:       "redis down",
			checks:     []Check{{Name: "database", Ping: up, Critical: true}, {Name: "redis", Ping: down}},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "degraded",
		},
		{
			name:       "unconfigured check",
			checks:     []Check{{Name: "storage"}},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, NewHandler(Config{Checks: tt.checks, Version: "test"}), "/health")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body["status"] != tt.wantState {
				t.Errorf("status field = %v, want %s", body["status"], tt.wantState)
			}
			services := body["services"].(map[string]interface{})
			if len(services) != len(tt.checks) {
				t.Errorf("services = %v", services)
			}
		})
	}
}

func TestHealth_ReportsJobs(t *testing.T) {
	h := NewHandler(Config{
		Checks: []Check{{Name: "database", Ping: up}},
		Jobs:   map[string]JobChecker{"orphan_cleanup": fakeJob{running: true}},
	})
	_, body := serve(t, h, "/health")

	jobs, ok := body["jobs"].(map[string]interface{})
	if !ok || jobs["orphan_cleanup"] != true {
		t.Errorf("jobs = %v", body["jobs"])
	}
}

func TestReadiness(t *testing.T) {
	t.Run("non-critical outage stays ready", func(t *testing.T) {
		h := NewHandler(Config{Checks: []Check{{Name: "database", Ping: up, Critical: true}, {Name: "redis", Ping: down}}})
		rec, body := serve(t, h, "/health/ready")
		if rec.Code != http.StatusOK || body["ready"] != true {
			t.Errorf("status = %d, body = %v", rec.Code, body)
		}
	})

	t.Run("database down", func(t *testing.T) {
		h := NewHandler(Config{Checks: []Check{{Name: "database", Ping: down, Critical: true}}})
		rec, body := serve(t, h, "/health/ready")
		if rec.Code != http.StatusServiceUnavailable || body["ready"] != false {
			t.Errorf("status = %d, body = %v", rec.Code, body)
		}
	})

	t.Run("draining", func(t *testing.T) {
		h := NewHandler(Config{Checks: []Check{{Name: "database", Ping: up, Critical: true}}})
		h.SetReady(false)
		rec, _ := serve(t, h, "/health/ready")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503 while draining", rec.Code)
		}
		if h.IsReady() {
			t.Error("IsReady() = true after SetReady(false)")
		}
	})
}

func TestLiveness(t *testing.T) {
	h := NewHandler(Config{Checks: []Check{{Name: "database", Ping: down, Critical: true}}})
	rec, body := serve(t, h, "/health/live")
	if rec.Code != http.StatusOK || body["alive"] != true {
		t.Errorf("status = %d, body = %v", rec.Code, body)
	}
}
