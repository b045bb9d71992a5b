package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

func TestStatusEndpoint(t *testing.T) {
	router := NewRouter(func() types.ServerStatus {
		return types.ServerStatus{
			State:           types.StateRunning,
			StateName:       types.StateRunning.String(),
			DetectedPersons: 3,
			Events:          7,
			NextID:          3,
			SessionID:       "abc",
		}
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body["state"] != "start" || body["detected_persons"] != float64(3) || body["reid_events"] != float64(7) {
		t.Errorf("Unexpected status body %v", body)
	}
	if _, ok := body["State"]; ok {
		t.Error("Raw state value should not be serialized")
	}
}

func TestHealthzAndMethods(t *testing.T) {
	router := NewRouter(func() types.ServerStatus { return types.ServerStatus{} })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /healthz, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST /status, got %d", rec.Code)
	}
}
