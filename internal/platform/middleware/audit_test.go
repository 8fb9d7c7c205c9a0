package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/backend"
)

// runAudited sends one request through the audit middleware and returns the
// captured log output.
func runAudited(t *testing.T, req *http.Request, handler echo.HandlerFunc, recorders ...AuditRecorder) (*bytes.Buffer, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := Audit(logger, recorders...)(handler)(c); err != nil {
		t.Fatalf("audited handler: %v", err)
	}
	return &buf, rec
}

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestAuditLogsAccess(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/Observation?subject=Patient/p1", nil)
	buf, _ := runAudited(t, req, func(c echo.Context) error {
		c.Set(ContextKeySubject, "user-1")
		return c.String(http.StatusOK, "ok")
	})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"message":       "phi_access",
		"subject":       "user-1",
		"resource_type": "Observation",
		"patient_id":    "p1",
		"action":        "read",
		"method":        "GET",
		"path":          "/Observation",
	}
	for field, v := range want {
		if got, _ := line[field].(string); got != v {
			t.Errorf("log field %s = %q, want %q", field, got, v)
		}
	}
	if status, _ := line["status"].(float64); int(status) != http.StatusOK {
		t.Errorf("log field status = %v, want 200", line["status"])
	}
}

func TestAuditPatientFromPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/Patient/p9", strings.NewReader(`{}`))
	buf, _ := runAudited(t, req, okHandler)

	out := buf.String()
	if !strings.Contains(out, `"patient_id":"p9"`) {
		t.Errorf("log = %s, want patient_id p9", out)
	}
	if !strings.Contains(out, `"action":"update"`) {
		t.Errorf("log = %s, want action update", out)
	}
}

func TestAuditSkipsReservedRoutes(t *testing.T) {
	for _, target := range []string{"/health", "/metadata", "/.well-known/smart-configuration"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		buf, _ := runAudited(t, req, okHandler)
		if buf.Len() != 0 {
			t.Errorf("audit logged %q for reserved route %s", buf.String(), target)
		}
	}
}

func TestAuditInvokesRecorder(t *testing.T) {
	var got AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		got = entry
		return nil
	})

	req := httptest.NewRequest(http.MethodDelete, "/Patient/p1", nil)
	runAudited(t, req, okHandler, recorder)

	if got.ResourceType != "Patient" || got.PatientID != "p1" || got.Action != "delete" {
		t.Errorf("recorded entry = %+v, want Patient/p1 delete", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("recorded entry has no timestamp")
	}
}

func TestAuditRecorderFailureDoesNotFailRequest(t *testing.T) {
	recorder := AuditRecorderFunc(func(AuditEntry) error {
		return errors.New("store down")
	})

	req := httptest.NewRequest(http.MethodGet, "/Patient/p1", nil)
	buf, rec := runAudited(t, req, okHandler, recorder)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(buf.String(), "recording audit entry failed") {
		t.Errorf("log = %s, want a recorder failure line", buf.String())
	}
	if !strings.Contains(buf.String(), "phi_access") {
		t.Errorf("log = %s, want the phi_access line despite the recorder failure", buf.String())
	}
}

func TestAuditEventRecorder(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	client, err := backend.NewClient(upstream.URL, 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	recorder := NewAuditEventRecorder(client, "fhir-gateway")
	err = recorder.RecordAccess(AuditEntry{
		Subject:      "user-1",
		ResourceType: "Observation",
		PatientID:    "p1",
		Method:       http.MethodGet,
		IPAddress:    "10.0.0.1",
		StatusCode:   http.StatusOK,
		Timestamp:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}

	if gotPath != "POST /AuditEvent" {
		t.Fatalf("backend saw %q, want POST /AuditEvent", gotPath)
	}

	var event map[string]interface{}
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("decoding AuditEvent: %v", err)
	}
	if event["resourceType"] != "AuditEvent" {
		t.Errorf("resourceType = %v, want AuditEvent", event["resourceType"])
	}
	if event["action"] != "R" {
		t.Errorf("action = %v, want R", event["action"])
	}
	if event["outcome"] != "0" {
		t.Errorf("outcome = %v, want 0", event["outcome"])
	}
	if event["recorded"] != "2024-05-01T12:00:00Z" {
		t.Errorf("recorded = %v, want 2024-05-01T12:00:00Z", event["recorded"])
	}
	entities, _ := event["entity"].([]interface{})
	if len(entities) != 2 {
		t.Fatalf("entity count = %d, want 2", len(entities))
	}

	t.Run("backend failure surfaces as error", func(t *testing.T) {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer down.Close()
		client, err := backend.NewClient(down.URL, time.Second, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		if err := NewAuditEventRecorder(client, "fhir-gateway").RecordAccess(AuditEntry{}); err == nil {
			t.Fatal("expected an error from a failing store")
		}
	})
}
