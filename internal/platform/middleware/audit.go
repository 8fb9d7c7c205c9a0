package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/backend"
)

// ContextKeySubject is the echo context key under which the proxy pipeline
// publishes the verified token subject, so the audit trail can attribute
// access. Requests that never reach verification leave it unset.
const ContextKeySubject = "auth_subject"

// AuditEntry captures who touched what through the gateway: the verified
// subject, the resource, the action and the outcome status.
type AuditEntry struct {
	Subject      string
	ResourceType string
	PatientID    string
	Action       string
	Method       string
	Path         string
	IPAddress    string
	UserAgent    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists audit entries somewhere durable. The middleware
// logs recorder failures and moves on; auditing never fails a request.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc adapts a function to AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error { return f(entry) }

// auditSkippedPaths are the reserved routes that serve gateway metadata, not
// patient data.
var auditSkippedPaths = map[string]bool{
	"/health":   true,
	"/metadata": true,
}

// Audit emits one structured line per proxied resource request after it
// finished, and hands the entry to the recorder when one is configured.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if auditSkippedPaths[path] || strings.HasPrefix(path, "/.well-known/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Method:     req.Method,
				Path:       path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
				Action:     methodAction(req.Method),
			}
			entry.Subject, _ = c.Get(ContextKeySubject).(string)
			entry.RequestID, _ = c.Get(ContextKeyRequestID).(string)
			entry.ResourceType, entry.PatientID = auditTarget(c)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("recording audit entry failed")
				}
			}

			logger.Info().
				Str("request_id", entry.RequestID).
				Str("subject", entry.Subject).
				Str("resource_type", entry.ResourceType).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "execute"
	}
}

// auditTarget derives the resource type and, best effort, a patient id from
// the request. /Patient/{id} names the patient directly; searches may carry
// one on the patient or subject parameter.
func auditTarget(c echo.Context) (resourceType, patientID string) {
	segs := strings.Split(strings.Trim(c.Request().URL.Path, "/"), "/")
	if len(segs) > 0 && segs[0] != "" && segs[0][0] >= 'A' && segs[0][0] <= 'Z' {
		resourceType = segs[0]
	}
	if resourceType == "Patient" && len(segs) > 1 && !strings.HasPrefix(segs[1], "$") && !strings.HasPrefix(segs[1], "_") {
		patientID = segs[1]
		return
	}
	for _, param := range []string{"patient", "subject"} {
		if v := c.QueryParam(param); v != "" {
			patientID = strings.TrimPrefix(v, "Patient/")
			return
		}
	}
	return
}

// AuditEventRecorder persists entries as FHIR AuditEvent resources on the
// backend store. It runs detached from the request with its own deadline;
// a slow or failing store costs a log line, never a client response.
type AuditEventRecorder struct {
	backend *backend.Client
	source  string
	timeout time.Duration
}

// NewAuditEventRecorder builds a recorder that writes AuditEvents under the
// given source name.
func NewAuditEventRecorder(client *backend.Client, source string) *AuditEventRecorder {
	return &AuditEventRecorder{backend: client, source: source, timeout: 10 * time.Second}
}

// RecordAccess writes one AuditEvent per entry.
func (r *AuditEventRecorder) RecordAccess(entry AuditEntry) error {
	event := map[string]interface{}{
		"resourceType": "AuditEvent",
		"type": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/audit-event-type",
			"code":   "rest",
		},
		"action":   auditEventAction(entry.Method),
		"recorded": entry.Timestamp.Format(time.RFC3339),
		"outcome":  auditEventOutcome(entry.StatusCode),
		"agent": []interface{}{map[string]interface{}{
			"requestor": true,
			"who": map[string]interface{}{
				"identifier": map[string]interface{}{"value": entry.Subject},
			},
			"network": map[string]interface{}{"address": entry.IPAddress, "type": "2"},
		}},
		"source": map[string]interface{}{
			"observer": map[string]interface{}{"display": r.source},
		},
	}

	var entities []interface{}
	if entry.PatientID != "" {
		entities = append(entities, map[string]interface{}{
			"what": map[string]interface{}{"reference": "Patient/" + entry.PatientID},
			"type": map[string]interface{}{
				"system": "http://terminology.hl7.org/CodeSystem/audit-entity-type",
				"code":   "1",
			},
		})
	}
	if entry.ResourceType != "" {
		entities = append(entities, map[string]interface{}{
			"what": map[string]interface{}{"display": entry.ResourceType},
			"type": map[string]interface{}{
				"system": "http://terminology.hl7.org/CodeSystem/audit-entity-type",
				"code":   "2",
			},
		})
	}
	if entities != nil {
		event["entity"] = entities
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.backend.Create(ctx, "AuditEvent", body)
}

// auditEventAction maps HTTP methods onto AuditEvent.action codes.
func auditEventAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "R"
	case http.MethodPost:
		return "C"
	case http.MethodPut, http.MethodPatch:
		return "U"
	case http.MethodDelete:
		return "D"
	default:
		return "E"
	}
}

// auditEventOutcome maps a response status onto AuditEvent.outcome: 0 for
// success, 4 for client failures, 8 for server failures.
func auditEventOutcome(status int) string {
	switch {
	case status < 400:
		return "0"
	case status < 500:
		return "4"
	default:
		return "8"
	}
}
