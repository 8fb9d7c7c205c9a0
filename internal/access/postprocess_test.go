package access

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// patchRecorder captures list patches the appender issues.
type patchRecorder struct {
	client *backend.Client
	status int
	paths  []string
	bodies []string
}

func newPatchRecorder(t *testing.T) *patchRecorder {
	t.Helper()
	pr := &patchRecorder{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("backend method = %s, want PATCH", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json-patch+json" {
			t.Errorf("Content-Type = %q, want application/json-patch+json", got)
		}
		body, _ := io.ReadAll(r.Body)
		pr.paths = append(pr.paths, r.URL.Path)
		pr.bodies = append(pr.bodies, string(body))
		w.WriteHeader(pr.status)
	}))
	t.Cleanup(srv.Close)

	client, err := backend.NewClient(srv.URL, 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	pr.client = client
	return pr
}

func TestListAppenderExplicitID(t *testing.T) {
	pr := newPatchRecorder(t)
	app := NewListAppender(pr.client, "list-1", zerolog.Nop(), "p9")

	body, err := app.Process(context.Background(), &UpstreamResponse{StatusCode: 201, Header: http.Header{}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if body != nil {
		t.Errorf("Process body = %q, want nil", body)
	}
	if len(pr.paths) != 1 || pr.paths[0] != "/List/list-1" {
		t.Fatalf("patched paths = %v, want [/List/list-1]", pr.paths)
	}
	want := `[{"op":"add","path":"/entry/-","value":{"item":{"reference":"Patient/p9"}}}]`
	if pr.bodies[0] != want {
		t.Errorf("patch body = %s, want %s", pr.bodies[0], want)
	}
}

func TestListAppenderDiscovery(t *testing.T) {
	tests := []struct {
		name string
		resp *UpstreamResponse
		want []string
	}{
		{
			name: "location header",
			resp: &UpstreamResponse{
				StatusCode: 201,
				Header:     http.Header{"Location": {"http://backend/fhir/Patient/p7/_history/1"}},
			},
			want: []string{"p7"},
		},
		{
			name: "patient body",
			resp: &UpstreamResponse{
				StatusCode: 201,
				Header:     http.Header{},
				Body:       []byte(`{"resourceType":"Patient","id":"p3"}`),
			},
			want: []string{"p3"},
		},
		{
			name: "transaction response locations",
			resp: &UpstreamResponse{
				StatusCode: 200,
				Header:     http.Header{},
				Body: []byte(`{"resourceType":"Bundle","type":"transaction-response","entry":[
					{"response":{"status":"201 Created","location":"Patient/p4/_history/1"}},
					{"response":{"status":"200 OK","location":"Observation/o1/_history/2"}}
				]}`),
			},
			want: []string{"p4"},
		},
		{
			name: "nothing to append",
			resp: &UpstreamResponse{
				StatusCode: 200,
				Header:     http.Header{},
				Body:       []byte(`{"resourceType":"OperationOutcome"}`),
			},
			want: nil,
		},
		{
			name: "failed upstream",
			resp: &UpstreamResponse{StatusCode: 422, Header: http.Header{}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := newPatchRecorder(t)
			app := NewListAppender(pr.client, "list-1", zerolog.Nop())

			body, err := app.Process(context.Background(), tt.resp)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if body != nil {
				t.Errorf("Process body = %q, want nil", body)
			}
			if len(pr.bodies) != len(tt.want) {
				t.Fatalf("patches issued = %d, want %d", len(pr.bodies), len(tt.want))
			}
			for i, id := range tt.want {
				if !strings.Contains(pr.bodies[i], "Patient/"+id) {
					t.Errorf("patch %d = %s, want a reference to Patient/%s", i, pr.bodies[i], id)
				}
			}
		})
	}
}

func TestListAppenderSwallowsPatchFailure(t *testing.T) {
	pr := newPatchRecorder(t)
	pr.status = http.StatusInternalServerError
	app := NewListAppender(pr.client, "list-1", zerolog.Nop(), "p1")

	body, err := app.Process(context.Background(), &UpstreamResponse{StatusCode: 201, Header: http.Header{}})
	if err != nil {
		t.Fatalf("Process: %v, want nil; append failures must not fail the request", err)
	}
	if body != nil {
		t.Errorf("Process body = %q, want nil", body)
	}
	if len(pr.paths) != 1 {
		t.Errorf("patch attempts = %d, want 1", len(pr.paths))
	}
}

func TestListExpander(t *testing.T) {
	var batch []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/" {
			t.Errorf("backend got %s %s, want POST /", r.Method, r.URL.Path)
		}
		batch, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"resourceType":"Bundle","type":"batch-response","entry":[
			{"resource":{"resourceType":"Group","id":"g1"}},
			{"resource":{"resourceType":"Group","id":"g2"}}
		]}`)
	}))
	t.Cleanup(srv.Close)
	client, err := backend.NewClient(srv.URL, 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	exp := NewListExpander(client, zerolog.Nop())
	list := `{"resourceType":"List","status":"current","mode":"working","entry":[
		{"item":{"reference":"Group/g1"}},
		{"deleted":true,"item":{"reference":"Group/gone"}},
		{"item":{"reference":"Patient/p1"}},
		{"item":{"reference":"Group/g2"}}
	]}`
	out, err := exp.Process(context.Background(), &UpstreamResponse{StatusCode: 200, Body: []byte(list)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	sent, err := fm.UnmarshalBundle(batch)
	if err != nil {
		t.Fatalf("decoding forwarded batch: %v", err)
	}
	if sent.Type != fm.BundleTypeBatch {
		t.Errorf("batch type = %v, want batch", sent.Type)
	}
	wantURLs := []string{"Group/g1", "Group/g2"}
	if len(sent.Entry) != len(wantURLs) {
		t.Fatalf("batch entries = %d, want %d", len(sent.Entry), len(wantURLs))
	}
	for i, want := range wantURLs {
		if sent.Entry[i].Request == nil {
			t.Fatalf("entry %d has no request", i)
		}
		if sent.Entry[i].Request.Url != want {
			t.Errorf("entry %d url = %q, want %q", i, sent.Entry[i].Request.Url, want)
		}
		if sent.Entry[i].Request.Method != fm.HTTPVerbGET {
			t.Errorf("entry %d method = %v, want GET", i, sent.Entry[i].Request.Method)
		}
	}

	result, err := fm.UnmarshalBundle(out)
	if err != nil {
		t.Fatalf("decoding replacement body: %v", err)
	}
	if len(result.Entry) != 2 {
		t.Errorf("replacement entries = %d, want 2", len(result.Entry))
	}
}

func TestListExpanderRejectsNonList(t *testing.T) {
	exp := NewListExpander(nil, zerolog.Nop())
	_, err := exp.Process(context.Background(), &UpstreamResponse{
		StatusCode: 200,
		Body:       []byte(`{"resourceType":"Patient","id":"p1"}`),
	})
	if err == nil {
		t.Fatal("Process(non-List body) error = nil, want error")
	}
	ge, ok := fhir.AsError(err)
	if !ok || ge.Kind != fhir.KindInvalidRequest {
		t.Fatalf("error = %v, want KindInvalidRequest", err)
	}
}

func TestListExpanderSkipsFailedUpstream(t *testing.T) {
	exp := NewListExpander(nil, zerolog.Nop())
	out, err := exp.Process(context.Background(), &UpstreamResponse{StatusCode: 404})
	if err != nil || out != nil {
		t.Fatalf("Process = (%q, %v), want (nil, nil)", out, err)
	}
}

func TestListExpanderNoGroupEntries(t *testing.T) {
	exp := NewListExpander(nil, zerolog.Nop())
	list := `{"resourceType":"List","status":"current","mode":"working","entry":[
		{"item":{"reference":"Patient/p1"}},
		{"item":{"display":"no reference"}}
	]}`
	out, err := exp.Process(context.Background(), &UpstreamResponse{StatusCode: 200, Body: []byte(list)})
	if err != nil || out != nil {
		t.Fatalf("Process = (%q, %v), want (nil, nil): a list without group items stands as returned", out, err)
	}
}

func TestListExpanderBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client, err := backend.NewClient(srv.URL, 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	exp := NewListExpander(client, zerolog.Nop())
	list := `{"resourceType":"List","status":"current","mode":"working","entry":[{"item":{"reference":"Group/g1"}}]}`
	_, err = exp.Process(context.Background(), &UpstreamResponse{StatusCode: 200, Body: []byte(list)})
	if err == nil {
		t.Fatal("Process with failing backend: error = nil, want error")
	}
	ge, ok := fhir.AsError(err)
	if !ok || ge.Kind != fhir.KindBackendUnavailable {
		t.Fatalf("error = %v, want KindBackendUnavailable", err)
	}
}
