// Package access decides whether a verified request may reach the backend.
// It hosts the allowed-queries shortcut, the access-checker family and the
// post-processors a checker can attach to a granted request.
package access

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// GatewayModeHeader selects special gateway handling for a request.
const GatewayModeHeader = "FHIR-Gateway-Mode"

// GatewayModeListEntries asks the gateway to expand a List response into a
// batch of its entries.
const GatewayModeListEntries = "list-entries"

// RequestView is the checker-facing shape of an inbound request. The body is
// loaded lazily and at most once; the forwarder reuses the loaded bytes.
type RequestView struct {
	Method       string
	Path         string
	ResourceType string
	ResourceID   string
	Query        url.Values
	Header       http.Header

	src      io.ReadCloser
	body     []byte
	bodyErr  error
	bodyRead bool
}

// NewRequestView parses the request line into the checker-facing view. The
// path is interpreted as FHIR REST: /{Type}/{id}/..., where operation
// segments ($export) and history segments (_history) are not ids.
func NewRequestView(r *http.Request) *RequestView {
	v := &RequestView{
		Method: r.Method,
		Path:   strings.Trim(r.URL.Path, "/"),
		Query:  r.URL.Query(),
		Header: r.Header,
		src:    r.Body,
	}
	segs := strings.Split(v.Path, "/")
	if len(segs) > 0 && isResourceTypeSegment(segs[0]) {
		v.ResourceType = segs[0]
		if len(segs) > 1 && segs[1] != "" && segs[1][0] != '$' && segs[1][0] != '_' {
			v.ResourceID = segs[1]
		}
	}
	return v
}

func isResourceTypeSegment(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

// Body returns the request body, reading it on first use. Subsequent calls
// return the same bytes.
func (v *RequestView) Body() ([]byte, error) {
	if v.bodyRead {
		return v.body, v.bodyErr
	}
	v.bodyRead = true
	if v.src == nil {
		return nil, nil
	}
	v.body, v.bodyErr = io.ReadAll(v.src)
	v.src.Close()
	return v.body, v.bodyErr
}

// BodyReader hands the body to the forwarder: the loaded bytes when a
// checker already consumed the stream, the raw stream otherwise.
func (v *RequestView) BodyReader() io.Reader {
	if v.bodyRead {
		return bytes.NewReader(v.body)
	}
	if v.src == nil {
		return nil
	}
	return v.src
}

// IsBundleRequest reports whether this is a POST to the server root, the
// only place transaction bundles arrive.
func (v *RequestView) IsBundleRequest() bool {
	return v.Method == http.MethodPost && v.ResourceType == ""
}

// GatewayMode returns the value of the gateway-mode header.
func (v *RequestView) GatewayMode() string {
	return v.Header.Get(GatewayModeHeader)
}
