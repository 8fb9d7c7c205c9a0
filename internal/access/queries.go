package access

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// AllowedQueryEntry is one rule of the allowed-queries shortcut: requests
// matching it bypass the access checker, and with Unauthenticated set they
// bypass token verification too.
type AllowedQueryEntry struct {
	// Path matches exactly, or by prefix when it ends in "/*".
	Path string `json:"path"`
	// Methods restrict the rule; empty means any method.
	Methods []string `json:"methods,omitempty"`
	// RequiredParams must all be present. A literal value must match every
	// value the request carries for that parameter; "*" accepts any value.
	RequiredParams map[string]string `json:"requiredParams,omitempty"`
	// ForbiddenParams must be absent.
	ForbiddenParams []string `json:"forbiddenParams,omitempty"`
	// Unauthenticated lets the request through without a bearer token.
	Unauthenticated bool `json:"unauthenticated,omitempty"`
}

// AllowedQueries is the ordered rule list; the first matching entry wins.
type AllowedQueries struct {
	entries []AllowedQueryEntry
}

// LoadAllowedQueries reads and validates the JSON rule file. A broken file
// must stop the process: a half-loaded allow list is an open door.
func LoadAllowedQueries(path string) (*AllowedQueries, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowed-queries config: %w", err)
	}
	var entries []AllowedQueryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing allowed-queries config %s: %w", path, err)
	}
	for i := range entries {
		if entries[i].Path == "" {
			return nil, fmt.Errorf("allowed-queries entry %d has no path", i)
		}
		// Request paths are matched without a leading slash.
		entries[i].Path = strings.TrimPrefix(entries[i].Path, "/")
		for j, m := range entries[i].Methods {
			entries[i].Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
	}
	return &AllowedQueries{entries: entries}, nil
}

// Len returns the number of loaded rules.
func (a *AllowedQueries) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

// Match returns the first entry matching the request, or nil.
func (a *AllowedQueries) Match(method, path string, query url.Values) *AllowedQueryEntry {
	if a == nil {
		return nil
	}
	for i := range a.entries {
		if a.entries[i].matches(method, path, query) {
			return &a.entries[i]
		}
	}
	return nil
}

func (e *AllowedQueryEntry) matches(method, path string, query url.Values) bool {
	if strings.HasSuffix(e.Path, "/*") {
		prefix := strings.TrimSuffix(e.Path, "*")
		if !strings.HasPrefix(path, prefix) {
			return false
		}
	} else if path != e.Path {
		return false
	}

	if len(e.Methods) > 0 {
		found := false
		for _, m := range e.Methods {
			if m == method {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for name, want := range e.RequiredParams {
		got, present := query[name]
		if !present || len(got) == 0 {
			return false
		}
		if want == "*" {
			continue
		}
		for _, v := range got {
			if v != want {
				return false
			}
		}
	}

	for _, name := range e.ForbiddenParams {
		if _, present := query[name]; present {
			return false
		}
	}
	return true
}
