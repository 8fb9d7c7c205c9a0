package fhir

import (
	"encoding/json"
	"fmt"
)

// PatchOperation represents a single JSON Patch operation (RFC 6902).
// The gateway never applies patches itself; it parses them to reason about
// the patient references they introduce and builds them for the list
// post-processor. Application is the backend's job.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

var validPatchOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

// ParseJSONPatch parses and validates a JSON Patch document.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty JSON Patch document")
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'op' field", i)
		}
		if !validPatchOps[op.Op] {
			return nil, fmt.Errorf("patch operation %d: unknown op %q", i, op.Op)
		}
		if op.Path == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'path' field", i)
		}
		if (op.Op == "move" || op.Op == "copy") && op.From == "" {
			return nil, fmt.Errorf("patch operation %d: %s requires a 'from' field", i, op.Op)
		}
	}
	return ops, nil
}

// NewAddOperation builds an RFC 6902 add operation.
func NewAddOperation(path string, value interface{}) PatchOperation {
	return PatchOperation{Op: "add", Path: path, Value: value}
}

// MarshalPatch renders operations as a JSON Patch document.
func MarshalPatch(ops []PatchOperation) ([]byte, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON Patch document: %w", err)
	}
	return data, nil
}
