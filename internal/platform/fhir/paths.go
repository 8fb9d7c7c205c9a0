package fhir

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
)

//go:embed data/patient_paths.json
var patientPathsJSON []byte

// PatientPaths holds the compiled FHIRPath expressions that locate patient
// references inside resource bodies, keyed by resource type. The table ships
// embedded next to the compartment definition and is compiled once at startup.
type PatientPaths struct {
	exprs map[string][]*Expression
	roots map[string]map[string]bool
}

// LoadPatientPaths parses and compiles the embedded patient reference path
// table. Any expression that fails to compile makes the whole load fail; the
// gateway treats that as fatal at startup.
func LoadPatientPaths() (*PatientPaths, error) {
	var raw map[string][]string
	if err := json.Unmarshal(patientPathsJSON, &raw); err != nil {
		return nil, fmt.Errorf("parsing patient path table: %w", err)
	}

	pp := &PatientPaths{
		exprs: make(map[string][]*Expression, len(raw)),
		roots: make(map[string]map[string]bool, len(raw)),
	}
	for resourceType, paths := range raw {
		if len(paths) == 0 {
			return nil, fmt.Errorf("patient path table: %s has no expressions", resourceType)
		}
		compiled := make([]*Expression, 0, len(paths))
		roots := make(map[string]bool, len(paths))
		for _, p := range paths {
			expr, err := Compile(p)
			if err != nil {
				return nil, fmt.Errorf("patient path table: %s: %w", resourceType, err)
			}
			compiled = append(compiled, expr)
			if root := rootElement(p); root != "" {
				roots[root] = true
			}
		}
		pp.exprs[resourceType] = compiled
		pp.roots[resourceType] = roots
	}
	return pp, nil
}

// rootElement extracts the leading element name of a path expression:
// "subject.reference" yields "subject".
func rootElement(path string) string {
	for i := 0; i < len(path); i++ {
		if c := path[i]; c == '.' || c == '(' || c == '[' {
			return path[:i]
		}
	}
	return path
}

// Known reports whether the table carries expressions for the resource type.
func (pp *PatientPaths) Known(resourceType string) bool {
	_, ok := pp.exprs[resourceType]
	return ok
}

// Expressions returns the compiled expressions for the resource type, or nil
// when the type has none.
func (pp *PatientPaths) Expressions(resourceType string) []*Expression {
	return pp.exprs[resourceType]
}

// CompartmentElement reports whether the named top-level element holds a
// patient reference for the resource type. Patch operations that drop such
// elements would let a resource silently leave its compartment.
func (pp *PatientPaths) CompartmentElement(resourceType, element string) bool {
	return pp.roots[resourceType][element]
}

// ResourceTypes lists the resource types present in the table, sorted.
func (pp *PatientPaths) ResourceTypes() []string {
	types := make([]string, 0, len(pp.exprs))
	for t := range pp.exprs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
