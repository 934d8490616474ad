// Package runner loads a declarative regression suite and drives it case by
// case to a summary.
package runner

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tiger/voiceflow-regression/api/suite"
)

//go:embed suite.schema.json
var suiteSchemaSource string

// SuiteFile is the top-level shape of a case file.
type SuiteFile struct {
	Suite       string           `json:"suite,omitempty"`
	Description string           `json:"description,omitempty"`
	TestCases   []suite.TestCase `json:"test_cases"`
}

// Load reads, schema-validates, and type-validates a suite file. Both
// validators must accept it: the schema catches shape drift, the typed
// Validate methods enforce the cross-field invariants a schema cannot.
func Load(path string) (SuiteFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SuiteFile{}, fmt.Errorf("read suite %s: %w", path, err)
	}
	return Parse(raw, path)
}

// Parse validates raw suite bytes. The name is used in diagnostics only.
func Parse(raw []byte, name string) (SuiteFile, error) {
	schema, err := compileSuiteSchema()
	if err != nil {
		return SuiteFile{}, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SuiteFile{}, fmt.Errorf("parse suite %s: %w", name, err)
	}
	if err := schema.Validate(payload); err != nil {
		return SuiteFile{}, fmt.Errorf("suite %s rejected by schema: %w", name, err)
	}

	var file SuiteFile
	if err := strictUnmarshal(raw, &file); err != nil {
		return SuiteFile{}, fmt.Errorf("decode suite %s: %w", name, err)
	}
	seen := make(map[string]bool, len(file.TestCases))
	for _, tc := range file.TestCases {
		if err := tc.Validate(); err != nil {
			return SuiteFile{}, fmt.Errorf("suite %s: %w", name, err)
		}
		if seen[tc.Name] {
			return SuiteFile{}, fmt.Errorf("suite %s: duplicate case name %q", name, tc.Name)
		}
		seen[tc.Name] = true
	}
	return file, nil
}

func compileSuiteSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("suite.schema.json", strings.NewReader(suiteSchemaSource)); err != nil {
		return nil, fmt.Errorf("add suite schema: %w", err)
	}
	schema, err := compiler.Compile("suite.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile suite schema: %w", err)
	}
	return schema, nil
}

func strictUnmarshal(raw []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// Selected reports whether the case name contains any filter fragment,
// case-insensitive. An empty filter selects everything.
func Selected(name string, fragments []string) bool {
	if len(fragments) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, fragment := range fragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// EnsureSelection rejects a filter that matches no case name. A typo'd
// filter would otherwise skip the whole suite and report success; listing
// the available names makes the mistake obvious.
func EnsureSelection(cases []suite.TestCase, fragments []string) error {
	if len(fragments) == 0 {
		return nil
	}
	for _, tc := range cases {
		if Selected(tc.Name, fragments) {
			return nil
		}
	}
	names := make([]string, 0, len(cases))
	for _, tc := range cases {
		names = append(names, tc.Name)
	}
	return fmt.Errorf("filter %q matches no case; available cases: %s",
		strings.Join(fragments, ","), strings.Join(names, ", "))
}

// MockBehaviors collects the per-case mock configuration for the in-memory
// backend.
func MockBehaviors(cases []suite.TestCase) map[string]suite.MockBehavior {
	behaviors := make(map[string]suite.MockBehavior)
	for _, tc := range cases {
		if tc.Mock != nil {
			behaviors[tc.Name] = *tc.Mock
		}
	}
	return behaviors
}
