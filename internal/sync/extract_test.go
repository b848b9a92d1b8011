package sync

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var root any
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		t.Fatalf("bad test payload: %v", err)
	}
	return root
}

func TestExtractStringWalksNestedObjects(t *testing.T) {
	root := decode(t, `{"response":{"employee":{"departmentCode":"D-100"}}}`)

	got, ok := extractString(root, "response.employee.departmentCode")
	if !ok || got != "D-100" {
		t.Fatalf("expected D-100, got %q ok=%v", got, ok)
	}
}

func TestExtractStringFlattensIntermediateArrays(t *testing.T) {
	root := decode(t, `{"response":{"employees":[{"departmentCode":"A"},{"departmentCode":"B"}]}}`)

	got, ok := extractString(root, "response.employees.departmentCode")
	if !ok || got != "A" {
		t.Fatalf("expected first array element A, got %q ok=%v", got, ok)
	}
}

func TestExtractStringFlattensTerminalArrays(t *testing.T) {
	root := decode(t, `{"tags":["red","blue"]}`)

	got, ok := extractString(root, "tags")
	if !ok || got != "red" {
		t.Fatalf("expected red, got %q ok=%v", got, ok)
	}
}

func TestExtractStringScalars(t *testing.T) {
	root := decode(t, `{"n":42,"f":1.5,"b":true}`)

	if got, ok := extractString(root, "n"); !ok || got != "42" {
		t.Fatalf("integer: got %q ok=%v", got, ok)
	}
	if got, ok := extractString(root, "f"); !ok || got != "1.5" {
		t.Fatalf("float: got %q ok=%v", got, ok)
	}
	if got, ok := extractString(root, "b"); !ok || got != "true" {
		t.Fatalf("bool: got %q ok=%v", got, ok)
	}
}

func TestExtractStringNoUpdateCases(t *testing.T) {
	cases := map[string]struct {
		payload string
		path    string
	}{
		"missing key":        {`{"a":{"b":"x"}}`, "a.c"},
		"missing branch":     {`{"a":{"b":"x"}}`, "z.b"},
		"null terminal":      {`{"a":{"b":null}}`, "a.b"},
		"blank terminal":     {`{"a":{"b":"   "}}`, "a.b"},
		"empty array":        {`{"a":[]}`, "a.b"},
		"object terminal":    {`{"a":{"b":{"c":"x"}}}`, "a.b"},
		"scalar in the path": {`{"a":"leaf"}`, "a.b"},
		"empty path":         {`{"a":"x"}`, ""},
	}

	for name, tc := range cases {
		root := decode(t, tc.payload)
		if got, ok := extractString(root, tc.path); ok {
			t.Fatalf("%s: expected no value, got %q", name, got)
		}
	}
}
