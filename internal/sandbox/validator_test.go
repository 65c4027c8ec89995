package sandbox

import (
	"strings"
	"testing"
)

const validPlan = `{
  "version": 1,
  "entry": "scrape_data",
  "sources": [
    {
      "record_selector": "table tr",
      "fields": {
        "symbol": {"selector": "td.sym"},
        "price": {"selector": "td.price", "type": "number", "pattern": "[0-9.]+"}
      }
    }
  ],
  "metadata": {"method": "css", "confidence": "high"}
}`

func TestValidateSource_ValidPlan(t *testing.T) {
	v := ValidateSource(validPlan)
	if !v.Executable() {
		t.Fatalf("expected valid plan to be executable, errors: %v", v.Errors)
	}
	if len(v.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", v.Errors)
	}
}

func TestValidateSource_SyntaxError(t *testing.T) {
	v := ValidateSource("{\n  \"entry\": \"scrape_data\",\n")
	if v.SyntaxOK {
		t.Fatal("expected syntax failure")
	}
	if v.Executable() {
		t.Fatal("syntactically broken plan must not be executable")
	}
	if len(v.Errors) == 0 || !strings.HasPrefix(v.Errors[0], "syntax:") {
		t.Fatalf("expected a syntax: error, got %v", v.Errors)
	}
	if !strings.Contains(v.Errors[0], "line") {
		t.Fatalf("expected line/column info in %q", v.Errors[0])
	}
}

func TestValidateSource_ForbiddenTokens(t *testing.T) {
	cases := []string{
		`{"entry": "scrape_data", "sources": [{"url": "file:///etc/passwd", "fields": {"x": {}}}]}`,
		`{"entry": "scrape_data", "sources": [{"fields": {"x": {"pattern": "eval("}}}]}`,
		`{"entry": "scrape_data", "sources": [{"fields": {"x": {"selector": "os.system"}}}]}`,
		`{"entry": "scrape_data", "sources": [{"url": "javascript:alert(1)", "fields": {"x": {}}}]}`,
		`{"entry": "scrape_data", "sources": [{"fields": {"x": {"selector": "subprocess"}}}]}`,
	}
	for _, src := range cases {
		v := ValidateSource(src)
		if v.NoForbiddenOps {
			t.Fatalf("expected forbidden-op rejection for %s", src)
		}
		found := false
		for _, e := range v.Errors {
			if strings.HasPrefix(e, "security:") {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected a security: error for %s, got %v", src, v.Errors)
		}
	}
}

func TestValidateSource_UnknownDirective(t *testing.T) {
	v := ValidateSource(`{"entry": "scrape_data", "shell": "rm -rf /", "sources": [{"fields": {"x": {}}}]}`)
	if v.Executable() {
		t.Fatal("unknown directive must not validate")
	}
	found := false
	for _, e := range v.Errors {
		if strings.Contains(e, "unsupported directive") && strings.Contains(e, "shell") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unsupported directive error naming shell, got %v", v.Errors)
	}
}

func TestValidateSource_EntryPoint(t *testing.T) {
	v := ValidateSource(`{"entry": "main", "sources": [{"fields": {"x": {}}}]}`)
	if v.SignatureOK {
		t.Fatal("wrong entry name must fail the signature check")
	}

	v = ValidateSource(`{"entry": "scrape_data", "sources": []}`)
	if v.SignatureOK {
		t.Fatal("plan without sources must fail the signature check")
	}
}

func TestValidateSource_BadFieldRules(t *testing.T) {
	v := ValidateSource(`{"entry": "scrape_data", "sources": [{"fields": {"x": {"type": "float"}}}]}`)
	if v.ImportsOK {
		t.Fatal("unknown type must fail the capability check")
	}

	v = ValidateSource(`{"entry": "scrape_data", "sources": [{"fields": {"x": {"pattern": "["}}}]}`)
	if v.ImportsOK {
		t.Fatal("invalid regexp must fail the capability check")
	}
}

// Validation is pure: the same source yields the same flags and errors.
func TestValidateSource_Idempotent(t *testing.T) {
	sources := []string{
		validPlan,
		`{"entry": "main", "sources": []}`,
		`not json at all`,
		`{"entry": "scrape_data", "sources": [{"url": "file:///x", "fields": {"x": {}}}]}`,
	}
	for _, src := range sources {
		first := ValidateSource(src)
		second := ValidateSource(src)
		if first.SyntaxOK != second.SyntaxOK ||
			first.ImportsOK != second.ImportsOK ||
			first.NoForbiddenOps != second.NoForbiddenOps ||
			first.SignatureOK != second.SignatureOK {
			t.Fatalf("validation flags changed between runs for %s", src)
		}
		if strings.Join(first.Errors, "|") != strings.Join(second.Errors, "|") {
			t.Fatalf("validation errors changed between runs for %s", src)
		}
	}
}
