package sandbox

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"apigen/internal/model"
)

// forbiddenTokens are scanned textually against the raw plan source. Any
// match rejects the plan: none of these can legitimately appear in a scrape
// plan, and a conservative scan costs nothing.
var forbiddenTokens = []string{
	"file://",
	"ftp://",
	"javascript:",
	"data:",
	"eval(",
	"exec(",
	"compile(",
	"__import__",
	"os.system",
	"subprocess",
	"shutil",
	"socket.",
	"pickle",
	"marshal",
	"breakpoint",
	"open(",
	"input(",
}

// allowed vocabularies for plan directives.
var (
	allowedTypes = map[string]bool{
		"":        true,
		"string":  true,
		"number":  true,
		"integer": true,
		"boolean": true,
	}
	attrNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_:-]*$`)
)

// ValidateSource statically validates scrape-plan text. It never executes
// the plan. Running it twice on the same source yields the same outcome.
func ValidateSource(source string) model.PlanValidation {
	v := model.PlanValidation{
		NoForbiddenOps: true,
	}

	// Forbidden-token scan runs on the raw text regardless of whether the
	// document even parses.
	lower := strings.ToLower(source)
	for _, tok := range forbiddenTokens {
		if strings.Contains(lower, tok) {
			v.NoForbiddenOps = false
			v.Errors = append(v.Errors, fmt.Sprintf("security: forbidden directive %q in plan", strings.TrimSuffix(tok, "(")))
		}
	}

	plan, err := DecodePlan(source)
	if err != nil {
		if name, ok := unknownField(err); ok {
			// The document is well-formed JSON but uses a directive outside
			// the allowed vocabulary.
			v.SyntaxOK = true
			v.Errors = append(v.Errors, fmt.Sprintf("syntax: unsupported directive: %s", name))
			return v
		}
		line, col := offsetToLineCol(source, syntaxOffset(err))
		v.Errors = append(v.Errors, fmt.Sprintf("syntax: %v (line %d, column %d)", err, line, col))
		return v
	}
	v.SyntaxOK = true

	v.ImportsOK = true
	for i, src := range plan.Sources {
		if src.URL != "" {
			u, err := url.Parse(src.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				v.ImportsOK = false
				v.Errors = append(v.Errors, fmt.Sprintf("security: source %d uses a non-http url %q", i, src.URL))
			}
		}
		// Visit fields in name order so the error list is stable across runs.
		names := make([]string, 0, len(src.Fields))
		for name := range src.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fr := src.Fields[name]
			if !allowedTypes[fr.Type] {
				v.ImportsOK = false
				v.Errors = append(v.Errors, fmt.Sprintf("syntax: unsupported type %q for field %q", fr.Type, name))
			}
			if fr.Attr != "" && fr.Attr != "text" && !attrNameRe.MatchString(fr.Attr) {
				v.ImportsOK = false
				v.Errors = append(v.Errors, fmt.Sprintf("syntax: invalid attr %q for field %q", fr.Attr, name))
			}
			if fr.Pattern != "" {
				if _, err := regexp.Compile(fr.Pattern); err != nil {
					v.ImportsOK = false
					v.Errors = append(v.Errors, fmt.Sprintf("syntax: invalid pattern for field %q: %v", name, err))
				}
			}
		}
		if src.Pagination != nil && src.Pagination.NextSelector == "" {
			v.ImportsOK = false
			v.Errors = append(v.Errors, fmt.Sprintf("syntax: source %d pagination is missing next_selector", i))
		}
	}

	v.SignatureOK = true
	if plan.Entry != EntryName {
		v.SignatureOK = false
		v.Errors = append(v.Errors, fmt.Sprintf("syntax: plan entry must be %q, got %q", EntryName, plan.Entry))
	}
	if len(plan.Sources) == 0 {
		v.SignatureOK = false
		v.Errors = append(v.Errors, "syntax: plan defines no sources")
	}
	for i, src := range plan.Sources {
		if len(src.Fields) == 0 {
			v.SignatureOK = false
			v.Errors = append(v.Errors, fmt.Sprintf("syntax: source %d defines no fields", i))
		}
	}

	if plan.Version != 0 && plan.Version != 1 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("unknown plan version %d", plan.Version))
	}

	return v
}

func unknownField(err error) (string, bool) {
	const prefix = `json: unknown field `
	msg := err.Error()
	if !strings.Contains(msg, prefix) {
		return "", false
	}
	name := msg[strings.Index(msg, prefix)+len(prefix):]
	return strings.Trim(name, `"`), true
}

func syntaxOffset(err error) int64 {
	if se, ok := err.(*json.SyntaxError); ok {
		return se.Offset
	}
	if ute, ok := err.(*json.UnmarshalTypeError); ok {
		return ute.Offset
	}
	return 0
}

func offsetToLineCol(source string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}
	line, col := 1, 1
	for i, r := range source {
		if int64(i) >= offset-1 {
			break
		}
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
