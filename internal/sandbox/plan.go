package sandbox

import (
	"bytes"
	"encoding/json"
)

// EntryName is the entry declaration every scrape plan must carry. It is the
// declarative analog of a program exporting a scrape_data(urls) callable.
const EntryName = "scrape_data"

// Plan is the declarative scraper document the model emits. The interpreter
// walks its source rules against the target URLs.
type Plan struct {
	Version  int            `json:"version"`
	Entry    string         `json:"entry"`
	Sources  []SourceRule   `json:"sources"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SourceRule describes how to pull records out of one page. A rule with no
// URL applies to any target URL that has no more specific rule.
type SourceRule struct {
	URL            string               `json:"url,omitempty"`
	RecordSelector string               `json:"record_selector,omitempty"`
	Fields         map[string]FieldRule `json:"fields"`
	Pagination     *Pagination          `json:"pagination,omitempty"`
	KeepEmpty      bool                 `json:"keep_empty,omitempty"`
	Method         string               `json:"method,omitempty"`
	Confidence     string               `json:"confidence,omitempty"`
}

// FieldRule extracts a single value relative to the record scope.
type FieldRule struct {
	Selector string `json:"selector,omitempty"`
	Attr     string `json:"attr,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Pagination follows a "next page" link a bounded number of times.
type Pagination struct {
	NextSelector string `json:"next_selector"`
	MaxPages     int    `json:"max_pages,omitempty"`
}

// DecodePlan parses plan text strictly: any directive outside the allowed
// vocabulary fails the decode.
func DecodePlan(source string) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(source)))
	dec.DisallowUnknownFields()

	var plan Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ruleFor picks the source rule for a target URL: an exact-URL rule wins,
// then the first rule without a URL, then the first rule.
func (p *Plan) ruleFor(target string) *SourceRule {
	for i := range p.Sources {
		if p.Sources[i].URL == target {
			return &p.Sources[i]
		}
	}
	for i := range p.Sources {
		if p.Sources[i].URL == "" {
			return &p.Sources[i]
		}
	}
	if len(p.Sources) > 0 {
		return &p.Sources[0]
	}
	return nil
}

// PlanURLs returns the URLs named by the plan's own source rules, in order.
func (p *Plan) PlanURLs() []string {
	var urls []string
	for _, s := range p.Sources {
		if s.URL != "" {
			urls = append(urls, s.URL)
		}
	}
	return urls
}
