package model

import "time"

// ScrapeRequest is what the caller describes: the data they want, where to
// find it, and the JSON shape they want back.
type ScrapeRequest struct {
	Description      string         `json:"description" yaml:"description"`
	DesiredFields    []string       `json:"desiredFields,omitempty" yaml:"desiredFields"`
	ResponseTemplate map[string]any `json:"responseTemplate,omitempty" yaml:"responseTemplate"`
	TargetURLs       []string       `json:"targetUrls,omitempty" yaml:"targetUrls"`
	UpdateFrequency  string         `json:"updateFrequency,omitempty" yaml:"updateFrequency"`
}

// PlanValidation is the outcome of statically validating scrape-plan text.
// A plan is executable iff all four flags hold.
type PlanValidation struct {
	SyntaxOK       bool     `json:"syntaxOk"`
	ImportsOK      bool     `json:"importsOk"`
	NoForbiddenOps bool     `json:"noForbiddenOps"`
	SignatureOK    bool     `json:"signatureOk"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Executable reports whether every validation gate passed.
func (v PlanValidation) Executable() bool {
	return v.SyntaxOK && v.ImportsOK && v.NoForbiddenOps && v.SignatureOK
}

// GeneratedPlan is an LLM-produced scrape plan together with its validation
// outcome and generation metadata.
type GeneratedPlan struct {
	Source         string         `json:"source"`
	Validation     PlanValidation `json:"validation"`
	TargetURLs     []string       `json:"targetUrls,omitempty"`
	RequiredFields []string       `json:"requiredFields,omitempty"`
	Model          string         `json:"model,omitempty"`
	TokensUsed     int            `json:"tokensUsed,omitempty"`
	GenerationMs   int64          `json:"generationMs,omitempty"`
}

// PerSourceResult summarizes the outcome of scraping a single URL within a
// multi-URL execution.
type PerSourceResult struct {
	URL            string `json:"url"`
	OK             bool   `json:"ok"`
	RecordCount    int    `json:"recordCount"`
	FilteredCount  int    `json:"filteredCount"`
	DuplicateCount int    `json:"duplicateCount"`
	Error          string `json:"error,omitempty"`
	ElapsedMs      int64  `json:"elapsedMs"`
	Method         string `json:"method,omitempty"`
	Confidence     string `json:"confidence,omitempty"`
}

// ExecutionMeta aggregates counts and provenance for a full execution.
type ExecutionMeta struct {
	TotalCount     int      `json:"totalCount"`
	FilteredCount  int      `json:"filteredCount"`
	DuplicateCount int      `json:"duplicateCount"`
	TargetURLs     []string `json:"targetUrls"`
	Model          string   `json:"model,omitempty"`
	GenerationMs   int64    `json:"generationMs,omitempty"`
	Method         string   `json:"method,omitempty"`
	Confidence     string   `json:"confidence,omitempty"`
}

// ExecutionResult is the full outcome of running a scrape plan. PerSource
// always has one entry per target URL, in input order, and Records is the
// concatenation of the successful sources' records in that same order.
type ExecutionResult struct {
	OK        bool              `json:"ok"`
	Records   []map[string]any  `json:"records"`
	Meta      ExecutionMeta     `json:"meta"`
	Errors    []string          `json:"errors,omitempty"`
	PerSource []PerSourceResult `json:"perSource"`
	ElapsedMs int64             `json:"elapsedMs"`
	ScrapedAt time.Time         `json:"scrapedAt"`
}

// ParseMeta describes a single shaping call.
type ParseMeta struct {
	Model           string    `json:"model,omitempty"`
	TokensUsed      int       `json:"tokensUsed,omitempty"`
	ParsingMs       int64     `json:"parsingMs"`
	RecordsParsed   int       `json:"recordsParsed"`
	FieldsExtracted []string  `json:"fieldsExtracted,omitempty"`
	DataSources     []string  `json:"dataSources,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ParsedResponse is the shaping orchestrator's output: the user-shaped JSON
// object plus parsing and source metadata.
type ParsedResponse struct {
	Data       map[string]any `json:"data"`
	Meta       ParseMeta      `json:"meta"`
	SourceMeta ExecutionMeta  `json:"sourceMeta"`
	RawOutput  string         `json:"rawOutput,omitempty"`
}

// EndpointRecord is a fully materialized endpoint row.
type EndpointRecord struct {
	EndpointID       string         `json:"endpointId"`
	JSONData         map[string]any `json:"jsonData"`
	Description      string         `json:"description,omitempty"`
	SourceURLs       []string       `json:"sourceUrls,omitempty"`
	RecordsCount     int            `json:"recordsCount"`
	Fields           []string       `json:"fields,omitempty"`
	ParsingTimestamp time.Time      `json:"parsingTimestamp"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// EndpointInfo is the listing/creation view of an endpoint.
type EndpointInfo struct {
	EndpointID   string    `json:"endpointId"`
	AccessURL    string    `json:"accessUrl,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	RecordsCount int       `json:"recordsCount"`
}

// PublishResult carries every artifact produced by a generate-and-publish
// run so callers can surface partial progress on failure.
type PublishResult struct {
	Plan      *GeneratedPlan   `json:"plan,omitempty"`
	Execution *ExecutionResult `json:"execution,omitempty"`
	Parsed    *ParsedResponse  `json:"parsed,omitempty"`
	Endpoint  *EndpointInfo    `json:"endpoint,omitempty"`
}
