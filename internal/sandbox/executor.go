package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"apigen/internal/config"
	"apigen/internal/model"
	"apigen/internal/scraper"
)

// Executor runs validated scrape plans against target URLs. A plan execution
// owns a transient progress structure that is discarded on return; the
// executor itself holds no per-execution state and is safe for concurrent
// use.
type Executor struct {
	scraper scraper.Scraper
	cfg     *config.Config
	logger  *slog.Logger
}

func NewExecutor(sc scraper.Scraper, cfg *config.Config, logger *slog.Logger) *Executor {
	return &Executor{scraper: sc, cfg: cfg, logger: logger}
}

// progress collects per-source outcomes as the worker goes, so a timeout can
// still surface whatever finished before the clock ran out.
type progress struct {
	mu        sync.Mutex
	perSource []model.PerSourceResult
	records   [][]map[string]any
	done      []bool
}

func newProgress(urls []string) *progress {
	return &progress{
		perSource: make([]model.PerSourceResult, len(urls)),
		records:   make([][]map[string]any, len(urls)),
		done:      make([]bool, len(urls)),
	}
}

func (p *progress) set(i int, res model.PerSourceResult, recs []map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perSource[i] = res
	p.records[i] = recs
	p.done[i] = true
}

// snapshot returns the per-source outcomes in input order, filling unfinished
// slots with the given error.
func (p *progress) snapshot(urls []string, unfinished string) ([]model.PerSourceResult, []map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.PerSourceResult, len(urls))
	var records []map[string]any
	for i, u := range urls {
		if p.done[i] {
			out[i] = p.perSource[i]
			if out[i].OK {
				records = append(records, p.records[i]...)
			}
			continue
		}
		out[i] = model.PerSourceResult{URL: u, OK: false, Error: unfinished}
	}
	return out, records
}

// ExecuteText validates and runs raw plan text against the given URLs. It
// always returns a fully populated result; failures are reported through
// OK=false and Errors, never through a panic or error return.
func (e *Executor) ExecuteText(ctx context.Context, source string, urls []string, timeout time.Duration) model.ExecutionResult {
	start := time.Now()

	finish := func(res model.ExecutionResult) model.ExecutionResult {
		res.ElapsedMs = time.Since(start).Milliseconds()
		res.ScrapedAt = time.Now().UTC()
		if res.Records == nil {
			res.Records = []map[string]any{}
		}
		res.Meta.TotalCount = len(res.Records)
		return res
	}

	validation := ValidateSource(source)
	if !validation.Executable() {
		msg := "syntax: plan validation failed"
		if len(validation.Errors) > 0 {
			msg = validation.Errors[0]
		}
		return finish(model.ExecutionResult{
			OK:        false,
			Errors:    []string{msg},
			Meta:      model.ExecutionMeta{TargetURLs: urls},
			PerSource: notExecuted(urls),
		})
	}

	plan, err := DecodePlan(source)
	if err != nil {
		// Unreachable after a clean validation, but never panic across the
		// sandbox boundary.
		return finish(model.ExecutionResult{
			OK:        false,
			Errors:    []string{fmt.Sprintf("syntax: %v", err)},
			Meta:      model.ExecutionMeta{TargetURLs: urls},
			PerSource: notExecuted(urls),
		})
	}

	if len(urls) == 0 {
		urls = plan.PlanURLs()
	}
	if len(urls) == 0 {
		return finish(model.ExecutionResult{
			OK:        false,
			Errors:    []string{"syntax: no target urls to scrape"},
			Meta:      model.ExecutionMeta{TargetURLs: []string{}},
			PerSource: []model.PerSourceResult{},
		})
	}

	if timeout <= 0 {
		timeout = e.cfg.ExecutionTimeout()
	}

	prog := newProgress(urls)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil && e.logger != nil {
				e.logger.Error("plan execution panicked", "panic", r)
			}
		}()
		e.runPlan(execCtx, plan, urls, prog)
	}()

	var errs []string
	timedOut := false
	select {
	case <-done:
		if ctxErr := execCtx.Err(); ctxErr == context.DeadlineExceeded {
			timedOut = true
		}
	case <-execCtx.Done():
		timedOut = execCtx.Err() == context.DeadlineExceeded
	}

	unfinished := "timeout"
	if !timedOut {
		unfinished = "not executed"
	}
	perSource, records := prog.snapshot(urls, unfinished)

	if timedOut {
		errs = append(errs, fmt.Sprintf("execution-timeout: %s", timeout))
	}
	var filtered, duplicates int
	for _, ps := range perSource {
		filtered += ps.FilteredCount
		duplicates += ps.DuplicateCount
		if !ps.OK && ps.Error != "" && ps.Error != "timeout" && ps.Error != "not executed" {
			errs = append(errs, fmt.Sprintf("source %s: %s", ps.URL, ps.Error))
		}
	}

	return finish(model.ExecutionResult{
		OK:      len(records) >= 1,
		Records: records,
		Meta: model.ExecutionMeta{
			FilteredCount:  filtered,
			DuplicateCount: duplicates,
			TargetURLs:     urls,
			Method:         planMethod(plan),
			Confidence:     planConfidence(plan),
		},
		Errors:    errs,
		PerSource: perSource,
	})
}

// ExecutePlan runs a generated plan and folds its generation metadata into
// the execution result.
func (e *Executor) ExecutePlan(ctx context.Context, plan model.GeneratedPlan, timeout time.Duration) model.ExecutionResult {
	urls := plan.TargetURLs
	res := e.ExecuteText(ctx, plan.Source, urls, timeout)
	res.Meta.Model = plan.Model
	res.Meta.GenerationMs = plan.GenerationMs
	return res
}

func notExecuted(urls []string) []model.PerSourceResult {
	out := make([]model.PerSourceResult, len(urls))
	for i, u := range urls {
		out[i] = model.PerSourceResult{URL: u, OK: false, Error: "validation failed"}
	}
	return out
}

// runPlan walks every target URL in order. A failure on one source never
// aborts the rest.
func (e *Executor) runPlan(ctx context.Context, plan *Plan, urls []string, prog *progress) {
	patterns := compilePatterns(plan)

	for i, target := range urls {
		if ctx.Err() != nil {
			return
		}
		srcStart := time.Now()
		rule := plan.ruleFor(target)

		res := model.PerSourceResult{
			URL:        target,
			Method:     ruleMethod(rule, plan),
			Confidence: ruleConfidence(rule, plan),
		}

		records, filtered, duplicates, err := e.runSource(ctx, rule, target, patterns)
		res.ElapsedMs = time.Since(srcStart).Milliseconds()
		if err != nil {
			res.Error = err.Error()
			prog.set(i, res, nil)
			if e.logger != nil {
				e.logger.Warn("source failed", "url", target, "error", err)
			}
			continue
		}

		res.OK = len(records) >= 1
		if !res.OK {
			res.Error = "no records extracted"
		}
		res.RecordCount = len(records)
		res.FilteredCount = filtered
		res.DuplicateCount = duplicates
		prog.set(i, res, records)
	}
}

// runSource fetches one URL (plus bounded pagination) and extracts records.
func (e *Executor) runSource(ctx context.Context, rule *SourceRule, target string, patterns map[string]*regexp.Regexp) (records []map[string]any, filtered, duplicates int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extraction panicked: %v", r)
		}
	}()

	if rule == nil {
		return nil, 0, 0, fmt.Errorf("no source rule applies")
	}

	maxPages := 1
	if rule.Pagination != nil {
		maxPages = rule.Pagination.MaxPages
		if maxPages <= 0 || maxPages > e.cfg.Sandbox.MaxPagesPerSource {
			maxPages = e.cfg.Sandbox.MaxPagesPerSource
		}
	}

	seen := make(map[string]struct{})
	pageURL := target
	for page := 0; page < maxPages; page++ {
		if ctx.Err() != nil {
			return records, filtered, duplicates, ctx.Err()
		}

		result, fetchErr := e.scraper.Scrape(ctx, scraper.Request{
			URL:       pageURL,
			Timeout:   e.cfg.ScrapeTimeout(),
			UserAgent: e.cfg.Scraper.UserAgent,
		})
		if fetchErr != nil {
			if page == 0 {
				return nil, 0, 0, fetchErr
			}
			// A broken later page keeps what earlier pages yielded.
			break
		}
		if result.Status >= 400 {
			if page == 0 {
				return nil, 0, 0, fmt.Errorf("fetch %s: status %d", pageURL, result.Status)
			}
			break
		}

		pageRecords := extractRecords(result.Document, rule, patterns)
		for _, rec := range pageRecords {
			if !rule.KeepEmpty && recordEmpty(rec) {
				filtered++
				continue
			}
			key := recordKey(rec)
			if _, dup := seen[key]; dup {
				duplicates++
				continue
			}
			seen[key] = struct{}{}
			records = append(records, rec)
		}

		if rule.Pagination == nil {
			break
		}
		next := nextPageURL(result.Document, rule.Pagination.NextSelector, pageURL)
		if next == "" || next == pageURL {
			break
		}
		pageURL = next
	}

	return records, filtered, duplicates, nil
}

// extractRecords applies the rule's record selector and field rules to a
// parsed document. With no record selector the whole page is one record.
func extractRecords(doc *goquery.Document, rule *SourceRule, patterns map[string]*regexp.Regexp) []map[string]any {
	extract := func(scope *goquery.Selection) map[string]any {
		rec := make(map[string]any, len(rule.Fields))
		for name, fr := range rule.Fields {
			node := scope
			if fr.Selector != "" {
				node = scope.Find(fr.Selector).First()
			}
			rec[name] = fieldValue(node, fr, patterns[name+"\x00"+fr.Pattern])
		}
		return rec
	}

	if rule.RecordSelector == "" {
		return []map[string]any{extract(doc.Selection)}
	}

	var out []map[string]any
	doc.Find(rule.RecordSelector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, extract(sel))
	})
	return out
}

// fieldValue pulls the raw string for a field rule and coerces it.
func fieldValue(node *goquery.Selection, fr FieldRule, pattern *regexp.Regexp) any {
	if node == nil || node.Length() == 0 {
		return nil
	}

	var raw string
	switch fr.Attr {
	case "", "text":
		raw = strings.TrimSpace(node.First().Text())
	default:
		raw = strings.TrimSpace(node.First().AttrOr(fr.Attr, ""))
	}

	if pattern != nil {
		raw = pattern.FindString(raw)
	}
	if raw == "" {
		return nil
	}

	switch fr.Type {
	case "number":
		if f, err := strconv.ParseFloat(cleanNumeric(raw), 64); err == nil {
			return f
		}
		return nil
	case "integer":
		if n, err := strconv.ParseInt(cleanNumeric(raw), 10, 64); err == nil {
			return n
		}
		return nil
	case "boolean":
		if b, err := strconv.ParseBool(strings.ToLower(raw)); err == nil {
			return b
		}
		return nil
	default:
		return raw
	}
}

func cleanNumeric(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func recordEmpty(rec map[string]any) bool {
	for _, v := range rec {
		if v != nil {
			return false
		}
	}
	return true
}

func recordKey(rec map[string]any) string {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf("%v", rec)
	}
	return string(b)
}

func nextPageURL(doc *goquery.Document, selector, base string) string {
	href, ok := doc.Find(selector).First().Attr("href")
	if !ok {
		return ""
	}
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	next, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !next.IsAbs() {
		baseURL, err := url.Parse(base)
		if err != nil {
			return ""
		}
		next = baseURL.ResolveReference(next)
	}
	if next.Scheme != "http" && next.Scheme != "https" {
		return ""
	}
	return next.String()
}

// compilePatterns precompiles every field pattern once per execution. The
// validator already rejected invalid patterns.
func compilePatterns(plan *Plan) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp)
	for _, src := range plan.Sources {
		for name, fr := range src.Fields {
			if fr.Pattern == "" {
				continue
			}
			if re, err := regexp.Compile(fr.Pattern); err == nil {
				out[name+"\x00"+fr.Pattern] = re
			}
		}
	}
	return out
}

func planMethod(plan *Plan) string {
	if m, ok := plan.Metadata["method"].(string); ok && m != "" {
		return m
	}
	for _, s := range plan.Sources {
		if s.Method != "" {
			return s.Method
		}
	}
	return "css"
}

func planConfidence(plan *Plan) string {
	if c, ok := plan.Metadata["confidence"].(string); ok && c != "" {
		return c
	}
	for _, s := range plan.Sources {
		if s.Confidence != "" {
			return s.Confidence
		}
	}
	return "medium"
}

func ruleMethod(rule *SourceRule, plan *Plan) string {
	if rule != nil && rule.Method != "" {
		return rule.Method
	}
	return planMethod(plan)
}

func ruleConfidence(rule *SourceRule, plan *Plan) string {
	if rule != nil && rule.Confidence != "" {
		return rule.Confidence
	}
	return planConfidence(plan)
}
