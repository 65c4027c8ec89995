package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"apigen/internal/apierr"
	"apigen/internal/config"
	"apigen/internal/llm"
	"apigen/internal/metrics"
	"apigen/internal/model"
	"apigen/internal/sandbox"
)

// Service turns a scrape request into a validated scrape plan by prompting
// the model and running the plan text through the sandbox's static
// validator. An invalid plan is regenerated once with the same prompt.
type Service struct {
	client llm.Client
	cfg    *config.Config
	logger *slog.Logger
}

func New(client llm.Client, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{client: client, cfg: cfg, logger: logger}
}

const systemPromptFmt = `You are a scrape-plan generator. You output a single JSON document and nothing else: no prose, no markdown fences.

The document describes how to extract structured records from public web pages. Allowed vocabulary, with nothing else permitted:

{
  "version": 1,
  "entry": "scrape_data",
  "sources": [
    {
      "url": "https://... (optional; omit to apply the rule to every target url)",
      "record_selector": "CSS selector matching one record element",
      "fields": {
        "<field name>": {
          "selector": "CSS selector relative to the record (optional)",
          "attr": "text (default) or an attribute name such as href",
          "pattern": "regular expression refining the captured text (optional)",
          "type": "string | number | integer | boolean (optional)"
        }
      },
      "pagination": {"next_selector": "CSS selector of the next-page link", "max_pages": N},
      "method": "css",
      "confidence": "high | medium | low"
    }
  ],
  "metadata": {"method": "css", "confidence": "..."}
}

Rules:
- "entry" must be exactly "scrape_data" and "sources" must not be empty.
- Only http and https URLs. Never reference files, processes, shells, sockets, or code evaluation of any kind.
- Pages are fetched with a %ds timeout and the user agent %q; design selectors for server-rendered HTML.
- The fetched records are returned as {"data": [...records...], "metadata": {...}}.`

// Generate builds the plan-generation prompt, calls the model, and validates
// the result. On validation failure it retries once before surfacing a
// plan-validation error.
func (s *Service) Generate(ctx context.Context, req model.ScrapeRequest) (*model.GeneratedPlan, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, apierr.New(apierr.KindValidation, "description must not be empty")
	}

	messages, err := s.buildMessages(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var lastValidation model.PlanValidation
	for attempt := 0; attempt < 2; attempt++ {
		comp, err := s.client.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: s.cfg.LLM.Temperature,
			MaxTokens:   s.cfg.LLM.MaxTokensPlan,
		})
		if err != nil {
			metrics.RecordLLMCall("plan", s.client.Model(), false)
			return nil, err
		}
		metrics.RecordLLMCall("plan", comp.Model, true)

		source := llm.StripCodeFences(comp.Content)
		validation := sandbox.ValidateSource(source)
		if validation.Executable() {
			urls := req.TargetURLs
			return &model.GeneratedPlan{
				Source:         source,
				Validation:     validation,
				TargetURLs:     urls,
				RequiredFields: req.DesiredFields,
				Model:          comp.Model,
				TokensUsed:     comp.TokensUsed,
				GenerationMs:   time.Since(start).Milliseconds(),
			}, nil
		}

		lastValidation = validation
		if s.logger != nil {
			s.logger.Warn("generated plan failed validation",
				"attempt", attempt+1, "errors", strings.Join(validation.Errors, "; "))
		}
	}

	return nil, apierr.New(apierr.KindPlanValidation,
		"generated plan failed validation after retry: %s", strings.Join(lastValidation.Errors, "; ")).
		WithHint("simplify the requirements and retry")
}

func (s *Service) buildMessages(req model.ScrapeRequest) ([]llm.Message, error) {
	system := fmt.Sprintf(systemPromptFmt, s.cfg.Scraper.TimeoutMs/1000, s.cfg.Scraper.UserAgent)

	var b strings.Builder
	fmt.Fprintf(&b, "Data request: %s\n", req.Description)

	if len(req.TargetURLs) > 0 {
		fmt.Fprintf(&b, "Target URLs (scrape exactly these, in order):\n")
		for _, u := range req.TargetURLs {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	} else {
		b.WriteString("No target URLs were given: propose suitable public pages in the source rules.\n")
	}

	if len(req.DesiredFields) > 0 {
		fmt.Fprintf(&b, "Required fields: %s\n", strings.Join(req.DesiredFields, ", "))
	}

	if req.ResponseTemplate != nil {
		tpl, err := json.Marshal(req.ResponseTemplate)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, err, "response template is not valid JSON")
		}
		fmt.Fprintf(&b, "The final response will be shaped to this template:\n%s\n", tpl)
	}

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}, nil
}

// SplitFields parses a newline-separated field list as entered in a form.
func SplitFields(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if f := strings.TrimSpace(line); f != "" {
			out = append(out, f)
		}
	}
	return out
}
