package shaper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"apigen/internal/apierr"
	"apigen/internal/config"
	"apigen/internal/llm"
	"apigen/internal/metrics"
	"apigen/internal/model"
	"apigen/internal/textutil"
)

// Service reorganizes raw scraped records into the caller's requested JSON
// schema via a parsing-only model call. A non-conforming answer is retried
// once with the same messages.
type Service struct {
	client llm.Client
	cfg    *config.Config
	logger *slog.Logger
}

func New(client llm.Client, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{client: client, cfg: cfg, logger: logger}
}

const systemPrompt = `You are strictly a parser. You receive raw scraped text and reorganize it into JSON.

Rules:
- Extract only the requested fields. Never invent values.
- Follow the provided template structure exactly.
- Use null for any value that is missing from the text.
- Respond with a single JSON object and no extra text.`

// Shape validates and runs the shaping step. An execution with no records is
// refused before any model call.
func (s *Service) Shape(ctx context.Context, exec model.ExecutionResult, req model.ScrapeRequest) (*model.ParsedResponse, error) {
	if len(exec.Records) == 0 && !exec.OK {
		return nil, apierr.New(apierr.KindEmptyData, "execution produced no records to shape").
			WithHint("check the target URLs or simplify the requirements and retry")
	}

	text := textutil.Truncate(textutil.RenderRecords(exec.Records), s.cfg.Shaping.MaxTextLength)
	messages, err := s.buildMessages(text, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		comp, err := s.client.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: s.cfg.LLM.Temperature,
			MaxTokens:   s.cfg.LLM.MaxTokensShape,
		})
		if err != nil {
			metrics.RecordLLMCall("shape", s.client.Model(), false)
			return nil, err
		}
		metrics.RecordLLMCall("shape", comp.Model, true)

		data, err := llm.ExtractJSONObject(comp.Content)
		if err != nil {
			lastErr = apierr.Wrap(apierr.KindParsing, err, "model output is not a JSON object")
			continue
		}
		if err := conforms(data, req); err != nil {
			lastErr = err
			if s.logger != nil {
				s.logger.Warn("shaped output failed validation", "attempt", attempt+1, "error", err)
			}
			continue
		}

		recordsParsed, fields := primaryShape(data)
		return &model.ParsedResponse{
			Data: data,
			Meta: model.ParseMeta{
				Model:           comp.Model,
				TokensUsed:      comp.TokensUsed,
				ParsingMs:       time.Since(start).Milliseconds(),
				RecordsParsed:   recordsParsed,
				FieldsExtracted: fields,
				DataSources:     exec.Meta.TargetURLs,
				Timestamp:       time.Now().UTC(),
			},
			SourceMeta: exec.Meta,
			RawOutput:  comp.Content,
		}, nil
	}

	return nil, apierr.Wrap(apierr.KindParsing, lastErr, "shaping output did not conform after retry").
		WithHint("simplify the requirements and retry")
}

func (s *Service) buildMessages(text string, req model.ScrapeRequest) ([]llm.Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\n", req.Description)

	if len(req.DesiredFields) > 0 {
		fmt.Fprintf(&b, "Requested fields: %s\n", strings.Join(req.DesiredFields, ", "))
	}
	if req.ResponseTemplate != nil {
		tpl, err := json.Marshal(req.ResponseTemplate)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, err, "response template is not valid JSON")
		}
		fmt.Fprintf(&b, "Response template:\n%s\n", tpl)
	}

	fmt.Fprintf(&b, "\nScraped text:\n%s\n", text)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}, nil
}

// conforms checks the shaped object against the request: template key sets
// match at each nesting level, every requested field is present in the
// primary record or as a top-level key, and array elements share a
// consistent field set.
func conforms(data map[string]any, req model.ScrapeRequest) error {
	if req.ResponseTemplate != nil {
		if err := matchKeys(data, req.ResponseTemplate, ""); err != nil {
			return err
		}
	}

	if err := arraysConsistent(data); err != nil {
		return err
	}

	if len(req.DesiredFields) > 0 {
		primary := primaryRecord(data)
		for _, f := range req.DesiredFields {
			if _, ok := primary[f]; ok {
				continue
			}
			if _, ok := data[f]; ok {
				continue
			}
			return apierr.New(apierr.KindShapeValidation, "requested field %q missing from shaped output", f)
		}
	}
	return nil
}

// matchKeys requires the object's key set to equal the template's at every
// nesting level. Template arrays constrain their elements by the first
// template element.
func matchKeys(got, tpl map[string]any, path string) error {
	for k := range tpl {
		if _, ok := got[k]; !ok {
			return apierr.New(apierr.KindShapeValidation, "shaped output is missing template key %q", joinPath(path, k))
		}
	}
	for k := range got {
		if _, ok := tpl[k]; !ok {
			return apierr.New(apierr.KindShapeValidation, "shaped output has extra key %q not in template", joinPath(path, k))
		}
	}
	for k, tv := range tpl {
		tplChild, ok := tv.(map[string]any)
		if !ok {
			if tplArr, ok := tv.([]any); ok && len(tplArr) > 0 {
				if tplElem, ok := tplArr[0].(map[string]any); ok {
					gotArr, _ := got[k].([]any)
					for i, item := range gotArr {
						elem, ok := item.(map[string]any)
						if !ok {
							return apierr.New(apierr.KindShapeValidation, "element %d of %q is not an object", i, joinPath(path, k))
						}
						if err := matchKeys(elem, tplElem, fmt.Sprintf("%s[%d]", joinPath(path, k), i)); err != nil {
							return err
						}
					}
				}
			}
			continue
		}
		gotChild, ok := got[k].(map[string]any)
		if !ok {
			if got[k] == nil {
				continue
			}
			return apierr.New(apierr.KindShapeValidation, "shaped output key %q is not an object", joinPath(path, k))
		}
		if err := matchKeys(gotChild, tplChild, joinPath(path, k)); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// arraysConsistent verifies every object array in the output shares a single
// field set across its elements.
func arraysConsistent(data map[string]any) error {
	for k, v := range data {
		arr, ok := v.([]any)
		if !ok {
			if child, ok := v.(map[string]any); ok {
				if err := arraysConsistent(child); err != nil {
					return err
				}
			}
			continue
		}
		var ref []string
		for i, item := range arr {
			elem, ok := item.(map[string]any)
			if !ok {
				continue
			}
			keys := sortedKeys(elem)
			if ref == nil {
				ref = keys
				continue
			}
			if strings.Join(keys, ",") != strings.Join(ref, ",") {
				return apierr.New(apierr.KindShapeValidation, "element %d of array %q has inconsistent fields", i, k)
			}
		}
	}
	return nil
}

// primaryRecord finds the record carrying the requested fields: the first
// element of the first object array, else the object itself.
func primaryRecord(data map[string]any) map[string]any {
	for _, k := range sortedKeys(data) {
		if arr, ok := data[k].([]any); ok && len(arr) > 0 {
			if elem, ok := arr[0].(map[string]any); ok {
				return elem
			}
		}
	}
	return data
}

// primaryShape computes records_parsed and the extracted field names from
// the output's primary array, or treats the object as a single record.
func primaryShape(data map[string]any) (int, []string) {
	for _, k := range sortedKeys(data) {
		arr, ok := data[k].([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		if elem, ok := arr[0].(map[string]any); ok {
			return len(arr), sortedKeys(elem)
		}
	}
	return 1, sortedKeys(data)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
