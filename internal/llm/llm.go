package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apigen/internal/apierr"
	"apigen/internal/config"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries one chat-completion call.
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the provider's answer: the first choice's content verbatim
// plus token accounting when the provider reports it.
type Completion struct {
	Content    string
	Model      string
	TokensUsed int
}

// Client is the abstraction the orchestrators depend on.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	Model() string
}

// chatClient talks to an OpenAI-compatible chat-completions endpoint with
// bearer auth. It is stateless beyond its key and safe for concurrent use.
type chatClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxAttempts int
	backoffBase time.Duration
	http        *http.Client
}

// NewClient constructs a chat client from config. It fails fast when the
// bearer key is absent.
func NewClient(cfg *config.Config) (Client, error) {
	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		return nil, apierr.New(apierr.KindConfiguration, "llm api key is not set")
	}
	attempts := cfg.LLM.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &chatClient{
		apiKey:      cfg.LLM.APIKey,
		baseURL:     strings.TrimSuffix(cfg.LLM.BaseURL, "/"),
		model:       cfg.LLM.Model,
		maxAttempts: attempts,
		backoffBase: time.Second,
		http:        &http.Client{Timeout: cfg.RequestTimeout()},
	}, nil
}

func (c *chatClient) Model() string { return c.model }

// chatRequest is a minimal representation of the Chat Completions API.
type chatRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Messages    []Message `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *chatClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    req.Messages,
	})
	if err != nil {
		return Completion{}, apierr.Wrap(apierr.KindAPI, err, "marshal chat request")
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(c.backoffBase, attempt-1)
			if d, ok := retryAfter(lastErr); ok {
				wait = d
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Completion{}, apierr.Wrap(apierr.KindTransient, ctx.Err(), "chat completion canceled")
			}
		}

		comp, err := c.doOnce(ctx, payload)
		if err == nil {
			return comp, nil
		}
		if !apierr.Retryable(err) {
			return Completion{}, err
		}
		lastErr = err
	}
	return Completion{}, lastErr
}

func (c *chatClient) doOnce(ctx context.Context, payload []byte) (Completion, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, apierr.Wrap(apierr.KindAPI, err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Completion{}, apierr.Wrap(apierr.KindTransient, err, "chat completion request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Completion{}, apierr.New(apierr.KindAuthentication, "llm provider rejected the bearer token").
			WithHint("check DEEPSEEK_API_KEY")
	case resp.StatusCode == http.StatusTooManyRequests:
		e := apierr.New(apierr.KindRateLimit, "llm provider rate limited the request")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			e = e.WithHint(ra)
		}
		return Completion{}, e
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Completion{}, apierr.New(apierr.KindTransient, "llm provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Completion{}, apierr.New(apierr.KindAPI, "llm provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Completion{}, apierr.Wrap(apierr.KindTransient, err, "decode chat completion")
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, apierr.New(apierr.KindAPI, "chat completion returned no choices")
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return Completion{
		Content:    parsed.Choices[0].Message.Content,
		Model:      model,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

// backoff computes min(base*2^attempt, 30s) plus 0-10% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// retryAfter honors a provider-supplied Retry-After carried on a rate-limit
// error's hint.
func retryAfter(err error) (time.Duration, bool) {
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindRateLimit || ae.Hint == "" {
		return 0, false
	}
	secs, convErr := strconv.Atoi(ae.Hint)
	if convErr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// StripCodeFences removes a single leading/trailing markdown code fence from
// a completion, tolerating a language tag on the opening fence.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		if first == "" || isFenceTag(first) {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) <= 12
}

// ExtractJSONObject parses a JSON object out of mixed completion text. It
// tries the whole string, then fence-stripped text, then the substring from
// the first '{' to the last '}'.
func ExtractJSONObject(content string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return out, nil
	}

	stripped := StripCodeFences(content)
	if err := json.Unmarshal([]byte(stripped), &out); err == nil {
		return out, nil
	}

	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in content")
	}
	if err := json.Unmarshal([]byte(stripped[start:end+1]), &out); err != nil {
		return nil, err
	}
	return out, nil
}
