package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
)

// Request represents a single page fetch.
type Request struct {
	URL       string
	Headers   map[string]string
	Timeout   time.Duration
	UserAgent string
}

// Result is the parsed page handed to the plan interpreter.
type Result struct {
	URL      string
	Document *goquery.Document
	HTML     string
	Markdown string
	Title    string
	Status   int
}

// Scraper defines the interface for URL fetchers.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (*Result, error)
}

// HTTPScraper fetches pages with net/http and parses them with goquery.
// When respectRobots is set, fetches disallowed by the host's robots.txt
// are refused.
type HTTPScraper struct {
	client        *http.Client
	respectRobots bool

	mu     sync.Mutex
	robots map[string]*robotstxt.RobotsData
}

func NewHTTPScraper(timeout time.Duration, respectRobots bool) *HTTPScraper {
	return &HTTPScraper{
		client:        &http.Client{Timeout: timeout},
		respectRobots: respectRobots,
		robots:        make(map[string]*robotstxt.RobotsData),
	}
}

func (s *HTTPScraper) Scrape(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if s.respectRobots {
		allowed, err := s.allowedByRobots(ctx, u, req.UserAgent)
		if err == nil && !allowed {
			return nil, fmt.Errorf("robots.txt disallows %s", u.String())
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	htmlStr := string(bodyBytes)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	// HTML -> Markdown conversion (CommonMark-enabled); fall back to the
	// document's plain text if the converter chokes.
	converter := htmlmd.NewConverter(u.Hostname(), true, nil)
	markdown, mdErr := converter.ConvertString(htmlStr)
	if mdErr != nil {
		markdown = doc.Text()
	}

	return &Result{
		URL:      u.String(),
		Document: doc,
		HTML:     htmlStr,
		Markdown: markdown,
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Status:   resp.StatusCode,
	}, nil
}

// allowedByRobots fetches and caches the host's robots.txt and tests the
// request path against it.
func (s *HTTPScraper) allowedByRobots(ctx context.Context, u *url.URL, agent string) (bool, error) {
	host := u.Scheme + "://" + u.Host

	s.mu.Lock()
	data, ok := s.robots[host]
	s.mu.Unlock()

	if !ok {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
		if err != nil {
			return true, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()

		data, err = robotstxt.FromResponse(resp)
		if err != nil {
			return true, err
		}

		s.mu.Lock()
		s.robots[host] = data
		s.mu.Unlock()
	}

	if agent == "" {
		agent = "*"
	}
	return data.TestAgent(u.Path, agent), nil
}
