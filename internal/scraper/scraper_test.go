package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestScrape_ParsesPage(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		fmt.Fprint(w, `<html><head><title>Test Page</title></head><body><h1>Hello</h1></body></html>`)
	}))
	defer srv.Close()

	s := NewHTTPScraper(2*time.Second, false)
	res, err := s.Scrape(context.Background(), Request{URL: srv.URL, UserAgent: "test-agent/1.0"})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if res.Title != "Test Page" {
		t.Fatalf("title = %q, want Test Page", res.Title)
	}
	if res.Document.Find("h1").Text() != "Hello" {
		t.Fatal("expected a queryable document")
	}
	if !strings.Contains(res.Markdown, "Hello") {
		t.Fatalf("expected markdown conversion, got %q", res.Markdown)
	}
	if gotAgent != "test-agent/1.0" {
		t.Fatalf("user agent not sent, got %q", gotAgent)
	}
}

func TestScrape_RejectsNonHTTPSchemes(t *testing.T) {
	s := NewHTTPScraper(time.Second, false)
	if _, err := s.Scrape(context.Background(), Request{URL: "file:///etc/passwd"}); err == nil {
		t.Fatal("expected scheme rejection")
	}
}

func TestScrape_RespectsRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		fmt.Fprint(w, `<html><body>secret</body></html>`)
	}))
	defer srv.Close()

	s := NewHTTPScraper(2*time.Second, true)
	if _, err := s.Scrape(context.Background(), Request{URL: srv.URL + "/private/page"}); err == nil {
		t.Fatal("expected robots.txt to block the fetch")
	}
	if _, err := s.Scrape(context.Background(), Request{URL: srv.URL + "/public"}); err != nil {
		t.Fatalf("allowed path blocked: %v", err)
	}
}
