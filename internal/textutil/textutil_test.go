package textutil

import (
	"regexp"
	"strings"
	"testing"
)

var tagTokenRe = regexp.MustCompile(`<[a-zA-Z]`)

func TestHTMLToText_StripsTags(t *testing.T) {
	html := `<html><head><style>body { color: red }</style>
	<script>alert("x")</script></head>
	<body><!-- hidden --><h1>Prices</h1><p>BTC is <b>rising</b></p></body></html>`

	text := HTMLToText(html)
	if tagTokenRe.MatchString(text) {
		t.Fatalf("extracted text still contains tag tokens: %q", text)
	}
	if !strings.Contains(text, "Prices") || !strings.Contains(text, "rising") {
		t.Fatalf("expected visible text to survive, got %q", text)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, "color: red") {
		t.Fatalf("script/style content leaked into %q", text)
	}
	if strings.Contains(text, "hidden") {
		t.Fatalf("comment content leaked into %q", text)
	}
}

func TestLooksLikeHTML(t *testing.T) {
	if !LooksLikeHTML("<div>x</div>") {
		t.Fatal("expected tag-bearing string to look like HTML")
	}
	if LooksLikeHTML("price < 10 and x > 2") {
		t.Fatal("bare comparison operators are not HTML")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 100)
	out := Truncate(long, 50)
	if !strings.HasSuffix(out, TruncationMarker) {
		t.Fatalf("expected truncation marker, got %q", out)
	}
	if len(out) != 50+len(TruncationMarker) {
		t.Fatalf("unexpected truncated length %d", len(out))
	}

	if got := Truncate("short", 50); got != "short" {
		t.Fatalf("short input must pass through, got %q", got)
	}
}

func TestRenderRecords(t *testing.T) {
	records := []map[string]any{
		{
			"name":  "BTC",
			"html":  "<p>price <b>45000</b></p>",
			"tags":  []any{"crypto", []any{"coin"}},
			"extra": map[string]any{"volume": 12.5},
		},
		{"name": "ETH"},
	}

	text := RenderRecords(records)
	if tagTokenRe.MatchString(text) {
		t.Fatalf("rendered records still contain tag tokens: %q", text)
	}
	for _, want := range []string{"name: BTC", "45000", "crypto; coin", "volume: 12.5", "name: ETH", "---"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in rendered text:\n%s", want, text)
		}
	}
}
