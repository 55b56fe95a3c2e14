package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

// mockSSRFGuard はSSRFValidatorのテスト用モック。
// httptestサーバー（127.0.0.1）に接続できるよう通常のクライアントを返す。
type mockSSRFGuard struct {
	validateErr error
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockSSRFGuard) ValidateURL(_ string) error {
	return m.validateErr
}

// mockSanitizer は入力をマーカー付きで返す。
type mockSanitizer struct{}

func (mockSanitizer) SanitizeSummary(raw string, _ int) string {
	return "[clean]" + raw
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newTestFetcher(guard SSRFValidator, maxBody int64) *Fetcher {
	var buf bytes.Buffer
	return NewFetcher(guard, mockSanitizer{}, newTestLogger(&buf), 5*time.Second, maxBody)
}

const testRSS = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <item>
      <title>First</title>
      <link>https://blog.example.com/first</link>
      <guid>tag:blog.example.com,2025:1</guid>
      <description>one</description>
      <pubDate>Mon, 06 Jan 2025 09:00:00 +0900</pubDate>
    </item>
    <item>
      <title>No guid</title>
      <link>https://blog.example.com/second</link>
      <description>two</description>
    </item>
    <item>
      <title>Nothing to key on</title>
    </item>
  </channel>
</rss>`

func TestFetcher_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Last-Modified", "Tue, 07 Jan 2025 00:00:00 GMT")
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	f := newTestFetcher(&mockSSRFGuard{}, 1<<20)
	result, err := f.Fetch(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.NotModified {
		t.Error("NotModified should be false")
	}
	if result.Title != "Example Blog" {
		t.Errorf("Title = %q", result.Title)
	}
	if result.ETag != `"v2"` || result.LastModified != "Tue, 07 Jan 2025 00:00:00 GMT" {
		t.Errorf("validators = %q / %q", result.ETag, result.LastModified)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (item without guid and link is dropped)", len(result.Entries))
	}

	first := result.Entries[0]
	if first.GUID != "tag:blog.example.com,2025:1" {
		t.Errorf("first GUID = %q", first.GUID)
	}
	if first.Date == nil {
		t.Fatal("first Date should be set")
	}
	if first.Date.Location() != time.UTC {
		t.Errorf("Date should be UTC, got %v", first.Date.Location())
	}
	if want := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC); !first.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", first.Date, want)
	}
	if first.Summary != "[clean]one" {
		t.Errorf("Summary = %q, want sanitized", first.Summary)
	}

	second := result.Entries[1]
	if second.GUID != "https://blog.example.com/second" {
		t.Errorf("guid should fall back to link, got %q", second.GUID)
	}
	if second.Date != nil {
		t.Errorf("Date should be nil when feed has none, got %v", second.Date)
	}
}

func TestFetcher_Fetch_ConditionalGET(t *testing.T) {
	var gotETag, gotIMS string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		gotIMS = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	f := newTestFetcher(&mockSSRFGuard{}, 1<<20)
	feed := &model.Feed{ID: "feed-1", URL: server.URL, ETag: `"v1"`, LastModified: "Mon, 06 Jan 2025 00:00:00 GMT"}
	result, err := f.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotETag != `"v1"` || gotIMS != "Mon, 06 Jan 2025 00:00:00 GMT" {
		t.Errorf("conditional headers = %q / %q", gotETag, gotIMS)
	}
	if !result.NotModified {
		t.Error("NotModified should be true")
	}
	if len(result.Entries) != 0 {
		t.Errorf("entries = %d, want 0", len(result.Entries))
	}
	if result.ETag != `"v1"` {
		t.Errorf("ETag should be kept, got %q", result.ETag)
	}
}

func TestFetcher_Fetch_NoValidatorsNoConditionalHeaders(t *testing.T) {
	var hadHeaders bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hadHeaders = r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != ""
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	f := newTestFetcher(&mockSSRFGuard{}, 1<<20)
	if _, err := f.Fetch(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hadHeaders {
		t.Error("conditional headers should not be sent without stored validators")
	}
}

func TestFetcher_Fetch_Failures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name:       "5xx",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "404",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "parse failure",
			handler:    func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "<html>not a feed</html>") },
			wantStatus: http.StatusOK,
		},
		{
			name: "body too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, strings.Repeat("x", 2048))
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			f := newTestFetcher(&mockSSRFGuard{}, 1024)
			_, err := f.Fetch(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
			if err == nil {
				t.Fatal("expected error")
			}
			var se *model.SourceError
			if !errors.As(err, &se) {
				t.Fatalf("expected SourceError, got %T", err)
			}
			if se.Kind != model.ErrorKindTransient {
				t.Errorf("Kind = %s, want transient", se.Kind)
			}
			if se.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestFetcher_Fetch_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	var buf bytes.Buffer
	f := NewFetcher(&mockSSRFGuard{}, mockSanitizer{}, newTestLogger(&buf), 50*time.Millisecond, 1<<20)
	_, err := f.Fetch(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if model.ErrorKindOf(err) != model.ErrorKindTransient {
		t.Errorf("timeout should be transient, got %v", err)
	}
}

func TestFetcher_Fetch_SSRFBlocked(t *testing.T) {
	f := newTestFetcher(&mockSSRFGuard{validateErr: errors.New("blocked")}, 1<<20)
	_, err := f.Fetch(context.Background(), &model.Feed{ID: "feed-1", URL: "http://127.0.0.1/feed"})
	if model.ErrorKindOf(err) != model.ErrorKindPermanentConfig {
		t.Errorf("kind = %s, want permanent_config", model.ErrorKindOf(err))
	}
}

func TestFetcher_TestConnection(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			t.Error("test connection must not be conditional")
		}
		fmt.Fprint(w, testRSS)
	}))
	defer ok.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	f := newTestFetcher(&mockSSRFGuard{}, 1<<20)
	if err := f.TestConnection(context.Background(), ok.URL); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if err := f.TestConnection(context.Background(), down.URL); err == nil {
		t.Error("expected failure for 503")
	}
}
