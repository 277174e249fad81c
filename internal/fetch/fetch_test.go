package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const articleHTML = `<!doctype html>
<html>
<head><title>ignored title</title><style>body{color:red}</style></head>
<body>
  <script>var tracking = "nope";</script>
  <h1>Big   News</h1>
  <div class="story">
    <p>First paragraph with <b>bold</b> text.</p>
    <!-- a comment -->
    <p>Second
       paragraph.</p>
    <noscript>enable js</noscript>
  </div>
</body>
</html>`

func TestExtractText(t *testing.T) {
	text, err := ExtractText(strings.NewReader(articleHTML))
	require.NoError(t, err)
	require.Equal(t, "Big News\nFirst paragraph with bold text.\nSecond paragraph.", text)
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("User-Agent"), "relaybot")
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, articleHTML)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "  just text \n")
		case "/empty":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html><body><script>x()</script></body></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTP(HTTPConfig{Logger: testLogger()})

	text, err := f.Fetch(context.Background(), srv.URL+"/article")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, "Big News"))

	text, err = f.Fetch(context.Background(), srv.URL+"/plain")
	require.NoError(t, err)
	require.Equal(t, "just text", text)

	for _, path := range []string{"/missing", "/empty"} {
		_, err = f.Fetch(context.Background(), srv.URL+path)
		var fe *domain.FetchError
		require.True(t, errors.As(err, &fe), path)
		require.Equal(t, srv.URL+path, fe.URI)
	}
}

func TestHTTPFetcher_TruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, strings.Repeat("a", 100))
	}))
	defer srv.Close()

	text, err := NewHTTP(HTTPConfig{MaxBytes: 10, Logger: testLogger()}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, text, 10)
}

func TestFetch_RejectsNonHTTPSchemes(t *testing.T) {
	for _, f := range []domain.PageFetcher{
		NewHTTP(HTTPConfig{Logger: testLogger()}),
		NewBrowser(BrowserConfig{Logger: testLogger()}),
	} {
		_, err := f.Fetch(context.Background(), "file:///etc/passwd")
		var fe *domain.FetchError
		require.ErrorAs(t, err, &fe)
	}
}

func TestNew_Modes(t *testing.T) {
	f, err := New(Options{Logger: testLogger()})
	require.NoError(t, err)
	require.IsType(t, &HTTPFetcher{}, f)

	f, err = New(Options{Mode: ModeBrowser, ChromePath: "/opt/chrome", Logger: testLogger()})
	require.NoError(t, err)
	require.IsType(t, &BrowserFetcher{}, f)
	require.Equal(t, "/opt/chrome", f.(*BrowserFetcher).execPath)

	_, err = New(Options{Mode: "carrier-pigeon"})
	require.Error(t, err)
}

func TestNormalizeLines(t *testing.T) {
	require.Equal(t, "a b\nc", normalizeLines("  a   b \n\n\t\n c "))
}
