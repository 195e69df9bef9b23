package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/render"
)

func TestSiteFetcher_ExtractWithoutFeed(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		fmt.Fprintf(w, `<html><body>
			<a href="%[1]s/posts/first">First</a>
			<a href="%[1]s/posts/second">Second</a>
			<a href="%[1]s/tag/golang">Tag page</a>
			<a href="%[1]s/logo.png">Logo</a>
			<a href="https://elsewhere.example/offsite">Offsite</a>
		</body></html>`, srv.URL)
	})
	mux.HandleFunc("/posts/first", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<meta property="og:title" content="First post">
			<meta property="og:description" content="Opening words">
			<meta property="og:image" content="https://cdn.example.com/first.png">
			<meta property="article:published_time" content="2024-05-01T10:00:00Z">
		</head><body></body></html>`)
	})
	mux.HandleFunc("/posts/second", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Second post</title></head>
			<body><article><p>Body words here</p></article></body></html>`)
	})

	f := newSiteFetcher(t)

	result, err := f.Fetch(context.Background(), &model.Source{
		ID:      "src1",
		Kind:    model.KindSite,
		BaseURL: srv.URL,
		Status:  model.StatusPending,
	})
	require.NoError(t, err)

	assert.Empty(t, result.FeedURL)
	require.Len(t, result.Items, 2)

	first := result.Items[0]
	assert.Equal(t, srv.URL+"/posts/first", first.URL)
	assert.Equal(t, "First post", first.Title)
	assert.Equal(t, "Opening words", first.Excerpt)
	assert.Equal(t, "https://cdn.example.com/first.png", first.Thumbnail)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), first.PublishedAt)

	second := result.Items[1]
	assert.Equal(t, "Second post", second.Title)
	assert.Equal(t, "Body words here", second.Excerpt)
	assert.False(t, second.PublishedAt.IsZero())
}

func TestSiteFetcher_ExtractCapsCandidates(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			for i := 0; i < 30; i++ {
				fmt.Fprintf(w, `<a href="%s/posts/%d">Post</a>`, srv.URL, i)
			}
			return
		}

		if strings.HasPrefix(r.URL.Path, "/posts/") {
			fmt.Fprintf(w, `<html><head><title>Post %s</title></head><body></body></html>`, r.URL.Path)
			return
		}

		w.WriteHeader(http.StatusNotFound)
	})

	f := newSiteFetcher(t)

	result, err := f.Fetch(context.Background(), &model.Source{
		ID:      "src1",
		Kind:    model.KindSite,
		BaseURL: srv.URL,
		Status:  model.StatusPending,
	})
	require.NoError(t, err)

	assert.Len(t, result.Items, 20)
}

func TestSiteFetcher_ExtractBatchRunsConcurrently(t *testing.T) {
	var inFlight, peak int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			for i := 0; i < 4; i++ {
				fmt.Fprintf(w, `<a href="%s/posts/%d">Post</a>`, srv.URL, i)
			}
			return
		}

		if strings.HasPrefix(r.URL.Path, "/posts/") {
			current := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)

			for {
				observed := atomic.LoadInt32(&peak)
				if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
					break
				}
			}

			// Overlapping requests must observe each other
			time.Sleep(100 * time.Millisecond)

			fmt.Fprintf(w, `<html><head><title>Post %s</title></head><body></body></html>`, r.URL.Path)
			return
		}

		w.WriteHeader(http.StatusNotFound)
	})

	opts := Options{
		UserAgent:    "feedsync/1.0",
		Timeout:      5 * time.Second,
		ExtractBatch: 4,
		ExtractDelay: time.Millisecond,
	}

	f := NewSiteFetcher(render.NewHTTPRenderer(opts.Timeout, opts.UserAgent), opts)

	result, err := f.Fetch(context.Background(), &model.Source{
		ID:      "src1",
		Kind:    model.KindSite,
		BaseURL: srv.URL,
		Status:  model.StatusPending,
	})
	require.NoError(t, err)

	assert.Len(t, result.Items, 4)
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1), "candidate pages fetched sequentially")
}

func TestArticleLike(t *testing.T) {
	base, err := url.Parse("https://example.com")
	require.NoError(t, err)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/posts/hello", true},
		{"https://example.com/2024/05/deep/dive", true},
		{"https://example.com/", false},
		{"https://example.com/tag/go", false},
		{"https://example.com/category/news", false},
		{"https://example.com/author/jane", false},
		{"https://example.com/login", false},
		{"https://example.com/assets/app.js", false},
		{"https://example.com/cover.jpg", false},
		{"https://other.example.com/posts/hello", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, articleLike(tc.url, base), tc.url)
	}
}

func TestPageMeta_Priority(t *testing.T) {
	const page = `<html><head>
		<meta property="og:title" content="OG title">
		<meta name="twitter:title" content="Twitter title">
		<title>Document title</title>
		<meta name="twitter:description" content="Twitter description">
		<meta name="description" content="Generic description">
	</head><body><h1>Heading</h1><p>First paragraph</p></body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	m := pageMeta(doc)
	assert.Equal(t, "OG title", m.title)
	assert.Equal(t, "Twitter description", m.description)
}

func TestPageMeta_DocumentFallback(t *testing.T) {
	const page = `<html><head><title>Document title</title></head>
		<body><h1>  Heading  </h1><p>First paragraph</p></body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	m := pageMeta(doc)
	assert.Equal(t, "Heading", m.title)
	assert.Equal(t, "First paragraph", m.description)
}
