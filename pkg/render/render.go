package render

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

// Renderer turns a page URL into HTML. The browser-backed implementation
// executes scripts first, the HTTP one returns the raw document.
type Renderer interface {
	// RenderHTML fetches the page and returns its HTML
	RenderHTML(ctx context.Context, pageURL string) (string, error)

	// ExtractLinks returns absolute href targets found on the page, in
	// document order, deduplicated
	ExtractLinks(ctx context.Context, pageURL string) ([]string, error)
}

// HTTPRenderer is a plain-fetch fallback for environments without a
// browser service. Script-built pages come back incomplete, which the
// extraction heuristics tolerate.
type HTTPRenderer struct {
	client    *http.Client
	userAgent string
}

var _ Renderer = (*HTTPRenderer)(nil)

func NewHTTPRenderer(timeout time.Duration, userAgent string) *HTTPRenderer {
	return &HTTPRenderer{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (r *HTTPRenderer) RenderHTML(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch page: %s", pageURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("page status %d for %s", resp.StatusCode, pageURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", errors.Wrap(err, "failed to read page body")
	}

	return string(data), nil
}

func (r *HTTPRenderer) ExtractLinks(ctx context.Context, pageURL string) ([]string, error) {
	html, err := r.RenderHTML(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	return LinksFromHTML(html, pageURL)
}

// LinksFromHTML collects absolute anchor targets from a document
func LinksFromHTML(html, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse page")
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse base url: %s", baseURL)
	}

	var (
		links []string
		seen  = map[string]bool{}
	)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}

		abs := absoluteURL(base, href)
		if abs == "" || seen[abs] {
			return
		}

		seen[abs] = true
		links = append(links, abs)
	})

	return links, nil
}

func absoluteURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}

	abs.Fragment = ""
	return abs.String()
}
