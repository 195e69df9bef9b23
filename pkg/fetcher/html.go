package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/amakov/feedsync/pkg/link"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/render"
)

// knownArticleSelectors override the generic candidate filter for sites
// whose article links follow a known pattern
var knownArticleSelectors = map[string]string{
	"news.ycombinator.com": `span.titleline > a`,
	"old.reddit.com":       `a.title`,
}

// skipPathParts marks navigation, taxonomy and account pages that are
// never articles
var skipPathParts = map[string]bool{
	"tag":        true,
	"tags":       true,
	"category":   true,
	"categories": true,
	"author":     true,
	"authors":    true,
	"page":       true,
	"login":      true,
	"signup":     true,
	"register":   true,
	"search":     true,
	"about":      true,
	"contact":    true,
	"privacy":    true,
	"terms":      true,
}

var skipExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".svg":  true,
	".webp": true,
	".css":  true,
	".js":   true,
	".pdf":  true,
	".zip":  true,
	".mp3":  true,
	".mp4":  true,
	".ico":  true,
	".xml":  true,
}

// htmlExtractor builds items from a site's landing page when no feed
// exists: collect candidate article links, then visit each one for its
// metadata
type htmlExtractor struct {
	client   *http.Client
	renderer render.Renderer
	opts     Options
}

func newHTMLExtractor(client *http.Client, renderer render.Renderer, opts Options) *htmlExtractor {
	return &htmlExtractor{
		client:   client,
		renderer: renderer,
		opts:     opts,
	}
}

func (h *htmlExtractor) extract(ctx context.Context, source *model.Source) (*Result, error) {
	candidates, err := h.candidates(ctx, source.BaseURL)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, parseErr(errors.Errorf("no article candidates on %s", source.BaseURL))
	}

	result := &Result{}
	now := time.Now().UTC()

	// Visit pages in small concurrent batches with a pause in between
	// to keep the crawl polite
	for start := 0; start < len(candidates); start += h.opts.ExtractBatch {
		end := start + h.opts.ExtractBatch
		if end > len(candidates) {
			end = len(candidates)
		}

		batch := candidates[start:end]
		items := make([]*model.Item, len(batch))

		group, groupCtx := errgroup.WithContext(ctx)

		for idx, pageURL := range batch {
			idx, pageURL := idx, pageURL

			group.Go(func() error {
				item, err := h.extractPage(groupCtx, pageURL, now)
				if err != nil {
					log.WithError(err).Debugf("failed to extract %q", pageURL)
					// Per-page failures never fail the batch
					return nil
				}

				items[idx] = item
				return nil
			})
		}

		_ = group.Wait()

		// Indexed slots keep page order stable across goroutines
		for _, item := range items {
			if item != nil {
				result.Items = append(result.Items, item)
			}
		}

		if end < len(candidates) {
			select {
			case <-time.After(h.opts.ExtractDelay):
			case <-ctx.Done():
				return nil, transientErr(ctx.Err())
			}
		}
	}

	return result, nil
}

// candidates collects likely article links from the rendered landing
// page, newest-first page order preserved, capped at MaxCandidates
func (h *htmlExtractor) candidates(ctx context.Context, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, parseErr(errors.Wrapf(err, "bad base url %s", baseURL))
	}

	var links []string

	if selector, ok := knownArticleSelectors[base.Host]; ok {
		links, err = h.selectLinks(ctx, baseURL, selector)
	} else {
		links, err = h.renderer.ExtractLinks(ctx, baseURL)
	}

	if err != nil {
		return nil, transientErr(errors.Wrapf(err, "failed to collect links from %s", baseURL))
	}

	var out []string

	for _, raw := range links {
		normalized, err := link.Normalize(raw)
		if err != nil {
			continue
		}

		if !articleLike(normalized, base) {
			continue
		}

		out = append(out, normalized)
		if len(out) == h.opts.MaxCandidates {
			break
		}
	}

	return dedupe(out), nil
}

// selectLinks resolves a site-specific CSS selector against the
// rendered page
func (h *htmlExtractor) selectLinks(ctx context.Context, baseURL, selector string) ([]string, error) {
	html, err := h.renderer.RenderHTML(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	var links []string

	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}

		links = append(links, base.ResolveReference(ref).String())
	})

	return links, nil
}

// articleLike filters out off-site, navigational and asset links
func articleLike(rawURL string, base *url.URL) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if parsed.Host != base.Host {
		return false
	}

	p := strings.Trim(parsed.Path, "/")
	if p == "" || parsed.Path == strings.TrimRight(base.Path, "/") {
		return false
	}

	if skipExtensions[strings.ToLower(path.Ext(p))] {
		return false
	}

	for _, part := range strings.Split(strings.ToLower(p), "/") {
		if skipPathParts[part] {
			return false
		}
	}

	return true
}

// extractPage pulls item metadata from one article page
func (h *htmlExtractor) extractPage(ctx context.Context, pageURL string, fetchedAt time.Time) (*model.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", h.opts.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse page")
	}

	meta := pageMeta(doc)
	if meta.title == "" {
		// A page we can't title is useless downstream
		return nil, errors.Errorf("no title on %s", pageURL)
	}

	return &model.Item{
		URL:         pageURL,
		Title:       meta.title,
		Excerpt:     model.Truncate(meta.description, model.MaxExcerptLen),
		Thumbnail:   meta.image,
		Author:      meta.author,
		PublishedAt: meta.published(fetchedAt),
		FetchedAt:   fetchedAt,
	}, nil
}

type metaFields struct {
	title       string
	description string
	image       string
	author      string
	publishedAt time.Time
}

func (m metaFields) published(fallback time.Time) time.Time {
	if !m.publishedAt.IsZero() {
		return m.publishedAt
	}

	return fallback
}

// pageMeta reads page metadata, preferring OpenGraph over Twitter card
// tags over generic meta over the visible document
func pageMeta(doc *goquery.Document) metaFields {
	var m metaFields

	m.title = firstOf(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("h1").First().Text()),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)

	m.description = cleanText(firstOf(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="twitter:description"]`),
		metaContent(doc, `meta[name="description"]`),
		strings.TrimSpace(doc.Find("article p, main p, p").First().Text()),
	))

	m.image = firstOf(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
	)

	m.author = firstOf(
		metaContent(doc, `meta[name="author"]`),
		metaContent(doc, `meta[property="article:author"]`),
	)

	if ts := metaContent(doc, `meta[property="article:published_time"]`); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			m.publishedAt = parsed.UTC()
		}
	}

	return m
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
