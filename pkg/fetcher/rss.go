package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/link"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/render"
)

// knownFeedPaths are site-specific feed locations tried before the
// generic ones
var knownFeedPaths = map[string][]string{
	"medium.com":    {"/feed"},
	"substack.com":  {"/feed"},
	"blogspot.com":  {"/feeds/posts/default"},
	"tumblr.com":    {"/rss"},
	"wordpress.com": {"/feed"},
}

// genericFeedPaths are probed in order, the first one yielding at least
// one parseable item wins
var genericFeedPaths = []string{
	"/feed",
	"/rss",
	"/rss.xml",
	"/feed.xml",
	"/atom.xml",
	"/index.xml",
}

// Options tune the site acquisition pipeline
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	MaxCandidates int
	ExtractBatch  int
	ExtractDelay  time.Duration
}

func (o *Options) applyDefaults() {
	if o.UserAgent == "" {
		o.UserAgent = "feedsync/1.0"
	}

	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}

	if o.MaxCandidates == 0 {
		o.MaxCandidates = 20
	}

	if o.ExtractBatch == 0 {
		o.ExtractBatch = 5
	}

	if o.ExtractDelay == 0 {
		o.ExtractDelay = time.Second
	}
}

// SiteFetcher drives the site pipeline: crawl-policy check, feed
// discovery, feed parse and the HTML extraction fallback
type SiteFetcher struct {
	client   *http.Client
	robots   *RobotsChecker
	renderer render.Renderer
	html     *htmlExtractor
	opts     Options
}

var _ Fetcher = (*SiteFetcher)(nil)

func NewSiteFetcher(renderer render.Renderer, opts Options) *SiteFetcher {
	opts.applyDefaults()

	client := &http.Client{Timeout: opts.Timeout}

	return &SiteFetcher{
		client:   client,
		robots:   NewRobotsChecker(client, opts.UserAgent),
		renderer: renderer,
		html:     newHTMLExtractor(client, renderer, opts),
		opts:     opts,
	}
}

func (f *SiteFetcher) Fetch(ctx context.Context, source *model.Source) (*Result, error) {
	if source.FeedURL != "" {
		return f.fetchKnownFeed(ctx, source)
	}

	return f.discover(ctx, source)
}

// fetchKnownFeed parses an already discovered feed. A parse failure
// falls back once to HTML extraction, except for constructed proxy
// feeds where no page exists to extract from.
func (f *SiteFetcher) fetchKnownFeed(ctx context.Context, source *model.Source) (*Result, error) {
	result, err := f.parseFeed(ctx, source.FeedURL)
	if err == nil {
		return result, nil
	}

	if KindOf(err) != KindParse || source.ProxyFeed {
		return nil, err
	}

	log.WithError(err).WithField("source_id", source.ID).
		Warn("feed no longer parses, falling back to page extraction")

	return f.html.extract(ctx, source)
}

// discover walks the §4.2 state machine for a pending source: policy
// check, then feed paths, then the page's alternate links, then HTML
// extraction.
func (f *SiteFetcher) discover(ctx context.Context, source *model.Source) (*Result, error) {
	allowed, err := f.robots.Allowed(ctx, source.BaseURL)
	if err != nil {
		return nil, transientErr(err)
	}

	if !allowed {
		return nil, blockedErr(errors.Wrapf(model.ErrBlocked, "robots disallow %s", source.BaseURL))
	}

	for _, candidate := range f.feedCandidates(ctx, source.BaseURL) {
		result, err := f.parseFeed(ctx, candidate)
		if err != nil {
			log.WithError(err).Debugf("feed candidate %q rejected", candidate)
			continue
		}

		if len(result.Items) == 0 {
			continue
		}

		// First path yielding items is authoritative, no further paths
		// are tried
		result.FeedURL = candidate
		return result, nil
	}

	log.WithField("source_id", source.ID).Info("no feed discovered, extracting from page")

	return f.html.extract(ctx, source)
}

// feedCandidates lists feed URLs to probe: site-specific known paths,
// generic paths, then alternate links advertised by the page itself
func (f *SiteFetcher) feedCandidates(ctx context.Context, baseURL string) []string {
	var candidates []string

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	root := parsed.Scheme + "://" + parsed.Host

	for suffix, paths := range knownFeedPaths {
		if hostMatches(parsed.Host, suffix) {
			for _, p := range paths {
				candidates = append(candidates, root+p)
			}
		}
	}

	for _, p := range genericFeedPaths {
		candidates = append(candidates, root+p)
	}

	// Sites nested under a path (example.com/blog) often scope their
	// feed below it
	if parsed.Path != "" && parsed.Path != "/" {
		candidates = append(candidates, baseURL+"/feed", baseURL+"/rss.xml")
	}

	candidates = append(candidates, f.alternateLinks(ctx, baseURL)...)

	return dedupe(candidates)
}

// alternateLinks parses <link rel="alternate"> advertisements from the
// rendered page
func (f *SiteFetcher) alternateLinks(ctx context.Context, baseURL string) []string {
	html, err := f.renderer.RenderHTML(ctx, baseURL)
	if err != nil {
		log.WithError(err).Debugf("failed to render %q for feed links", baseURL)
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []string

	doc.Find(`link[rel="alternate"]`).Each(func(_ int, s *goquery.Selection) {
		feedType, _ := s.Attr("type")
		if !strings.Contains(feedType, "rss") && !strings.Contains(feedType, "atom") && !strings.Contains(feedType, "xml") {
			return
		}

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

	return links
}

// parseFeed retrieves and normalizes one feed document
func (f *SiteFetcher) parseFeed(ctx context.Context, feedURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	parser := gofeed.NewParser()
	parser.Client = f.client
	parser.UserAgent = f.opts.UserAgent

	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		if isHTTPError(err) || ctx.Err() != nil {
			return nil, transientErr(errors.Wrapf(err, "failed to fetch feed %s", feedURL))
		}

		return nil, parseErr(errors.Wrapf(err, "failed to parse feed %s", feedURL))
	}

	result := &Result{Title: feed.Title}
	now := time.Now().UTC()

	for _, entry := range feed.Items {
		item, err := feedItem(entry, now)
		if err != nil {
			log.WithError(err).Debugf("skipping malformed feed entry %q", entry.Title)
			continue
		}

		result.Items = append(result.Items, item)
	}

	return result, nil
}

// feedItem converts one gofeed entry into a normalized item
func feedItem(entry *gofeed.Item, fetchedAt time.Time) (*model.Item, error) {
	if entry.Link == "" {
		return nil, errors.New("entry without link")
	}

	if entry.Title == "" {
		return nil, errors.New("entry without title")
	}

	normalized, err := link.Normalize(entry.Link)
	if err != nil {
		return nil, err
	}

	item := &model.Item{
		URL:         normalized,
		Title:       strings.TrimSpace(entry.Title),
		Excerpt:     model.Truncate(cleanText(entry.Description), model.MaxExcerptLen),
		PublishedAt: entryDate(entry, fetchedAt),
		FetchedAt:   fetchedAt,
	}

	if entry.Image != nil {
		item.Thumbnail = entry.Image.URL
	}

	if entry.Author != nil {
		item.Author = entry.Author.Name
	} else if len(entry.Authors) > 0 {
		item.Author = entry.Authors[0].Name
	}

	return item, nil
}

func entryDate(entry *gofeed.Item, fallback time.Time) time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed.UTC()
	}

	if entry.UpdatedParsed != nil {
		return entry.UpdatedParsed.UTC()
	}

	return fallback
}

// cleanText collapses markup leftovers and whitespace runs
func cleanText(s string) string {
	if strings.ContainsAny(s, "<>") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}

	return strings.Join(strings.Fields(s), " ")
}

func isHTTPError(err error) bool {
	switch err.(type) {
	case gofeed.HTTPError, *gofeed.HTTPError:
		return true
	default:
		return false
	}
}

func hostMatches(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

func dedupe(in []string) []string {
	var (
		out  []string
		seen = map[string]bool{}
	)

	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	return out
}
