package resolver

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/id"
	"github.com/amakov/feedsync/pkg/link"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/render"
)

const descriptorTTL = 24 * time.Hour

// Cache keeps resolved channel descriptors between runs
type Cache interface {
	SaveItem(key string, item interface{}, exp time.Duration) error
	GetItem(key string, item interface{}) error
}

// Descriptor is the cacheable outcome of a channel resolution
type Descriptor struct {
	ChannelID string
	Title     string
}

// Resolver turns user-supplied identifiers into sources. Explicit
// identifiers (URLs, handles, channel IDs) resolve exactly or not at
// all, only free text goes through search.
type Resolver struct {
	storage  db.Storage
	yt       *youtube.Service
	renderer render.Renderer
	cache    Cache
	ids      *id.Generator
}

func New(storage db.Storage, yt *youtube.Service, renderer render.Renderer, c Cache, ids *id.Generator) *Resolver {
	return &Resolver{
		storage:  storage,
		yt:       yt,
		renderer: renderer,
		cache:    c,
		ids:      ids,
	}
}

// Resolve maps an identifier to a source, creating it on first sight.
// Resolution is idempotent, the same identifier always lands on the
// same source.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*model.Source, error) {
	info, err := link.Parse(identifier)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse identifier %q", identifier)
	}

	if info.Type == link.TypeSite {
		return r.upsert(ctx, &model.Source{
			Kind:    model.KindSite,
			BaseURL: info.ID,
			Status:  model.StatusPending,
		})
	}

	desc, err := r.resolveChannel(ctx, info)
	if err != nil {
		return nil, err
	}

	return r.upsert(ctx, &model.Source{
		Kind:      model.KindChannel,
		ChannelID: desc.ChannelID,
		Title:     desc.Title,
		Status:    model.StatusActive,
	})
}

func (r *Resolver) upsert(ctx context.Context, source *model.Source) (*model.Source, error) {
	var err error

	source.ID, err = r.ids.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate source id")
	}

	source.CreatedAt = time.Now().UTC()

	stored, err := r.storage.UpsertSource(ctx, source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to save source")
	}

	return stored, nil
}

func (r *Resolver) resolveChannel(ctx context.Context, info link.Info) (*Descriptor, error) {
	cacheKey := fmt.Sprintf("feedsync/resolve/%s/%s", info.Type, info.ID)

	if r.cache != nil {
		desc := &Descriptor{}
		if err := r.cache.GetItem(cacheKey, desc); err == nil {
			return desc, nil
		}
	}

	if r.yt == nil {
		// Running without an API key, the page scrape is all we have
		return r.scrapeChannel(ctx, info)
	}

	desc, err := r.queryChannel(ctx, info)
	if err != nil {
		if isQuotaError(err) && info.Type != link.TypeQuery {
			// Out of API budget: scrape the channel ID off the public
			// page instead
			if desc, scrapeErr := r.scrapeChannel(ctx, info); scrapeErr == nil {
				return desc, nil
			}

			return nil, errors.Wrapf(model.ErrQuotaExceeded, "failed to resolve %s %q", info.Type, info.ID)
		}

		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SaveItem(cacheKey, desc, descriptorTTL); err != nil {
			log.WithError(err).Warn("failed to cache channel descriptor")
		}
	}

	return desc, nil
}

// queryChannel hits the Data API with the exact identifier. A miss on
// an explicit identifier is NotFound, never a fuzzy search result.
func (r *Resolver) queryChannel(ctx context.Context, info link.Info) (*Descriptor, error) {
	call := r.yt.Channels.List([]string{"snippet"}).MaxResults(1).Context(ctx)

	switch info.Type {
	case link.TypeChannelID:
		call = call.Id(info.ID)
	case link.TypeHandle:
		call = call.ForHandle("@" + info.ID)
	case link.TypeUser:
		call = call.ForUsername(info.ID)
	case link.TypeQuery:
		return r.searchChannel(ctx, info.ID)
	default:
		return nil, errors.Errorf("unsupported identifier type %q", info.Type)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query channel %s %q", info.Type, info.ID)
	}

	if len(resp.Items) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "%s %q", info.Type, info.ID)
	}

	channel := resp.Items[0]

	return &Descriptor{
		ChannelID: channel.Id,
		Title:     channel.Snippet.Title,
	}, nil
}

// searchChannel resolves free text through search, first hit wins.
// Cost: 100 units.
func (r *Resolver) searchChannel(ctx context.Context, query string) (*Descriptor, error) {
	resp, err := r.yt.Search.
		List([]string{"snippet"}).
		Q(query).
		Type("channel").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search channel %q", query)
	}

	if len(resp.Items) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "channel query %q", query)
	}

	hit := resp.Items[0]

	return &Descriptor{
		ChannelID: hit.Snippet.ChannelId,
		Title:     hit.Snippet.ChannelTitle,
	}, nil
}

var pageChannelIDRe = regexp.MustCompile(`"channelId":"(UC[0-9A-Za-z_-]{22})"`)

// scrapeChannel extracts the channel ID from the rendered channel page,
// a zero-quota fallback for explicit identifiers
func (r *Resolver) scrapeChannel(ctx context.Context, info link.Info) (*Descriptor, error) {
	if r.renderer == nil {
		return nil, errors.New("no renderer available")
	}

	var pageURL string

	switch info.Type {
	case link.TypeChannelID:
		// Nothing to scrape, the identifier is the answer
		return &Descriptor{ChannelID: info.ID}, nil
	case link.TypeHandle:
		pageURL = "https://www.youtube.com/@" + info.ID
	case link.TypeUser:
		pageURL = "https://www.youtube.com/user/" + info.ID
	default:
		return nil, errors.Errorf("cannot scrape identifier type %q", info.Type)
	}

	html, err := r.renderer.RenderHTML(ctx, pageURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render %s", pageURL)
	}

	match := pageChannelIDRe.FindStringSubmatch(html)
	if match == nil {
		return nil, errors.Errorf("no channel id on %s", pageURL)
	}

	return &Descriptor{ChannelID: match[1]}, nil
}

func isQuotaError(err error) bool {
	gerr, ok := errors.Cause(err).(*googleapi.Error)
	if !ok || gerr.Code != 403 {
		return false
	}

	for _, e := range gerr.Errors {
		if e.Reason == "quotaExceeded" || e.Reason == "dailyLimitExceeded" {
			return true
		}
	}

	return false
}
