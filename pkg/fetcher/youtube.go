package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"

	"github.com/amakov/feedsync/pkg/classifier"
	"github.com/amakov/feedsync/pkg/model"
)

const (
	channelFeedTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"
	watchURLTemplate    = "https://www.youtube.com/watch?v=%s"

	maxYoutubeResults = 50
)

// ChannelFetcher pulls a channel's recent uploads. The public XML feed
// is free and tried first, the Data API fills in duration and live
// status and serves as a fallback when the feed comes back empty.
type ChannelFetcher struct {
	yt        *youtube.Service
	userAgent string
	timeout   time.Duration
}

var _ Fetcher = (*ChannelFetcher)(nil)

func NewChannelFetcher(yt *youtube.Service, opts Options) *ChannelFetcher {
	opts.applyDefaults()

	return &ChannelFetcher{
		yt:        yt,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
	}
}

func (f *ChannelFetcher) Fetch(ctx context.Context, source *model.Source) (*Result, error) {
	if source.ChannelID == "" {
		return nil, errors.Errorf("source %s has no channel id", source.ID)
	}

	result, err := f.fetchFeed(ctx, source.ChannelID)
	if err != nil {
		return nil, err
	}

	if len(result.Items) == 0 {
		// Some channels serve an empty XML feed while the API still
		// lists uploads
		log.WithField("channel_id", source.ChannelID).Debug("empty channel feed, falling back to api")

		result, err = f.fetchUploads(ctx, source.ChannelID)
		if err != nil {
			return nil, err
		}
	}

	if err := f.enrich(ctx, result.Items); err != nil {
		if KindOf(err) != KindQuota {
			return nil, err
		}

		// Out of budget: ship the items unclassified, the periodic
		// reclassify pass picks them up once quota resets
		log.WithField("channel_id", source.ChannelID).Warn("api quota exhausted, items left unclassified")
	}

	return result, nil
}

// fetchFeed parses the public uploads feed, zero API quota
func (f *ChannelFetcher) fetchFeed(ctx context.Context, channelID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	parser := gofeed.NewParser()
	parser.UserAgent = f.userAgent

	feed, err := parser.ParseURLWithContext(fmt.Sprintf(channelFeedTemplate, channelID), ctx)
	if err != nil {
		if isHTTPError(err) || ctx.Err() != nil {
			return nil, transientErr(errors.Wrapf(err, "failed to fetch channel feed %s", channelID))
		}

		return nil, parseErr(errors.Wrapf(err, "failed to parse channel feed %s", channelID))
	}

	return &Result{
		Title: feed.Title,
		Items: ItemsFromChannelFeed(feed),
	}, nil
}

// ItemsFromChannelFeed converts a parsed YouTube XML feed into
// normalized items. Shared with the push path, which receives the same
// document from the hub instead of polling for it.
func ItemsFromChannelFeed(feed *gofeed.Feed) []*model.Item {
	var items []*model.Item

	now := time.Now().UTC()

	for _, entry := range feed.Items {
		videoID := extensionValue(entry, "videoId")
		if videoID == "" {
			continue
		}

		item := &model.Item{
			URL:         fmt.Sprintf(watchURLTemplate, videoID),
			VideoID:     videoID,
			Title:       strings.TrimSpace(entry.Title),
			PublishedAt: entryDate(entry, now),
			FetchedAt:   now,
		}

		if entry.Author != nil {
			item.Author = entry.Author.Name
		}

		if thumb := mediaThumbnail(entry); thumb != "" {
			item.Thumbnail = thumb
		}

		if desc := mediaDescription(entry); desc != "" {
			item.Excerpt = model.Truncate(cleanText(desc), model.MaxExcerptLen)
		}

		items = append(items, item)
	}

	return items
}

// fetchUploads lists the channel's uploads playlist through the API.
// Cost: 1 unit for the channel lookup plus 1 per playlist page.
func (f *ChannelFetcher) fetchUploads(ctx context.Context, channelID string) (*Result, error) {
	if f.yt == nil {
		return nil, transientErr(errors.New("data api not configured"))
	}

	channels, err := f.yt.Channels.
		List([]string{"snippet", "contentDetails"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		return nil, apiError(err, "failed to query channel "+channelID)
	}

	if len(channels.Items) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "channel %s", channelID)
	}

	channel := channels.Items[0]
	uploads := channel.ContentDetails.RelatedPlaylists.Uploads

	playlist, err := f.yt.PlaylistItems.
		List([]string{"snippet", "contentDetails"}).
		PlaylistId(uploads).
		MaxResults(maxYoutubeResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, apiError(err, "failed to list uploads for "+channelID)
	}

	result := &Result{Title: channel.Snippet.Title}
	now := time.Now().UTC()

	for _, entry := range playlist.Items {
		videoID := entry.ContentDetails.VideoId
		if videoID == "" {
			continue
		}

		item := &model.Item{
			URL:       fmt.Sprintf(watchURLTemplate, videoID),
			VideoID:   videoID,
			Title:     strings.TrimSpace(entry.Snippet.Title),
			Excerpt:   model.Truncate(cleanText(entry.Snippet.Description), model.MaxExcerptLen),
			Author:    channel.Snippet.Title,
			FetchedAt: now,
		}

		if published, err := time.Parse(time.RFC3339, entry.ContentDetails.VideoPublishedAt); err == nil {
			item.PublishedAt = published.UTC()
		} else {
			item.PublishedAt = now
		}

		if entry.Snippet.Thumbnails != nil && entry.Snippet.Thumbnails.High != nil {
			item.Thumbnail = entry.Snippet.Thumbnails.High.Url
		}

		result.Items = append(result.Items, item)
	}

	return result, nil
}

// enrich fills duration and live status from videos.list and assigns
// each item's type. Cost: 1 unit per batch of 50 ids.
func (f *ChannelFetcher) enrich(ctx context.Context, items []*model.Item) error {
	if f.yt == nil {
		return quotaErr(errors.New("data api not configured"))
	}

	byID := make(map[string]*model.Item, len(items))

	var ids []string

	for _, item := range items {
		if item.VideoID == "" {
			continue
		}

		byID[item.VideoID] = item
		ids = append(ids, item.VideoID)
	}

	for start := 0; start < len(ids); start += maxYoutubeResults {
		end := start + maxYoutubeResults
		if end > len(ids) {
			end = len(ids)
		}

		videos, err := f.yt.Videos.
			List([]string{"contentDetails", "snippet", "liveStreamingDetails"}).
			Id(ids[start:end]...).
			Context(ctx).
			Do()
		if err != nil {
			return apiError(err, "failed to query video details")
		}

		now := time.Now().UTC()

		for _, video := range videos.Items {
			item, ok := byID[video.Id]
			if !ok {
				continue
			}

			classifier.ApplyVideoDetails(item, video, now)
		}
	}

	return nil
}

// apiError maps API failures onto the fetch error taxonomy
func apiError(err error, msg string) error {
	if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 403 {
		for _, e := range gerr.Errors {
			if e.Reason == "quotaExceeded" || e.Reason == "dailyLimitExceeded" {
				return quotaErr(errors.Wrap(model.ErrQuotaExceeded, msg))
			}
		}
	}

	return transientErr(errors.Wrap(err, msg))
}

// extensionValue digs a yt: namespace value out of a feed entry
func extensionValue(entry *gofeed.Item, name string) string {
	for _, ext := range entry.Extensions["yt"][name] {
		if ext.Value != "" {
			return ext.Value
		}
	}

	return ""
}

func mediaThumbnail(entry *gofeed.Item) string {
	for _, group := range entry.Extensions["media"]["group"] {
		for _, thumb := range group.Children["thumbnail"] {
			if url := thumb.Attrs["url"]; url != "" {
				return url
			}
		}
	}

	return ""
}

func mediaDescription(entry *gofeed.Item) string {
	for _, group := range entry.Extensions["media"]["group"] {
		for _, desc := range group.Children["description"] {
			if desc.Value != "" {
				return desc.Value
			}
		}
	}

	return ""
}
