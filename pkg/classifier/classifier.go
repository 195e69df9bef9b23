package classifier

import (
	"time"

	"github.com/BrianHicks/finch/duration"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/youtube/v3"

	"github.com/amakov/feedsync/pkg/model"
)

// MaxShortDuration is the longest runtime still considered a short
const MaxShortDuration = 90 * time.Second

// Classify decides a video's type from platform metadata. Precedence:
// an ongoing live stream, then a finished broadcast, then the
// short-form cutoff, then the regular video default.
func Classify(duration time.Duration, isLive, isLiveContent bool) model.VideoType {
	switch {
	case isLive:
		return model.TypeLive
	case isLiveContent:
		return model.TypeVOD
	case duration > 0 && duration <= MaxShortDuration:
		return model.TypeShort
	default:
		return model.TypeVideo
	}
}

// ApplyVideoDetails writes API metadata onto an item and assigns its
// type. IsLiveContent only ever flips to true, a stream that ended
// stays marked as one.
func ApplyVideoDetails(item *model.Item, video *youtube.Video, now time.Time) {
	if video.ContentDetails != nil && video.ContentDetails.Duration != "" {
		if d, err := duration.FromString(video.ContentDetails.Duration); err == nil {
			item.Duration = int64(d.ToDuration().Seconds())
		} else {
			log.WithError(err).Errorf("failed to parse duration %s", video.ContentDetails.Duration)
		}
	}

	item.IsLive = video.Snippet != nil && video.Snippet.LiveBroadcastContent == "live"

	if video.LiveStreamingDetails != nil {
		item.IsLiveContent = true
	}

	item.VideoType = Classify(time.Duration(item.Duration)*time.Second, item.IsLive, item.IsLiveContent)
	item.ClassifiedAt = now
}
