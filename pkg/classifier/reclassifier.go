package classifier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/model"
)

const (
	// DefaultBatchSize bounds one reclassify pass
	DefaultBatchSize = 40

	maxVideoResults = 50
)

// Reclassifier periodically revisits videos whose type can still
// change: streams flagged live and uploads that never got classified.
// It settles live -> vod transitions without touching anything else.
type Reclassifier struct {
	storage db.Storage
	yt      *youtube.Service
	batch   int
}

func NewReclassifier(storage db.Storage, yt *youtube.Service, batch int) *Reclassifier {
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	return &Reclassifier{
		storage: storage,
		yt:      yt,
		batch:   batch,
	}
}

// Run performs one pass and reports how many items changed type
func (r *Reclassifier) Run(ctx context.Context) (int, error) {
	candidates, err := r.storage.ListReclassifyCandidates(ctx, r.batch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list reclassify candidates")
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	videos, err := r.queryDetails(ctx, candidates)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	changed := 0

	for _, candidate := range candidates {
		video, ok := videos[candidate.VideoID]
		if !ok {
			// Deleted or private now, settle it so the next pass skips it
			video = nil
		}

		updated, err := r.reclassify(ctx, candidate, video, now)
		if err != nil {
			log.WithError(err).WithField("video_id", candidate.VideoID).
				Error("failed to reclassify video")
			continue
		}

		if updated {
			changed++
		}
	}

	log.WithFields(log.Fields{
		"candidates": len(candidates),
		"changed":    changed,
	}).Debug("reclassify pass finished")

	return changed, nil
}

// queryDetails batches videos.list over the candidates. Cost: 1 unit
// per batch of 50 ids.
func (r *Reclassifier) queryDetails(ctx context.Context, items []*model.Item) (map[string]*youtube.Video, error) {
	var ids []string

	for _, item := range items {
		if item.VideoID != "" {
			ids = append(ids, item.VideoID)
		}
	}

	videos := make(map[string]*youtube.Video, len(ids))

	for start := 0; start < len(ids); start += maxVideoResults {
		end := start + maxVideoResults
		if end > len(ids) {
			end = len(ids)
		}

		resp, err := r.yt.Videos.
			List([]string{"contentDetails", "snippet", "liveStreamingDetails"}).
			Id(ids[start:end]...).
			Context(ctx).
			Do()
		if err != nil {
			if isQuotaError(err) {
				return nil, errors.Wrap(model.ErrQuotaExceeded, "failed to query video details")
			}

			return nil, errors.Wrap(err, "failed to query video details")
		}

		for _, v := range resp.Items {
			videos[v.Id] = v
		}
	}

	return videos, nil
}

// reclassify applies fresh details to one item. When nothing changed
// only the classification timestamp moves, so a stuck candidate still
// falls out of the selection eventually.
func (r *Reclassifier) reclassify(ctx context.Context, item *model.Item, video *youtube.Video, now time.Time) (bool, error) {
	changed := false

	err := r.storage.UpdateItem(ctx, item.SourceID, item.ID, func(stored *model.Item) error {
		before := stored.VideoType

		if video != nil {
			ApplyVideoDetails(stored, video, now)
		} else {
			// Gone from the platform: a live flag can't stay up forever
			stored.IsLive = false
			stored.VideoType = Classify(time.Duration(stored.Duration)*time.Second, false, stored.IsLiveContent)
			stored.ClassifiedAt = now
		}

		changed = stored.VideoType != before

		return nil
	})
	if err != nil {
		return false, err
	}

	return changed, nil
}

func isQuotaError(err error) bool {
	gerr, ok := err.(*googleapi.Error)
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
