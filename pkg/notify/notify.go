package notify

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/model"
)

// DefaultMaxDirect caps how many subscribers get a direct push per new
// item before the rest is left to the push collaborator's batching
const DefaultMaxDirect = 3

// Notification is the payload handed to the push collaborator
type Notification struct {
	ItemID      string          `json:"item_id"`
	SourceID    string          `json:"source_id"`
	SourceTitle string          `json:"source_title"`
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	VideoType   model.VideoType `json:"video_type,omitempty"`
	Tokens      []string        `json:"tokens"`
}

// Pusher hands notifications to the external push service
type Pusher interface {
	Push(ctx context.Context, n *Notification) error
}

// Trigger fans a new item out to the source's subscribers. It never
// blocks or fails the acquisition pipeline that calls it.
type Trigger struct {
	storage   db.Storage
	pusher    Pusher
	maxDirect int
}

func NewTrigger(storage db.Storage, pusher Pusher, maxDirect int) *Trigger {
	if maxDirect <= 0 {
		maxDirect = DefaultMaxDirect
	}

	return &Trigger{
		storage:   storage,
		pusher:    pusher,
		maxDirect: maxDirect,
	}
}

// NotifyNewItem pushes to subscribers that opted in. Channel videos cap
// out at maxDirect direct pushes to avoid notification storms on large
// channels, the cutoff is deliberate.
func (t *Trigger) NotifyNewItem(ctx context.Context, source *model.Source, item *model.Item) error {
	subs, err := t.storage.ListSubscribers(ctx, source.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to list subscribers of %s", source.ID)
	}

	dispatched := 0

	for _, sub := range subs {
		if !sub.NotifyEnabled || len(sub.DeviceTokens) == 0 {
			continue
		}

		if source.Kind == model.KindChannel && dispatched >= t.maxDirect {
			break
		}

		n := &Notification{
			ItemID:      item.ID,
			SourceID:    source.ID,
			SourceTitle: source.Title,
			Title:       item.Title,
			URL:         item.URL,
			Thumbnail:   item.Thumbnail,
			VideoType:   item.VideoType,
			Tokens:      sub.DeviceTokens,
		}

		if err := t.pusher.Push(ctx, n); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"item_id": item.ID,
				"user_id": sub.UserID,
			}).Error("failed to push notification")
			continue
		}

		dispatched++
	}

	log.WithFields(log.Fields{
		"item_id":     item.ID,
		"subscribers": len(subs),
		"dispatched":  dispatched,
	}).Debug("notification fan-out finished")

	return nil
}
