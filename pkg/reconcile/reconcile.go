package reconcile

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/id"
	"github.com/amakov/feedsync/pkg/model"
)

// Outcome of reconciling one fetched item against storage
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Notifier is told about items that did not exist before
type Notifier interface {
	NotifyNewItem(ctx context.Context, source *model.Source, item *model.Item) error
}

// Stats summarize one reconcile pass over a source
type Stats struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

func (s Stats) String() string {
	return fmt.Sprintf("created: %d, updated: %d, unchanged: %d, failed: %d",
		s.Created, s.Updated, s.Unchanged, s.Failed)
}

// Engine merges fetched items into storage. An item is known when its
// source already holds the same URL or the same content fingerprint,
// everything else is inserted as new.
type Engine struct {
	storage  db.Storage
	ids      *id.Generator
	notifier Notifier
}

func NewEngine(storage db.Storage, ids *id.Generator, notifier Notifier) *Engine {
	return &Engine{
		storage:  storage,
		ids:      ids,
		notifier: notifier,
	}
}

// ReconcileAll merges a fetch result item by item. Individual failures
// are counted and folded into the returned error without aborting the
// pass.
func (e *Engine) ReconcileAll(ctx context.Context, source *model.Source, items []*model.Item) (Stats, error) {
	var (
		stats Stats
		merr  *multierror.Error
	)

	for _, item := range items {
		outcome, err := e.Reconcile(ctx, source, item)
		if err != nil {
			stats.Failed++
			merr = multierror.Append(merr, err)

			log.WithError(err).WithFields(log.Fields{
				"source_id": source.ID,
				"url":       item.URL,
			}).Error("failed to reconcile item")

			continue
		}

		switch outcome {
		case Created:
			stats.Created++
		case Updated:
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}

	return stats, merr.ErrorOrNil()
}

// Reconcile merges one fetched item. Safe to call concurrently for the
// same item, the insert race resolves to an update of the winner's row.
func (e *Engine) Reconcile(ctx context.Context, source *model.Source, item *model.Item) (Outcome, error) {
	item.SourceID = source.ID

	if item.Fingerprint == "" {
		item.Fingerprint = Fingerprint(item.URL, item.Title)
	}

	existing, err := e.lookup(ctx, item)
	if err != nil {
		return Unchanged, err
	}

	if existing != nil {
		return e.refresh(ctx, existing, item)
	}

	item.ID, err = e.ids.Generate()
	if err != nil {
		return Unchanged, errors.Wrap(err, "failed to generate item id")
	}

	if err := e.storage.InsertItem(ctx, item); err != nil {
		if errors.Cause(err) != model.ErrAlreadyExists {
			return Unchanged, errors.Wrap(err, "failed to insert item")
		}

		// Lost an insert race with a concurrent pass over the same
		// source, reconcile against the winner's row instead
		existing, err = e.lookup(ctx, item)
		if err != nil {
			return Unchanged, err
		}

		if existing == nil {
			return Unchanged, errors.Errorf("item %q vanished after duplicate insert", item.URL)
		}

		return e.refresh(ctx, existing, item)
	}

	log.WithFields(log.Fields{
		"source_id": source.ID,
		"item_id":   item.ID,
		"url":       item.URL,
	}).Debug("created item")

	e.notify(ctx, source, item)

	return Created, nil
}

// lookup finds a known item by URL first, then by content fingerprint
func (e *Engine) lookup(ctx context.Context, item *model.Item) (*model.Item, error) {
	existing, err := e.storage.GetItemByURL(ctx, item.SourceID, item.URL)
	if err == nil {
		return existing, nil
	}

	if errors.Cause(err) != model.ErrNotFound {
		return nil, errors.Wrap(err, "failed to look up item by url")
	}

	existing, err = e.storage.GetItemByFingerprint(ctx, item.SourceID, item.Fingerprint)
	if err == nil {
		return existing, nil
	}

	if errors.Cause(err) != model.ErrNotFound {
		return nil, errors.Wrap(err, "failed to look up item by fingerprint")
	}

	return nil, nil
}

// refresh folds fresh metadata into a known item. URL and publication
// date never change, an excerpt is replaced rather than rewritten. An
// unchanged fingerprint with no fresh classification is a true no-op,
// nothing is written.
func (e *Engine) refresh(ctx context.Context, existing *model.Item, incoming *model.Item) (Outcome, error) {
	fpChanged := incoming.Fingerprint != existing.Fingerprint
	freshClass := !incoming.ClassifiedAt.IsZero() && incoming.ClassifiedAt.After(existing.ClassifiedAt)

	if !fpChanged && !freshClass {
		return Unchanged, nil
	}

	changed := false

	err := e.storage.UpdateItem(ctx, existing.SourceID, existing.ID, func(stored *model.Item) error {
		if fpChanged {
			if incoming.Title != "" {
				stored.Title = incoming.Title
			}

			if incoming.Excerpt != "" {
				stored.Excerpt = incoming.Excerpt
			}

			if incoming.Thumbnail != "" {
				stored.Thumbnail = incoming.Thumbnail
			}

			stored.Fingerprint = Fingerprint(stored.URL, stored.Title)
			changed = true
		}

		// A fresh classification wins, except the live-content flag
		// which only ever latches on
		if freshClass {
			if stored.VideoType != incoming.VideoType || stored.IsLive != incoming.IsLive {
				changed = true
			}

			stored.VideoType = incoming.VideoType
			stored.IsLive = incoming.IsLive
			stored.IsLiveContent = stored.IsLiveContent || incoming.IsLiveContent
			stored.Duration = incoming.Duration
			stored.ClassifiedAt = incoming.ClassifiedAt
		}

		return nil
	})
	if err != nil {
		return Unchanged, errors.Wrap(err, "failed to update item")
	}

	if !changed {
		return Unchanged, nil
	}

	return Updated, nil
}

func (e *Engine) notify(ctx context.Context, source *model.Source, item *model.Item) {
	if e.notifier == nil {
		return
	}

	// Notification failures never fail acquisition
	if err := e.notifier.NotifyNewItem(ctx, source, item); err != nil {
		log.WithError(err).WithField("item_id", item.ID).Error("failed to notify subscribers")
	}
}
