package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/options"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/model"
)

const (
	versionPath      = "feedsync/version"
	sourcePrefix     = "source/"
	sourcePath       = "source/%s"
	channelIndexPath = "index/source_channel/%s"
	siteIndexPath    = "index/source_url/%s"
	itemPrefix       = "item/%s/"
	itemPath         = "item/%s/%s" // SourceID + ItemID
	itemURLIndexPath = "index/item_url/%s/%s"
	itemFpIndexPath  = "index/item_fp/%s/%s"
	jobPath          = "job/%s"
	subPrefix        = "sub/%s/"
	subPath          = "sub/%s/%s" // SourceID + SubscriptionID

	// Update transactions are retried on commit conflicts, which badger
	// reports when parallel workers touch overlapping keys.
	maxTxnRetries = 3
)

// BadgerConfig represents badger configuration parameters
// See https://github.com/dgraph-io/badger#memory-usage
type BadgerConfig struct {
	Truncate bool `toml:"truncate"`
	FileIO   bool `toml:"file_io"`
}

type Badger struct {
	db *badger.DB
}

var _ Storage = (*Badger)(nil)

func NewBadger(config *Config) (*Badger, error) {
	var (
		dir = config.Dir
	)

	log.Infof("opening database %q", dir)

	// Make sure database directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "could not mkdir database dir")
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(log.StandardLogger()).
		WithTruncate(true)

	if config.Badger != nil {
		opts.Truncate = config.Badger.Truncate
		if config.Badger.FileIO {
			opts.ValueLogLoadingMode = options.FileIO
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	storage := &Badger{db: db}

	if err := db.Update(func(txn *badger.Txn) error {
		if err := storage.setObj(txn, []byte(versionPath), CurrentVersion, false); err != nil && err != model.ErrAlreadyExists {
			return err
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return storage, nil
}

func (b *Badger) Close() error {
	log.Debug("closing database")
	return b.db.Close()
}

func (b *Badger) Version() (int, error) {
	var (
		version = -1
	)

	err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, []byte(versionPath), &version)
	})

	return version, err
}

func (b *Badger) UpsertSource(_ context.Context, source *model.Source) (*model.Source, error) {
	var result *model.Source

	err := b.update(func(txn *badger.Txn) error {
		indexKey, err := b.sourceIndexKey(source)
		if err != nil {
			return err
		}

		// Return the existing source if this identity is already known
		var existingID string
		if err := b.getObj(txn, indexKey, &existingID); err == nil {
			existing := &model.Source{}
			if err := b.getObj(txn, b.getKey(sourcePath, existingID), existing); err != nil {
				return err
			}

			result = existing
			return nil
		} else if err != model.ErrNotFound {
			return err
		}

		if err := b.setObj(txn, indexKey, source.ID, false); err != nil {
			return err
		}

		if err := b.setObj(txn, b.getKey(sourcePath, source.ID), source, false); err != nil {
			return errors.Wrapf(err, "failed to save source %q", source.ID)
		}

		result = source
		return nil
	})

	return result, err
}

func (b *Badger) GetSource(_ context.Context, id string) (*model.Source, error) {
	var (
		source = model.Source{}
		key    = b.getKey(sourcePath, id)
	)

	if err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, key, &source)
	}); err != nil {
		return nil, err
	}

	return &source, nil
}

func (b *Badger) UpdateSource(_ context.Context, id string, cb func(source *model.Source) error) error {
	var (
		key    = b.getKey(sourcePath, id)
		source model.Source
	)

	return b.update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &source); err != nil {
			return err
		}

		if err := cb(&source); err != nil {
			return err
		}

		if source.ID != id {
			return errors.New("can't change source ID")
		}

		return b.setObj(txn, key, &source, true)
	})
}

func (b *Badger) ListStaleSources(
	_ context.Context,
	kind model.SourceKind,
	statuses []model.SourceStatus,
	olderThan time.Time,
	limit int,
) ([]*model.Source, error) {
	var selected []*model.Source

	wanted := map[model.SourceStatus]bool{}
	for _, status := range statuses {
		wanted[status] = true
	}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(sourcePrefix)
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(item *badger.Item) error {
			source := &model.Source{}
			if err := b.unmarshalObj(item, source); err != nil {
				return err
			}

			if source.Kind != kind {
				return nil
			}

			if len(wanted) > 0 && !wanted[source.Status] {
				return nil
			}

			if !source.LastAttemptAt.IsZero() && !source.LastAttemptAt.Before(olderThan) {
				return nil
			}

			selected = append(selected, source)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Never-attempted sources sort first, then oldest attempt first
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].LastAttemptAt.Before(selected[j].LastAttemptAt)
	})

	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	return selected, nil
}

func (b *Badger) ListExpiringLeases(_ context.Context, deadline time.Time, limit int) ([]*model.Source, error) {
	var selected []*model.Source

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(sourcePrefix)
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(item *badger.Item) error {
			source := &model.Source{}
			if err := b.unmarshalObj(item, source); err != nil {
				return err
			}

			if source.Kind != model.KindChannel {
				return nil
			}

			if source.LeaseExpiresAt.After(deadline) {
				return nil
			}

			selected = append(selected, source)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].LeaseExpiresAt.Before(selected[j].LeaseExpiresAt)
	})

	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	return selected, nil
}

func (b *Badger) InsertItem(_ context.Context, item *model.Item) error {
	return b.update(func(txn *badger.Txn) error {
		// Index writes double as uniqueness checks, a duplicate URL or
		// fingerprint within the source surfaces as ErrAlreadyExists
		urlKey := b.getKey(itemURLIndexPath, item.SourceID, item.URL)
		if err := b.setObj(txn, urlKey, item.ID, false); err != nil {
			return err
		}

		fpKey := b.getKey(itemFpIndexPath, item.SourceID, item.Fingerprint)
		if err := b.setObj(txn, fpKey, item.ID, false); err != nil {
			return err
		}

		itemKey := b.getKey(itemPath, item.SourceID, item.ID)
		if err := b.setObj(txn, itemKey, item, false); err != nil {
			return errors.Wrapf(err, "failed to save item %q", item.ID)
		}

		return nil
	})
}

func (b *Badger) GetItemByURL(_ context.Context, sourceID, url string) (*model.Item, error) {
	return b.getItemByIndex(b.getKey(itemURLIndexPath, sourceID, url), sourceID)
}

func (b *Badger) GetItemByFingerprint(_ context.Context, sourceID, fingerprint string) (*model.Item, error) {
	return b.getItemByIndex(b.getKey(itemFpIndexPath, sourceID, fingerprint), sourceID)
}

func (b *Badger) getItemByIndex(indexKey []byte, sourceID string) (*model.Item, error) {
	var item model.Item

	if err := b.db.View(func(txn *badger.Txn) error {
		var itemID string
		if err := b.getObj(txn, indexKey, &itemID); err != nil {
			return err
		}

		return b.getObj(txn, b.getKey(itemPath, sourceID, itemID), &item)
	}); err != nil {
		return nil, err
	}

	return &item, nil
}

func (b *Badger) UpdateItem(_ context.Context, sourceID, itemID string, cb func(item *model.Item) error) error {
	var (
		key  = b.getKey(itemPath, sourceID, itemID)
		item model.Item
	)

	return b.update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &item); err != nil {
			return err
		}

		var (
			prevURL         = item.URL
			prevPublishedAt = item.PublishedAt
			prevFingerprint = item.Fingerprint
		)

		if err := cb(&item); err != nil {
			return err
		}

		if item.ID != itemID {
			return errors.New("can't change item ID")
		}

		// URL and publication date are immutable once set
		if item.URL != prevURL {
			return errors.New("can't change item URL")
		}

		if !item.PublishedAt.Equal(prevPublishedAt) {
			return errors.New("can't change item publication date")
		}

		if item.Fingerprint != prevFingerprint {
			if err := txn.Delete(b.getKey(itemFpIndexPath, sourceID, prevFingerprint)); err != nil {
				return err
			}

			fpKey := b.getKey(itemFpIndexPath, sourceID, item.Fingerprint)
			if err := b.setObj(txn, fpKey, item.ID, false); err != nil {
				return err
			}
		}

		return b.setObj(txn, key, &item, true)
	})
}

func (b *Badger) WalkItems(_ context.Context, sourceID string, cb func(item *model.Item) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(itemPrefix, sourceID)
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(entry *badger.Item) error {
			item := &model.Item{}
			if err := b.unmarshalObj(entry, item); err != nil {
				return err
			}

			return cb(item)
		})
	})
}

func (b *Badger) ListReclassifyCandidates(_ context.Context, limit int) ([]*model.Item, error) {
	var selected []*model.Item

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey("item/")
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(entry *badger.Item) error {
			if limit > 0 && len(selected) >= limit {
				return nil
			}

			item := &model.Item{}
			if err := b.unmarshalObj(entry, item); err != nil {
				return err
			}

			if item.VideoID == "" {
				return nil
			}

			if item.IsLive || item.ClassifiedAt.IsZero() || item.VideoType == "" {
				selected = append(selected, item)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return selected, nil
}

func (b *Badger) CreateJob(_ context.Context, job *model.Job) error {
	return b.update(func(txn *badger.Txn) error {
		return b.setObj(txn, b.getKey(jobPath, job.ID), job, false)
	})
}

func (b *Badger) UpdateJob(_ context.Context, id string, cb func(job *model.Job) error) error {
	var (
		key = b.getKey(jobPath, id)
		job model.Job
	)

	return b.update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &job); err != nil {
			return err
		}

		// Completed and failed runs are immutable audit records
		if job.Status == model.JobCompleted || job.Status == model.JobFailed {
			return errors.Errorf("job %q is already finalized", id)
		}

		if err := cb(&job); err != nil {
			return err
		}

		return b.setObj(txn, key, &job, true)
	})
}

func (b *Badger) AddSubscription(_ context.Context, sub *model.Subscription) error {
	return b.update(func(txn *badger.Txn) error {
		return b.setObj(txn, b.getKey(subPath, sub.SourceID, sub.ID), sub, false)
	})
}

func (b *Badger) ListSubscribers(_ context.Context, sourceID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(subPrefix, sourceID)
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(entry *badger.Item) error {
			sub := &model.Subscription{}
			if err := b.unmarshalObj(entry, sub); err != nil {
				return err
			}

			subs = append(subs, sub)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return subs, nil
}

func (b *Badger) sourceIndexKey(source *model.Source) ([]byte, error) {
	switch source.Kind {
	case model.KindChannel:
		if source.ChannelID == "" {
			return nil, errors.New("channel source without channel ID")
		}

		return b.getKey(channelIndexPath, source.ChannelID), nil
	case model.KindSite:
		if source.BaseURL == "" {
			return nil, errors.New("site source without base URL")
		}

		return b.getKey(siteIndexPath, source.BaseURL), nil
	default:
		return nil, errors.Errorf("unknown source kind %q", source.Kind)
	}
}

// update retries commit conflicts so parallel workers racing on the same
// keys see ErrAlreadyExists from the uniqueness checks instead of
// transaction errors
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = b.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}

	return err
}

func (b *Badger) iterator(txn *badger.Txn, opts badger.IteratorOptions, callback func(item *badger.Item) error) error {
	iter := txn.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()

		if err := callback(item); err != nil {
			return err
		}
	}

	return nil
}

func (b *Badger) getKey(format string, a ...interface{}) []byte {
	resourcePath := fmt.Sprintf(format, a...)
	fullPath := fmt.Sprintf("feedsync/v%d/%s", CurrentVersion, resourcePath)

	return []byte(fullPath)
}

func (b *Badger) setObj(txn *badger.Txn, key []byte, obj interface{}, overwrite bool) error {
	if !overwrite {
		// Overwrites are not allowed, make sure there is no object with the given key
		_, err := txn.Get(key)
		if err == nil {
			return model.ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return errors.Wrap(err, "failed to check whether key exists")
		}
	}

	data, err := b.marshalObj(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize object for key %q", key)
	}

	return txn.Set(key, data)
}

func (b *Badger) getObj(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return model.ErrNotFound
		}

		return err
	}

	return b.unmarshalObj(item, out)
}

func (b *Badger) marshalObj(obj interface{}) ([]byte, error) {
	return json.Marshal(obj)
}

func (b *Badger) unmarshalObj(item *badger.Item, out interface{}) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}
