package db

import (
	"context"
	"time"

	"github.com/go-pg/pg"
	"github.com/pkg/errors"

	"github.com/amakov/feedsync/pkg/model"
)

// Postgres is a go-pg backed Storage for multi-instance deployments
type Postgres struct {
	db *pg.DB
}

var _ Storage = (*Postgres)(nil)

func NewPG(connectionURL string) (*Postgres, error) {
	opts, err := pg.ParseURL(connectionURL)
	if err != nil {
		return nil, err
	}

	db := pg.Connect(opts)

	// Check database connectivity
	if _, err := db.ExecOne("SELECT 1"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to check database connectivity")
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Version() (int, error) {
	return CurrentVersion, nil
}

func (p *Postgres) UpsertSource(_ context.Context, source *model.Source) (*model.Source, error) {
	existing := &model.Source{}
	query := p.db.Model(existing)

	switch source.Kind {
	case model.KindChannel:
		query = query.Where("channel_id = ?", source.ChannelID)
	case model.KindSite:
		query = query.Where("base_url = ?", source.BaseURL)
	default:
		return nil, errors.Errorf("unknown source kind %q", source.Kind)
	}

	err := query.Select()
	if err == nil {
		return existing, nil
	}

	if err != pg.ErrNoRows {
		return nil, errors.Wrap(err, "failed to query source")
	}

	if _, err := p.db.Model(source).Insert(); err != nil {
		// Lost an insert race against a parallel resolver, the winner's
		// row is authoritative
		if isUniqueViolation(err) {
			if selErr := query.Select(); selErr == nil {
				return existing, nil
			}
		}

		return nil, errors.Wrap(err, "failed to save source")
	}

	return source, nil
}

func (p *Postgres) GetSource(_ context.Context, id string) (*model.Source, error) {
	source := &model.Source{ID: id}
	if err := p.db.Model(source).Where("id = ?", id).Select(); err != nil {
		if err == pg.ErrNoRows {
			return nil, model.ErrNotFound
		}

		return nil, errors.Wrapf(err, "failed to query source: %s", id)
	}

	return source, nil
}

func (p *Postgres) UpdateSource(ctx context.Context, id string, cb func(source *model.Source) error) error {
	return p.db.RunInTransaction(func(tx *pg.Tx) error {
		source := &model.Source{}
		if err := tx.Model(source).Where("id = ?", id).For("UPDATE").Select(); err != nil {
			if err == pg.ErrNoRows {
				return model.ErrNotFound
			}

			return err
		}

		if err := cb(source); err != nil {
			return err
		}

		if source.ID != id {
			return errors.New("can't change source ID")
		}

		_, err := tx.Model(source).Where("id = ?", id).Update()
		return err
	})
}

func (p *Postgres) ListStaleSources(
	_ context.Context,
	kind model.SourceKind,
	statuses []model.SourceStatus,
	olderThan time.Time,
	limit int,
) ([]*model.Source, error) {
	var sources []*model.Source

	query := p.db.Model(&sources).
		Where("kind = ?", kind).
		Where("last_attempt_at IS NULL OR last_attempt_at < ?", olderThan).
		Order("last_attempt_at ASC NULLS FIRST").
		Limit(limit)

	if len(statuses) > 0 {
		query = query.Where("status IN (?)", pg.In(statuses))
	}

	if err := query.Select(); err != nil {
		return nil, errors.Wrap(err, "failed to select stale sources")
	}

	return sources, nil
}

func (p *Postgres) ListExpiringLeases(_ context.Context, deadline time.Time, limit int) ([]*model.Source, error) {
	var sources []*model.Source

	err := p.db.Model(&sources).
		Where("kind = ?", model.KindChannel).
		Where("lease_expires_at IS NULL OR lease_expires_at <= ?", deadline).
		Order("lease_expires_at ASC NULLS FIRST").
		Limit(limit).
		Select()
	if err != nil {
		return nil, errors.Wrap(err, "failed to select expiring leases")
	}

	return sources, nil
}

func (p *Postgres) InsertItem(_ context.Context, item *model.Item) error {
	if _, err := p.db.Model(item).Insert(); err != nil {
		// Unique indexes on (source_id, url) and (source_id, fingerprint)
		// report the §4.4 duplicate race
		if isUniqueViolation(err) {
			return model.ErrAlreadyExists
		}

		return errors.Wrap(err, "failed to save item")
	}

	return nil
}

func (p *Postgres) GetItemByURL(_ context.Context, sourceID, url string) (*model.Item, error) {
	item := &model.Item{}
	err := p.db.Model(item).
		Where("source_id = ?", sourceID).
		Where("url = ?", url).
		Select()
	if err != nil {
		if err == pg.ErrNoRows {
			return nil, model.ErrNotFound
		}

		return nil, errors.Wrap(err, "failed to query item by url")
	}

	return item, nil
}

func (p *Postgres) GetItemByFingerprint(_ context.Context, sourceID, fingerprint string) (*model.Item, error) {
	item := &model.Item{}
	err := p.db.Model(item).
		Where("source_id = ?", sourceID).
		Where("fingerprint = ?", fingerprint).
		Select()
	if err != nil {
		if err == pg.ErrNoRows {
			return nil, model.ErrNotFound
		}

		return nil, errors.Wrap(err, "failed to query item by fingerprint")
	}

	return item, nil
}

func (p *Postgres) UpdateItem(_ context.Context, sourceID, itemID string, cb func(item *model.Item) error) error {
	return p.db.RunInTransaction(func(tx *pg.Tx) error {
		item := &model.Item{}
		err := tx.Model(item).
			Where("source_id = ?", sourceID).
			Where("id = ?", itemID).
			For("UPDATE").
			Select()
		if err != nil {
			if err == pg.ErrNoRows {
				return model.ErrNotFound
			}

			return err
		}

		var (
			prevURL         = item.URL
			prevPublishedAt = item.PublishedAt
		)

		if err := cb(item); err != nil {
			return err
		}

		if item.ID != itemID {
			return errors.New("can't change item ID")
		}

		if item.URL != prevURL {
			return errors.New("can't change item URL")
		}

		if !item.PublishedAt.Equal(prevPublishedAt) {
			return errors.New("can't change item publication date")
		}

		_, err = tx.Model(item).Where("id = ?", itemID).Update()
		return err
	})
}

func (p *Postgres) WalkItems(_ context.Context, sourceID string, cb func(item *model.Item) error) error {
	var items []*model.Item

	err := p.db.Model(&items).
		Where("source_id = ?", sourceID).
		Order("published_at ASC").
		Select()
	if err != nil {
		return errors.Wrap(err, "failed to select items")
	}

	for _, item := range items {
		if err := cb(item); err != nil {
			return err
		}
	}

	return nil
}

func (p *Postgres) ListReclassifyCandidates(_ context.Context, limit int) ([]*model.Item, error) {
	var items []*model.Item

	err := p.db.Model(&items).
		Where("video_id != ''").
		Where("is_live = TRUE OR classified_at IS NULL OR video_type = ''").
		Order("classified_at ASC NULLS FIRST").
		Limit(limit).
		Select()
	if err != nil {
		return nil, errors.Wrap(err, "failed to select reclassify candidates")
	}

	return items, nil
}

func (p *Postgres) CreateJob(_ context.Context, job *model.Job) error {
	if _, err := p.db.Model(job).Insert(); err != nil {
		return errors.Wrap(err, "failed to save job record")
	}

	return nil
}

func (p *Postgres) UpdateJob(_ context.Context, id string, cb func(job *model.Job) error) error {
	return p.db.RunInTransaction(func(tx *pg.Tx) error {
		job := &model.Job{}
		if err := tx.Model(job).Where("id = ?", id).For("UPDATE").Select(); err != nil {
			if err == pg.ErrNoRows {
				return model.ErrNotFound
			}

			return err
		}

		if job.Status == model.JobCompleted || job.Status == model.JobFailed {
			return errors.Errorf("job %q is already finalized", id)
		}

		if err := cb(job); err != nil {
			return err
		}

		_, err := tx.Model(job).Where("id = ?", id).Update()
		return err
	})
}

func (p *Postgres) AddSubscription(_ context.Context, sub *model.Subscription) error {
	if _, err := p.db.Model(sub).Insert(); err != nil {
		if isUniqueViolation(err) {
			return model.ErrAlreadyExists
		}

		return errors.Wrap(err, "failed to save subscription")
	}

	return nil
}

func (p *Postgres) ListSubscribers(_ context.Context, sourceID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription

	err := p.db.Model(&subs).
		Where("source_id = ?", sourceID).
		Select()
	if err != nil {
		return nil, errors.Wrap(err, "failed to select subscribers")
	}

	return subs, nil
}

func isUniqueViolation(err error) bool {
	pgErr, ok := err.(pg.Error)
	return ok && pgErr.IntegrityViolation()
}
