package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/fetcher"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/reconcile"
)

// BatchConfig tunes source selection and fan-out for the scan jobs
type BatchConfig struct {
	BatchSize     int
	Concurrency   int
	GroupDelay    time.Duration
	StaleWindow   time.Duration
	ErrorCooldown time.Duration
}

func (c *BatchConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}

	if c.Concurrency == 0 {
		c.Concurrency = 8
	}

	if c.GroupDelay == 0 {
		c.GroupDelay = 2 * time.Second
	}

	if c.StaleWindow == 0 {
		c.StaleWindow = 30 * time.Minute
	}

	if c.ErrorCooldown == 0 {
		c.ErrorCooldown = time.Hour
	}
}

// scanTask selects stale sources of one kind and runs the acquisition
// pipeline over them in bounded concurrency groups
type scanTask struct {
	name     string
	ttl      time.Duration
	kind     model.SourceKind
	statuses []model.SourceStatus
	storage  db.Storage
	fetch    fetcher.Fetcher
	engine   *reconcile.Engine
	cfg      BatchConfig
}

// NewFeedScan builds the site scan job
func NewFeedScan(storage db.Storage, fetch fetcher.Fetcher, engine *reconcile.Engine, cfg BatchConfig) Task {
	cfg.applyDefaults()

	return &scanTask{
		name:     "feed-scan",
		ttl:      900 * time.Second,
		kind:     model.KindSite,
		statuses: []model.SourceStatus{model.StatusActive, model.StatusPending},
		storage:  storage,
		fetch:    fetch,
		engine:   engine,
		cfg:      cfg,
	}
}

// NewChannelPoll builds the channel poll job
func NewChannelPoll(storage db.Storage, fetch fetcher.Fetcher, engine *reconcile.Engine, cfg BatchConfig) Task {
	cfg.applyDefaults()

	return &scanTask{
		name:     "channel-poll",
		ttl:      600 * time.Second,
		kind:     model.KindChannel,
		statuses: []model.SourceStatus{model.StatusActive, model.StatusPending},
		storage:  storage,
		fetch:    fetch,
		engine:   engine,
		cfg:      cfg,
	}
}

func (t *scanTask) Name() string { return t.name }

func (t *scanTask) LockTTL() time.Duration { return t.ttl }

func (t *scanTask) Run(ctx context.Context) (string, error) {
	olderThan := time.Now().UTC().Add(-t.cfg.StaleWindow)

	sources, err := t.storage.ListStaleSources(ctx, t.kind, t.statuses, olderThan, t.cfg.BatchSize)
	if err != nil {
		return "", errors.Wrap(err, "failed to select stale sources")
	}

	if len(sources) == 0 {
		return "no stale sources", nil
	}

	var (
		mu    sync.Mutex
		total reconcile.Stats
	)

	// Fixed-size groups run concurrently, with a politeness pause
	// between groups
	for start := 0; start < len(sources); start += t.cfg.Concurrency {
		end := start + t.cfg.Concurrency
		if end > len(sources) {
			end = len(sources)
		}

		group, groupCtx := errgroup.WithContext(ctx)

		for _, source := range sources[start:end] {
			source := source

			group.Go(func() error {
				stats := t.processSource(groupCtx, source)

				mu.Lock()
				total.Created += stats.Created
				total.Updated += stats.Updated
				total.Unchanged += stats.Unchanged
				total.Failed += stats.Failed
				mu.Unlock()

				// Per-source failures never fail the group
				return nil
			})
		}

		_ = group.Wait()

		if end < len(sources) {
			select {
			case <-time.After(t.cfg.GroupDelay):
			case <-ctx.Done():
				return total.String(), ctx.Err()
			}
		}
	}

	return fmt.Sprintf("sources: %d, %s", len(sources), total), nil
}

// processSource runs fetch and reconcile for one source and folds the
// outcome into its status
func (t *scanTask) processSource(ctx context.Context, source *model.Source) reconcile.Stats {
	logger := log.WithFields(log.Fields{
		"job":       t.name,
		"source_id": source.ID,
	})

	result, err := t.fetch.Fetch(ctx, source)
	if err != nil {
		logger.WithError(err).Error("failed to fetch source")
		t.recordFailure(ctx, source, err)

		return reconcile.Stats{Failed: 1}
	}

	stats, err := t.engine.ReconcileAll(ctx, source, result.Items)
	if err != nil {
		logger.WithError(err).Warn("some items failed to reconcile")
	}

	t.recordSuccess(ctx, source, result)
	logger.Debugf("source done: %s", stats)

	return stats
}

func (t *scanTask) recordSuccess(ctx context.Context, source *model.Source, result *fetcher.Result) {
	err := t.storage.UpdateSource(ctx, source.ID, func(stored *model.Source) error {
		now := time.Now().UTC()

		stored.Status = model.StatusActive
		stored.LastAttemptAt = now
		stored.LastError = ""

		if stored.Kind == model.KindChannel {
			stored.LastCheckedAt = now
		}

		// Discovery outcome is persisted so the next pass skips straight
		// to the feed
		if result.FeedURL != "" {
			stored.FeedURL = result.FeedURL
		}

		if stored.Title == "" && result.Title != "" {
			stored.Title = result.Title
		}

		return nil
	})
	if err != nil {
		log.WithError(err).WithField("source_id", source.ID).Error("failed to update source")
	}
}

func (t *scanTask) recordFailure(ctx context.Context, source *model.Source, fetchErr error) {
	err := t.storage.UpdateSource(ctx, source.ID, func(stored *model.Source) error {
		stored.LastAttemptAt = time.Now().UTC()
		stored.LastError = fetchErr.Error()

		// Channels have no discovery lifecycle, their status stays put
		if stored.Kind != model.KindSite {
			return nil
		}

		if fetcher.IsBlocked(fetchErr) {
			stored.Status = model.StatusBlocked
		} else {
			stored.Status = model.StatusError
		}

		return nil
	})
	if err != nil {
		log.WithError(err).WithField("source_id", source.ID).Error("failed to update source")
	}
}

// retryTask resurrects errored site sources after a cooldown. This is
// the only path back from the error status, the main scan never picks
// those up.
type retryTask struct {
	storage db.Storage
	cfg     BatchConfig
}

func NewFeedRetry(storage db.Storage, cfg BatchConfig) Task {
	cfg.applyDefaults()

	return &retryTask{
		storage: storage,
		cfg:     cfg,
	}
}

func (t *retryTask) Name() string { return "feed-retry" }

func (t *retryTask) LockTTL() time.Duration { return 300 * time.Second }

func (t *retryTask) Run(ctx context.Context) (string, error) {
	olderThan := time.Now().UTC().Add(-t.cfg.ErrorCooldown)

	sources, err := t.storage.ListStaleSources(ctx, model.KindSite,
		[]model.SourceStatus{model.StatusError}, olderThan, t.cfg.BatchSize)
	if err != nil {
		return "", errors.Wrap(err, "failed to select errored sources")
	}

	resurrected := 0

	for _, source := range sources {
		err := t.storage.UpdateSource(ctx, source.ID, func(stored *model.Source) error {
			if stored.Status != model.StatusError {
				return nil
			}

			stored.Status = model.StatusPending

			return nil
		})
		if err != nil {
			log.WithError(err).WithField("source_id", source.ID).Error("failed to reset source")
			continue
		}

		resurrected++
	}

	return fmt.Sprintf("resurrected: %d", resurrected), nil
}

// Reclassifier revisits videos whose type may have changed
type Reclassifier interface {
	Run(ctx context.Context) (int, error)
}

type reclassifyTask struct {
	reclassifier Reclassifier
}

func NewReclassify(reclassifier Reclassifier) Task {
	return &reclassifyTask{reclassifier: reclassifier}
}

func (t *reclassifyTask) Name() string { return "reclassify" }

func (t *reclassifyTask) LockTTL() time.Duration { return 300 * time.Second }

func (t *reclassifyTask) Run(ctx context.Context) (string, error) {
	changed, err := t.reclassifier.Run(ctx)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("reclassified: %d", changed), nil
}

// Renewer extends push subscriptions that are about to lapse
type Renewer interface {
	RenewExpiring(ctx context.Context) (int, error)
}

type websubRenewTask struct {
	renewer Renewer
}

func NewWebSubRenew(renewer Renewer) Task {
	return &websubRenewTask{renewer: renewer}
}

func (t *websubRenewTask) Name() string { return "websub-renew" }

func (t *websubRenewTask) LockTTL() time.Duration { return 300 * time.Second }

func (t *websubRenewTask) Run(ctx context.Context) (string, error) {
	renewed, err := t.renewer.RenewExpiring(ctx)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("renewed: %d", renewed), nil
}
