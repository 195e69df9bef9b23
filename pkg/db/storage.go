package db

import (
	"context"
	"time"

	"github.com/amakov/feedsync/pkg/model"
)

const (
	CurrentVersion = 1
)

type Storage interface {
	Close() error
	Version() (int, error)

	// UpsertSource inserts a source unless one with the same channel ID or
	// normalized base URL already exists, in which case the existing
	// source is returned. Resolution is idempotent.
	UpsertSource(ctx context.Context, source *model.Source) (*model.Source, error)

	// GetSource gets a source by ID
	GetSource(ctx context.Context, id string) (*model.Source, error)

	// UpdateSource mutates a source through a callback
	UpdateSource(ctx context.Context, id string, cb func(source *model.Source) error) error

	// ListStaleSources selects sources of the given kind and statuses whose
	// last attempt is missing or older than olderThan, oldest attempt
	// first, bounded to limit.
	ListStaleSources(ctx context.Context, kind model.SourceKind, statuses []model.SourceStatus, olderThan time.Time, limit int) ([]*model.Source, error)

	// ListExpiringLeases selects channel sources whose websub lease
	// expires before the deadline.
	ListExpiringLeases(ctx context.Context, deadline time.Time, limit int) ([]*model.Source, error)

	// InsertItem saves a new item. Returns model.ErrAlreadyExists when the
	// source already holds an item with the same URL or fingerprint.
	InsertItem(ctx context.Context, item *model.Item) error

	// GetItemByURL gets an item by its normalized URL
	GetItemByURL(ctx context.Context, sourceID, url string) (*model.Item, error)

	// GetItemByFingerprint gets an item by its content fingerprint
	GetItemByFingerprint(ctx context.Context, sourceID, fingerprint string) (*model.Item, error)

	// UpdateItem mutates an item through a callback
	UpdateItem(ctx context.Context, sourceID, itemID string, cb func(item *model.Item) error) error

	// WalkItems iterates over items that belong to the given source ID
	WalkItems(ctx context.Context, sourceID string, cb func(item *model.Item) error) error

	// ListReclassifyCandidates selects videos that are flagged live, were
	// never classified, or are missing a type, bounded to limit.
	ListReclassifyCandidates(ctx context.Context, limit int) ([]*model.Item, error)

	// CreateJob records an enqueued job run
	CreateJob(ctx context.Context, job *model.Job) error

	// UpdateJob mutates a job record through a callback
	UpdateJob(ctx context.Context, id string, cb func(job *model.Job) error) error

	// AddSubscription links a user to a source
	AddSubscription(ctx context.Context, sub *model.Subscription) error

	// ListSubscribers returns subscriptions attached to a source
	ListSubscribers(ctx context.Context, sourceID string) ([]*model.Subscription, error)
}
