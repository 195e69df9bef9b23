package fetcher

import (
	"context"

	"github.com/pkg/errors"

	"github.com/amakov/feedsync/pkg/model"
)

// Result is a normalized snapshot of one acquisition run
type Result struct {
	// Title of the parsed feed or channel
	Title string
	// FeedURL that produced the items, set when discovery located a new
	// feed so the caller can persist it
	FeedURL string
	// Items in feed-document order
	Items []*model.Item
}

// Fetcher retrieves and parses a source's feed into normalized items
type Fetcher interface {
	Fetch(ctx context.Context, source *model.Source) (*Result, error)
}

// Dispatcher routes sources to the pipeline matching their kind
type Dispatcher struct {
	Site    Fetcher
	Channel Fetcher
}

var _ Fetcher = (*Dispatcher)(nil)

func (d *Dispatcher) Fetch(ctx context.Context, source *model.Source) (*Result, error) {
	switch source.Kind {
	case model.KindSite:
		return d.Site.Fetch(ctx, source)
	case model.KindChannel:
		return d.Channel.Fetch(ctx, source)
	default:
		return nil, errors.Errorf("unknown source kind %q", source.Kind)
	}
}
