package websub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/model"
)

const (
	// DefaultHub is Google's public hub that carries YouTube topics
	DefaultHub = "https://pubsubhubbub.appspot.com/subscribe"

	topicTemplate = "https://www.youtube.com/xml/feeds/videos.xml?channel_id=%s"

	renewBatchSize = 50
)

// Config for hub subscriptions
type Config struct {
	// Hub endpoint to post subscription requests to
	Hub string
	// CallbackBase is this instance's public base URL
	CallbackBase string
	// LeaseTTL requested from the hub
	LeaseTTL time.Duration
	// RenewWindow renews leases expiring within it
	RenewWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Hub == "" {
		c.Hub = DefaultHub
	}

	if c.LeaseTTL == 0 {
		c.LeaseTTL = 5 * 24 * time.Hour
	}

	if c.RenewWindow == 0 {
		c.RenewWindow = 24 * time.Hour
	}
}

// Client subscribes channel sources to hub push delivery so new uploads
// arrive without waiting for the next poll
type Client struct {
	storage db.Storage
	client  *http.Client
	cfg     Config
}

func NewClient(storage db.Storage, cfg Config) *Client {
	cfg.applyDefaults()

	return &Client{
		storage: storage,
		client:  &http.Client{Timeout: 30 * time.Second},
		cfg:     cfg,
	}
}

// Subscribe asks the hub for push delivery of one channel's feed. The
// lease only becomes effective when the hub verifies the callback.
func (c *Client) Subscribe(ctx context.Context, source *model.Source) error {
	if source.ChannelID == "" {
		return errors.Errorf("source %s has no channel id", source.ID)
	}

	form := url.Values{
		"hub.callback":      {c.callbackURL(source.ID)},
		"hub.mode":          {"subscribe"},
		"hub.topic":         {fmt.Sprintf(topicTemplate, source.ChannelID)},
		"hub.verify":        {"async"},
		"hub.lease_seconds": {fmt.Sprintf("%d", int(c.cfg.LeaseTTL.Seconds()))},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to create subscribe request")
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach hub %s", c.cfg.Hub)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("hub rejected subscription with status %d", resp.StatusCode)
	}

	log.WithFields(log.Fields{
		"source_id":  source.ID,
		"channel_id": source.ChannelID,
	}).Debug("subscription requested")

	return nil
}

// RenewExpiring re-subscribes sources whose lease runs out within the
// renew window
func (c *Client) RenewExpiring(ctx context.Context) (int, error) {
	deadline := time.Now().UTC().Add(c.cfg.RenewWindow)

	sources, err := c.storage.ListExpiringLeases(ctx, deadline, renewBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to select expiring leases")
	}

	renewed := 0

	for _, source := range sources {
		if err := c.Subscribe(ctx, source); err != nil {
			log.WithError(err).WithField("source_id", source.ID).Error("failed to renew lease")
			continue
		}

		renewed++
	}

	return renewed, nil
}

func (c *Client) callbackURL(sourceID string) string {
	return strings.TrimSuffix(c.cfg.CallbackBase, "/") + "/websub/" + sourceID
}
