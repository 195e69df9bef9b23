package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Server is the websub callback listener configuration
type Server struct {
	// Hostname to use for websub callback links
	Hostname string `toml:"hostname"`
	// Port is a server port to listen to
	Port int `toml:"port"`
}

// Database selects the storage backend. Either a badger directory or a
// PostgreSQL connection URL must be set, not both.
type Database struct {
	// Dir is a directory to keep badger database files
	Dir string `toml:"dir"`
	// Badger represents badger configuration parameters
	Badger *Badger `toml:"badger"`
	// PostgresURL enables the PostgreSQL backend when set
	PostgresURL string `toml:"postgres_url"`
}

// Badger represents badger configuration parameters
// See https://github.com/dgraph-io/badger#memory-usage
type Badger struct {
	Truncate bool `toml:"truncate"`
	FileIO   bool `toml:"file_io"`
}

// Redis configures the distributed lock and the resolver cache. When URL
// is empty locking degrades to a per-process no-op and caching is off.
type Redis struct {
	URL string `toml:"url"`
}

type Tokens struct {
	// YouTube API key.
	// See https://developers.google.com/youtube/registering_an_application
	YouTube string `toml:"youtube"`
}

// Scraper tunes the acquisition pipeline
type Scraper struct {
	// BatchSize is the maximum number of sources selected per scheduler tick
	BatchSize int `toml:"batch_size"`
	// Concurrency is the number of sources processed in parallel within a group
	Concurrency int `toml:"concurrency"`
	// GroupDelay is a politeness pause between concurrency groups
	GroupDelay Duration `toml:"group_delay"`
	// FetchTimeout is a hard timeout for every outbound document fetch
	FetchTimeout Duration `toml:"fetch_timeout"`
	// MaxCandidates caps article links considered by the HTML fallback
	MaxCandidates int `toml:"max_candidates"`
	// ExtractBatch is how many candidate pages are extracted in parallel
	ExtractBatch int `toml:"extract_batch"`
	// ExtractDelay is the pause between extraction batches
	ExtractDelay Duration `toml:"extract_delay"`
	// ErrorCooldown is how long an errored source waits before retry
	ErrorCooldown Duration `toml:"error_cooldown"`
	// StaleWindow is how old a successful attempt must be before re-scan
	StaleWindow Duration `toml:"stale_window"`
	// UserAgent sent with outbound requests and checked against robots.txt
	UserAgent string `toml:"user_agent"`
}

// Schedules are cron expressions per job class
type Schedules struct {
	FeedScan    string `toml:"feed_scan"`
	FeedRetry   string `toml:"feed_retry"`
	ChannelPoll string `toml:"channel_poll"`
	Reclassify  string `toml:"reclassify"`
	WebSubRenew string `toml:"websub_renew"`
}

// Queue configures notification handoff to SQS
type Queue struct {
	// URL of the SQS queue, fan-out is disabled when empty
	URL string `toml:"url"`
	// MaxDirect caps direct per-item dispatches for channel videos
	MaxDirect int `toml:"max_direct"`
}

// WebSub configures hub subscriptions for channel sources
type WebSub struct {
	// Hub is the publish/subscribe hub endpoint
	Hub string `toml:"hub"`
	// LeaseTTL requested from the hub
	LeaseTTL Duration `toml:"lease_ttl"`
	// RenewWindow renews leases that expire within this window
	RenewWindow Duration `toml:"renew_window"`
}

// Browser points to a managed rod launcher used for page rendering.
// When empty, rendering falls back to plain HTTP fetches.
type Browser struct {
	ServiceURL string   `toml:"service_url"`
	Timeout    Duration `toml:"timeout"`
}

type Config struct {
	Server    Server    `toml:"server"`
	Database  Database  `toml:"database"`
	Redis     Redis     `toml:"redis"`
	Tokens    Tokens    `toml:"tokens"`
	Scraper   Scraper   `toml:"scraper"`
	Schedules Schedules `toml:"schedules"`
	Queue     Queue     `toml:"queue"`
	WebSub    WebSub    `toml:"websub"`
	Browser   Browser   `toml:"browser"`
}

// LoadConfig loads TOML configuration from a file path
func LoadConfig(path string) (*Config, error) {
	config := Config{}
	_, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config file")
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if c.Database.Dir == "" && c.Database.PostgresURL == "" {
		result = multierror.Append(result, errors.New("database directory or postgres URL must be set"))
	}

	if c.Database.Dir != "" && c.Database.PostgresURL != "" {
		result = multierror.Append(result, errors.New("database directory and postgres URL are mutually exclusive"))
	}

	if c.Scraper.Concurrency <= 0 {
		result = multierror.Append(result, errors.New("scraper concurrency must be positive"))
	}

	if c.Scraper.BatchSize <= 0 {
		result = multierror.Append(result, errors.New("scraper batch size must be positive"))
	}

	return result.ErrorOrNil()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Scraper.BatchSize == 0 {
		c.Scraper.BatchSize = 50
	}

	if c.Scraper.Concurrency == 0 {
		c.Scraper.Concurrency = 8
	}

	if c.Scraper.GroupDelay.Duration == 0 {
		c.Scraper.GroupDelay.Duration = 2 * time.Second
	}

	if c.Scraper.FetchTimeout.Duration == 0 {
		c.Scraper.FetchTimeout.Duration = 30 * time.Second
	}

	if c.Scraper.MaxCandidates == 0 {
		c.Scraper.MaxCandidates = 20
	}

	if c.Scraper.ExtractBatch == 0 {
		c.Scraper.ExtractBatch = 5
	}

	if c.Scraper.ExtractDelay.Duration == 0 {
		c.Scraper.ExtractDelay.Duration = time.Second
	}

	if c.Scraper.ErrorCooldown.Duration == 0 {
		c.Scraper.ErrorCooldown.Duration = time.Hour
	}

	if c.Scraper.StaleWindow.Duration == 0 {
		c.Scraper.StaleWindow.Duration = 30 * time.Minute
	}

	if c.Scraper.UserAgent == "" {
		c.Scraper.UserAgent = "feedsync/1.0 (+https://github.com/amakov/feedsync)"
	}

	if c.Schedules.FeedScan == "" {
		c.Schedules.FeedScan = "@every 15m"
	}

	if c.Schedules.FeedRetry == "" {
		c.Schedules.FeedRetry = "@every 1h"
	}

	if c.Schedules.ChannelPoll == "" {
		c.Schedules.ChannelPoll = "@every 10m"
	}

	if c.Schedules.Reclassify == "" {
		c.Schedules.Reclassify = "@every 5m"
	}

	if c.Schedules.WebSubRenew == "" {
		c.Schedules.WebSubRenew = "@every 12h"
	}

	if c.Queue.MaxDirect == 0 {
		c.Queue.MaxDirect = 3
	}

	if c.WebSub.Hub == "" {
		c.WebSub.Hub = "https://pubsubhubbub.appspot.com/subscribe"
	}

	if c.WebSub.LeaseTTL.Duration == 0 {
		c.WebSub.LeaseTTL.Duration = 5 * 24 * time.Hour
	}

	if c.WebSub.RenewWindow.Duration == 0 {
		c.WebSub.RenewWindow.Duration = 24 * time.Hour
	}

	if c.Browser.Timeout.Duration == 0 {
		c.Browser.Timeout.Duration = 45 * time.Second
	}
}
