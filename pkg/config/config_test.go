package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	const file = `
[server]
hostname = "https://feeds.example.com"
port = 4000

[database]
dir = "/tmp/feedsync"

[redis]
url = "redis://localhost:6379"

[tokens]
youtube = "key1"

[scraper]
batch_size = 25
concurrency = 6
group_delay = "5s"
error_cooldown = "2h"

[schedules]
feed_scan = "@every 10m"

[queue]
url = "https://sqs.us-east-1.amazonaws.com/123/notify"
max_direct = 3
`
	path := setup(t, file)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://feeds.example.com", config.Server.Hostname)
	assert.Equal(t, 4000, config.Server.Port)
	assert.Equal(t, "/tmp/feedsync", config.Database.Dir)
	assert.Equal(t, "redis://localhost:6379", config.Redis.URL)
	assert.Equal(t, "key1", config.Tokens.YouTube)

	assert.Equal(t, 25, config.Scraper.BatchSize)
	assert.Equal(t, 6, config.Scraper.Concurrency)
	assert.Equal(t, 5*time.Second, config.Scraper.GroupDelay.Duration)
	assert.Equal(t, 2*time.Hour, config.Scraper.ErrorCooldown.Duration)

	assert.Equal(t, "@every 10m", config.Schedules.FeedScan)
	assert.Equal(t, "@every 1h", config.Schedules.FeedRetry)

	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/notify", config.Queue.URL)
	assert.Equal(t, 3, config.Queue.MaxDirect)
}

func TestApplyDefaults(t *testing.T) {
	path := setup(t, `
[database]
dir = "/tmp/feedsync"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, 50, config.Scraper.BatchSize)
	assert.Equal(t, 8, config.Scraper.Concurrency)
	assert.Equal(t, 30*time.Second, config.Scraper.FetchTimeout.Duration)
	assert.Equal(t, 20, config.Scraper.MaxCandidates)
	assert.Equal(t, 5, config.Scraper.ExtractBatch)
	assert.Equal(t, time.Hour, config.Scraper.ErrorCooldown.Duration)
	assert.NotEmpty(t, config.Scraper.UserAgent)
	assert.NotEmpty(t, config.Schedules.ChannelPoll)
	assert.Equal(t, 24*time.Hour, config.WebSub.RenewWindow.Duration)
}

func TestValidate_NoDatabase(t *testing.T) {
	path := setup(t, `
[server]
port = 8080
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate_ConflictingDatabases(t *testing.T) {
	path := setup(t, `
[database]
dir = "/tmp/feedsync"
postgres_url = "postgres://localhost/feedsync"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func setup(t *testing.T, file string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feedsync.toml")
	err := os.WriteFile(path, []byte(file), 0600)
	require.NoError(t, err)

	return path
}
