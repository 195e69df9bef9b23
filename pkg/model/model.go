package model

import (
	"time"
)

// SourceKind tells which acquisition pipeline a source goes through
type SourceKind string

const (
	KindSite    = SourceKind("site")
	KindChannel = SourceKind("channel")
)

// SourceStatus is the lifecycle state of a site source.
// Blocked is terminal and never auto-recovers, an operator has to
// reset the source back to pending.
type SourceStatus string

const (
	StatusPending = SourceStatus("pending")
	StatusActive  = SourceStatus("active")
	StatusError   = SourceStatus("error")
	StatusBlocked = SourceStatus("blocked")
)

// Source is a pollable origin of items: either a website (BaseURL plus a
// discovered FeedURL) or a YouTube channel (ChannelID).
type Source struct {
	ID   string
	Kind SourceKind

	// Site fields. BaseURL is normalized (lowercase host, no trailing
	// slash) before any uniqueness check.
	BaseURL string
	FeedURL string
	// ProxyFeed marks a constructed feed variant (e.g. a channel proxy)
	// for which there is no meaningful HTML fallback.
	ProxyFeed bool

	// Channel fields
	ChannelID      string
	LeaseExpiresAt time.Time
	LastCheckedAt  time.Time

	Title         string
	Status        SourceStatus
	LastAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// VideoType is derived from duration and live-status signals
type VideoType string

const (
	TypeVideo = VideoType("video")
	TypeShort = VideoType("short")
	TypeVOD   = VideoType("vod")
	TypeLive  = VideoType("live")
)

// Item is one piece of content belonging to exactly one source. Within a
// source both URL and Fingerprint are unique, a match on either one means
// the item is already known.
type Item struct {
	ID           string
	SourceID     string
	URL          string
	CanonicalURL string
	Title        string
	// Excerpt is truncated to MaxExcerptLen, never rewritten
	Excerpt     string
	Thumbnail   string
	Author      string
	PublishedAt time.Time
	FetchedAt   time.Time
	Fingerprint string

	// Video fields, set for channel sources only.
	// IsLiveContent latches: once true it is never cleared, even after
	// the stream ends and VideoType transitions live -> vod.
	VideoID       string
	VideoType     VideoType
	IsLive        bool
	IsLiveContent bool
	Duration      int64
	ClassifiedAt  time.Time
}

// MaxExcerptLen limits item excerpts
const MaxExcerptLen = 500

// JobStatus of a scheduled job run
type JobStatus string

const (
	JobPending   = JobStatus("pending")
	JobRunning   = JobStatus("running")
	JobCompleted = JobStatus("completed")
	JobFailed    = JobStatus("failed")
)

// Job is an audit record of one scheduled run. Completed and failed
// records are immutable except for retention cleanup.
type Job struct {
	ID            string
	Type          string
	TargetID      string
	Status        JobStatus
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	ResultSummary string
	LastError     string
}

// Subscription links a user to a source for notification fan-out
type Subscription struct {
	ID            string
	UserID        string
	SourceID      string
	NotifyEnabled bool
	DeviceTokens  []string
	CreatedAt     time.Time
}

// Truncate cuts s to at most max runes, ellipsis included
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	if max <= 3 {
		return string(runes[:max])
	}

	return string(runes[:max-3]) + "..."
}
