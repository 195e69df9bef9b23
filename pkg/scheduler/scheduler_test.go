package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/fetcher"
	"github.com/amakov/feedsync/pkg/id"
	"github.com/amakov/feedsync/pkg/lock"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/reconcile"
	"github.com/amakov/feedsync/pkg/render"
)

// onceLocker grants each key exactly once, like a shared lock store
// would for two racing instances
type onceLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *onceLocker) TryAcquire(key string, _ time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		l.held = map[string]bool{}
	}

	if l.held[key] {
		return false
	}

	l.held[key] = true

	return true
}

func (l *onceLocker) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
}

type countingTask struct {
	runs    int64
	block   chan struct{}
	summary string
}

func (t *countingTask) Name() string { return "counting" }

func (t *countingTask) LockTTL() time.Duration { return time.Minute }

func (t *countingTask) Run(context.Context) (string, error) {
	atomic.AddInt64(&t.runs, 1)

	if t.block != nil {
		<-t.block
	}

	return t.summary, nil
}

func openStorage(t *testing.T) db.Storage {
	t.Helper()

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, storage.Close())
	})

	return storage
}

func newIDs(t *testing.T) *id.Generator {
	t.Helper()

	gen, err := id.NewGenerator()
	require.NoError(t, err)

	return gen
}

func TestTick_MutualExclusion(t *testing.T) {
	locker := &onceLocker{}
	storage := openStorage(t)

	task := &countingTask{block: make(chan struct{})}

	// Two scheduler instances share the lock store, their in-memory
	// flags are separate
	s1 := New(locker, storage, newIDs(t))
	s2 := New(locker, storage, newIDs(t))

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		s1.tick(context.Background(), task, new(int32))
	}()
	go func() {
		defer wg.Done()
		// Give the first tick a head start on the lock
		time.Sleep(50 * time.Millisecond)
		s2.tick(context.Background(), task, new(int32))
	}()

	time.Sleep(100 * time.Millisecond)
	close(task.block)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&task.runs))
}

func TestTick_SameProcessReentrancy(t *testing.T) {
	storage := openStorage(t)
	s := New(lock.Noop{}, storage, newIDs(t))

	task := &countingTask{block: make(chan struct{})}
	running := new(int32)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tick(context.Background(), task, running)
	}()

	time.Sleep(50 * time.Millisecond)

	// Second tick on the same flag returns immediately
	s.tick(context.Background(), task, running)
	assert.EqualValues(t, 1, atomic.LoadInt64(&task.runs))

	close(task.block)
	wg.Wait()
}

func TestTick_RecordsJobOutcome(t *testing.T) {
	storage := &recordingStorage{Storage: openStorage(t)}
	s := New(lock.Noop{}, storage, newIDs(t))

	task := &countingTask{summary: "sources: 3"}
	s.tick(context.Background(), task, new(int32))

	job := storage.single(t)
	assert.Equal(t, "counting", job.Type)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, "sources: 3", job.ResultSummary)
	assert.False(t, job.CompletedAt.IsZero())
}

// recordingStorage captures the final state of job records as they are
// written, completed jobs cannot be read back through UpdateJob
type recordingStorage struct {
	db.Storage

	mu    sync.Mutex
	final []*model.Job
}

func (s *recordingStorage) UpdateJob(ctx context.Context, jobID string, cb func(job *model.Job) error) error {
	return s.Storage.UpdateJob(ctx, jobID, func(job *model.Job) error {
		if err := cb(job); err != nil {
			return err
		}

		copied := *job

		s.mu.Lock()
		s.final = append(s.final, &copied)
		s.mu.Unlock()

		return nil
	})
}

func (s *recordingStorage) single(t *testing.T) *model.Job {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	require.Len(t, s.final, 1)

	return s.final[0]
}

type fakeNotifier struct {
	count int64
}

func (f *fakeNotifier) NotifyNewItem(context.Context, *model.Source, *model.Item) error {
	atomic.AddInt64(&f.count, 1)
	return nil
}

func TestFeedScan_EndToEnd(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Example Blog</title>
<item><title>One</title><link>%[1]s/posts/one</link></item>
<item><title>Two</title><link>%[1]s/posts/two</link></item>
<item><title>Three</title><link>%[1]s/posts/three</link></item>
</channel></rss>`, srv.URL)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	storage := openStorage(t)
	notifier := &fakeNotifier{}
	engine := reconcile.NewEngine(storage, newIDs(t), notifier)

	opts := fetcher.Options{ExtractDelay: time.Millisecond}
	siteFetcher := fetcher.NewSiteFetcher(render.NewHTTPRenderer(5*time.Second, "feedsync-test"), opts)

	source, err := storage.UpsertSource(ctx, &model.Source{
		ID:      "src1",
		Kind:    model.KindSite,
		BaseURL: srv.URL,
		Status:  model.StatusPending,
	})
	require.NoError(t, err)

	task := NewFeedScan(storage, siteFetcher, engine, BatchConfig{GroupDelay: time.Millisecond})

	summary, err := task.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "created: 3")

	updated, err := storage.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, updated.Status)
	assert.Equal(t, srv.URL+"/feed", updated.FeedURL)
	assert.Equal(t, "Example Blog", updated.Title)
	assert.Empty(t, updated.LastError)
	assert.False(t, updated.LastAttemptAt.IsZero())

	count := 0
	require.NoError(t, storage.WalkItems(ctx, source.ID, func(item *model.Item) error {
		count++
		assert.NotEmpty(t, item.Fingerprint)
		return nil
	}))
	assert.Equal(t, 3, count)
	assert.EqualValues(t, 3, atomic.LoadInt64(&notifier.count))

	// A second pass right away finds nothing stale
	summary, err = task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no stale sources", summary)
}

func TestFeedScan_BlockedSource(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
	})

	storage := openStorage(t)
	engine := reconcile.NewEngine(storage, newIDs(t), nil)
	siteFetcher := fetcher.NewSiteFetcher(render.NewHTTPRenderer(5*time.Second, "feedsync-test"), fetcher.Options{})

	_, err := storage.UpsertSource(ctx, &model.Source{
		ID:      "src1",
		Kind:    model.KindSite,
		BaseURL: srv.URL,
		Status:  model.StatusPending,
	})
	require.NoError(t, err)

	task := NewFeedScan(storage, siteFetcher, engine, BatchConfig{GroupDelay: time.Millisecond})

	_, err = task.Run(ctx)
	require.NoError(t, err)

	blocked, err := storage.GetSource(ctx, "src1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, blocked.Status)
	assert.NotEmpty(t, blocked.LastError)

	// Blocked is terminal, the next scan skips it
	summary, err := task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no stale sources", summary)
}

func TestFeedRetry_ResurrectsAfterCooldown(t *testing.T) {
	ctx := context.Background()
	storage := openStorage(t)

	stale := &model.Source{
		ID: "old", Kind: model.KindSite, BaseURL: "https://old.example.com",
		Status: model.StatusError, LastAttemptAt: time.Now().Add(-2 * time.Hour),
	}
	fresh := &model.Source{
		ID: "fresh", Kind: model.KindSite, BaseURL: "https://fresh.example.com",
		Status: model.StatusError, LastAttemptAt: time.Now(),
	}
	blocked := &model.Source{
		ID: "blocked", Kind: model.KindSite, BaseURL: "https://blocked.example.com",
		Status: model.StatusBlocked, LastAttemptAt: time.Now().Add(-2 * time.Hour),
	}

	for _, s := range []*model.Source{stale, fresh, blocked} {
		_, err := storage.UpsertSource(ctx, s)
		require.NoError(t, err)
	}

	task := NewFeedRetry(storage, BatchConfig{ErrorCooldown: time.Hour})

	summary, err := task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resurrected: 1", summary)

	resurrected, err := storage.GetSource(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, resurrected.Status)

	untouched, err := storage.GetSource(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, untouched.Status, "cooldown not reached yet")

	terminal, err := storage.GetSource(ctx, "blocked")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, terminal.Status, "blocked never auto-recovers")
}
