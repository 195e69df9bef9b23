package websub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/id"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/reconcile"
)

const testChannelID = "UC5XPnUk8Vvv_pWslhwom6Og"

type fakeHub struct {
	mu       sync.Mutex
	requests []url.Values
	status   int
}

func (f *fakeHub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		f.mu.Lock()
		f.requests = append(f.requests, r.PostForm)
		f.mu.Unlock()

		status := f.status
		if status == 0 {
			status = http.StatusAccepted
		}

		w.WriteHeader(status)
	})
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests)
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

func addChannel(t *testing.T, storage db.Storage, sourceID string, leaseExpiresAt time.Time) *model.Source {
	t.Helper()

	source, err := storage.UpsertSource(context.Background(), &model.Source{
		ID:             sourceID,
		Kind:           model.KindChannel,
		ChannelID:      testChannelID,
		Status:         model.StatusActive,
		LeaseExpiresAt: leaseExpiresAt,
	})
	require.NoError(t, err)

	return source
}

func TestSubscribe(t *testing.T) {
	hub := &fakeHub{}
	hubSrv := httptest.NewServer(hub.handler())
	defer hubSrv.Close()

	storage := openStorage(t)
	source := addChannel(t, storage, "src1", time.Time{})

	client := NewClient(storage, Config{
		Hub:          hubSrv.URL,
		CallbackBase: "https://feeds.example.com/",
		LeaseTTL:     time.Hour,
	})

	require.NoError(t, client.Subscribe(context.Background(), source))

	require.Equal(t, 1, hub.count())

	form := hub.requests[0]
	assert.Equal(t, "subscribe", form.Get("hub.mode"))
	assert.Equal(t, "https://feeds.example.com/websub/src1", form.Get("hub.callback"))
	assert.Equal(t, "https://www.youtube.com/xml/feeds/videos.xml?channel_id="+testChannelID, form.Get("hub.topic"))
	assert.Equal(t, "3600", form.Get("hub.lease_seconds"))
}

func TestSubscribe_HubRejects(t *testing.T) {
	hub := &fakeHub{status: http.StatusBadRequest}
	hubSrv := httptest.NewServer(hub.handler())
	defer hubSrv.Close()

	storage := openStorage(t)
	source := addChannel(t, storage, "src1", time.Time{})

	client := NewClient(storage, Config{Hub: hubSrv.URL, CallbackBase: "https://feeds.example.com"})

	assert.Error(t, client.Subscribe(context.Background(), source))
}

func TestRenewExpiring(t *testing.T) {
	hub := &fakeHub{}
	hubSrv := httptest.NewServer(hub.handler())
	defer hubSrv.Close()

	storage := openStorage(t)

	addChannel(t, storage, "expiring", time.Now().UTC().Add(6*time.Hour))
	addChannel(t, storage, "fresh", time.Now().UTC().Add(72*time.Hour))
	addChannel(t, storage, "never", time.Time{})

	client := NewClient(storage, Config{
		Hub:          hubSrv.URL,
		CallbackBase: "https://feeds.example.com",
		RenewWindow:  24 * time.Hour,
	})

	renewed, err := client.RenewExpiring(context.Background())
	require.NoError(t, err)

	// The never-subscribed channel counts as expiring too
	assert.Equal(t, 2, renewed)
	assert.Equal(t, 2, hub.count())
}

func TestHandler_Verification(t *testing.T) {
	storage := openStorage(t)
	addChannel(t, storage, "src1", time.Time{})

	handler := NewHandler(storage, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/websub/src1?hub.mode=subscribe&hub.challenge=abc123&hub.lease_seconds=3600", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())

	source, err := storage.GetSource(context.Background(), "src1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), source.LeaseExpiresAt, time.Minute)
}

func TestHandler_UnknownSource(t *testing.T) {
	storage := openStorage(t)
	handler := NewHandler(storage, nil)

	req := httptest.NewRequest(http.MethodGet, "/websub/nope?hub.challenge=x", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const pushFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
	<title>Example Channel</title>
	<entry>
		<id>yt:video:dQw4w9WgXcQ</id>
		<yt:videoId>dQw4w9WgXcQ</yt:videoId>
		<title>Pushed upload</title>
		<link rel="alternate" href="https://www.youtube.com/watch?v=dQw4w9WgXcQ"/>
		<published>2024-04-01T12:00:00+00:00</published>
	</entry>
</feed>`

func TestHandler_Delivery(t *testing.T) {
	storage := openStorage(t)
	source := addChannel(t, storage, "src1", time.Now().Add(time.Hour))

	gen, err := id.NewGenerator()
	require.NoError(t, err)

	engine := reconcile.NewEngine(storage, gen, nil)
	handler := NewHandler(storage, engine)

	req := httptest.NewRequest(http.MethodPost, "/websub/src1", strings.NewReader(pushFixture))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	item, err := storage.GetItemByURL(context.Background(), source.ID, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "Pushed upload", item.Title)
	assert.Equal(t, "dQw4w9WgXcQ", item.VideoID)
	assert.Empty(t, item.VideoType, "pushed items wait for the reclassify pass")
}

func TestHandler_UnparseableDelivery(t *testing.T) {
	storage := openStorage(t)
	addChannel(t, storage, "src1", time.Now().Add(time.Hour))

	handler := NewHandler(storage, nil)

	req := httptest.NewRequest(http.MethodPost, "/websub/src1", strings.NewReader("not xml"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
