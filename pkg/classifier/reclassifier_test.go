package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/model"
)

// youtubeVideo builds API video payloads for tests
type youtubeVideo struct {
	id             string
	duration       string
	broadcast      string
	hasLiveDetails bool
}

func (v *youtubeVideo) build() *youtube.Video {
	video := &youtube.Video{
		Id:      v.id,
		Snippet: &youtube.VideoSnippet{LiveBroadcastContent: v.broadcast},
	}

	if video.Snippet.LiveBroadcastContent == "" {
		video.Snippet.LiveBroadcastContent = "none"
	}

	if v.duration != "" {
		video.ContentDetails = &youtube.VideoContentDetails{Duration: v.duration}
	}

	if v.hasLiveDetails {
		video.LiveStreamingDetails = &youtube.VideoLiveStreamingDetails{}
	}

	return video
}

func fakeVideosAPI(t *testing.T, videos ...*youtubeVideo) *youtube.Service {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := &youtube.VideoListResponse{}
		for _, v := range videos {
			list.Items = append(list.Items, v.build())
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(list))
	}))

	t.Cleanup(srv.Close)

	yt, err := youtube.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	return yt
}

func openTestStorage(t *testing.T) db.Storage {
	t.Helper()

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, storage.Close())
	})

	return storage
}

func TestReclassifier_Run(t *testing.T) {
	ctx := context.Background()
	storage := openTestStorage(t)

	items := []*model.Item{
		{
			// A stream that ended since the last pass
			ID: "i1", SourceID: "src1", URL: "https://www.youtube.com/watch?v=v1",
			Fingerprint: "fp1", VideoID: "v1",
			VideoType: model.TypeLive, IsLive: true, IsLiveContent: true,
			PublishedAt: time.Now(), FetchedAt: time.Now(),
			ClassifiedAt: time.Now().Add(-time.Hour),
		},
		{
			// An upload that never got classified
			ID: "i2", SourceID: "src1", URL: "https://www.youtube.com/watch?v=v2",
			Fingerprint: "fp2", VideoID: "v2",
			PublishedAt: time.Now(), FetchedAt: time.Now(),
		},
	}

	for _, item := range items {
		require.NoError(t, storage.InsertItem(ctx, item))
	}

	yt := fakeVideosAPI(t,
		&youtubeVideo{id: "v1", duration: "PT2H", hasLiveDetails: true},
		&youtubeVideo{id: "v2", duration: "PT45S"},
	)

	r := NewReclassifier(storage, yt, 0)

	changed, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	ended, err := storage.GetItemByURL(ctx, "src1", items[0].URL)
	require.NoError(t, err)
	assert.Equal(t, model.TypeVOD, ended.VideoType)
	assert.False(t, ended.IsLive)
	assert.True(t, ended.IsLiveContent)

	short, err := storage.GetItemByURL(ctx, "src1", items[1].URL)
	require.NoError(t, err)
	assert.Equal(t, model.TypeShort, short.VideoType)
	assert.False(t, short.ClassifiedAt.IsZero())
}

func TestReclassifier_DeletedVideoSettles(t *testing.T) {
	ctx := context.Background()
	storage := openTestStorage(t)

	item := &model.Item{
		ID: "i1", SourceID: "src1", URL: "https://www.youtube.com/watch?v=gone",
		Fingerprint: "fp1", VideoID: "gone",
		VideoType: model.TypeLive, IsLive: true, IsLiveContent: true,
		PublishedAt: time.Now(), FetchedAt: time.Now(),
		ClassifiedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, storage.InsertItem(ctx, item))

	// The API no longer knows the video
	r := NewReclassifier(storage, fakeVideosAPI(t), 0)

	changed, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	stored, err := storage.GetItemByURL(ctx, "src1", item.URL)
	require.NoError(t, err)
	assert.False(t, stored.IsLive)
	assert.Equal(t, model.TypeVOD, stored.VideoType, "the latched live-content flag keeps it a vod")
}

func TestReclassifier_NoCandidates(t *testing.T) {
	storage := openTestStorage(t)

	r := NewReclassifier(storage, nil, 5)

	changed, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
}
