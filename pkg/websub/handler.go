package websub

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/fetcher"
	"github.com/amakov/feedsync/pkg/model"
	"github.com/amakov/feedsync/pkg/reconcile"
)

const maxPushBody = 1 << 20

// Handler serves the hub callback: GET verifies subscription intent,
// POST delivers feed documents which flow into the same reconciliation
// entrypoint the poller uses.
type Handler struct {
	storage db.Storage
	engine  *reconcile.Engine
}

func NewHandler(storage db.Storage, engine *reconcile.Engine) *Handler {
	return &Handler{
		storage: storage,
		engine:  engine,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimPrefix(r.URL.Path, "/websub/")
	if sourceID == "" || strings.Contains(sourceID, "/") {
		http.NotFound(w, r)
		return
	}

	source, err := h.storage.GetSource(r.Context(), sourceID)
	if err != nil {
		if errors.Cause(err) == model.ErrNotFound {
			http.NotFound(w, r)
		} else {
			log.WithError(err).Error("failed to load source for callback")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}

		return
	}

	switch r.Method {
	case http.MethodGet:
		h.verify(w, r, source)
	case http.MethodPost:
		h.deliver(w, r, source)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// verify echoes the hub's challenge and records the granted lease
func (h *Handler) verify(w http.ResponseWriter, r *http.Request, source *model.Source) {
	query := r.URL.Query()

	challenge := query.Get("hub.challenge")
	if challenge == "" {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}

	if query.Get("hub.mode") == "subscribe" {
		leaseSeconds, err := strconv.Atoi(query.Get("hub.lease_seconds"))
		if err != nil || leaseSeconds <= 0 {
			leaseSeconds = int((5 * 24 * time.Hour).Seconds())
		}

		expiresAt := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)

		err = h.storage.UpdateSource(r.Context(), source.ID, func(stored *model.Source) error {
			stored.LeaseExpiresAt = expiresAt
			return nil
		})
		if err != nil {
			log.WithError(err).WithField("source_id", source.ID).Error("failed to record lease")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		log.WithFields(log.Fields{
			"source_id":  source.ID,
			"expires_at": expiresAt,
		}).Info("subscription verified")
	}

	_, _ = w.Write([]byte(challenge))
}

// deliver reconciles a pushed feed document. Items arrive without video
// details, the periodic reclassify pass fills those in.
func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, source *model.Source) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		log.WithError(err).WithField("source_id", source.ID).Warn("unparseable push delivery")
		http.Error(w, "unparseable document", http.StatusBadRequest)
		return
	}

	items := fetcher.ItemsFromChannelFeed(feed)

	stats, err := h.engine.ReconcileAll(r.Context(), source, items)
	if err != nil {
		log.WithError(err).WithField("source_id", source.ID).Warn("some pushed items failed to reconcile")
	}

	log.WithFields(log.Fields{
		"source_id": source.ID,
		"items":     len(items),
	}).Debugf("push delivery reconciled: %s", stats)

	w.WriteHeader(http.StatusNoContent)
}
