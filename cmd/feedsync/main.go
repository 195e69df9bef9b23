package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/amakov/feedsync/pkg/cache"
	"github.com/amakov/feedsync/pkg/classifier"
	"github.com/amakov/feedsync/pkg/config"
	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/fetcher"
	"github.com/amakov/feedsync/pkg/id"
	"github.com/amakov/feedsync/pkg/lock"
	"github.com/amakov/feedsync/pkg/notify"
	"github.com/amakov/feedsync/pkg/reconcile"
	"github.com/amakov/feedsync/pkg/render"
	"github.com/amakov/feedsync/pkg/resolver"
	"github.com/amakov/feedsync/pkg/scheduler"
	"github.com/amakov/feedsync/pkg/websub"
)

type Opts struct {
	ConfigPath string   `long:"config" short:"c" default:"config.toml" env:"FEEDSYNC_CONFIG_PATH"`
	Debug      bool     `long:"debug"`
	NoBanner   bool     `long:"no-banner"`
	Add        []string `long:"add" description:"resolve identifiers into sources, run one pass over them and exit"`
}

const banner = `
  __                  _
 / _| ___  ___  __| |___ _   _ _ __   ___
| |_ / _ \/ _ \/ _' / __| | | | '_ \ / __|
|  _|  __/  __/ (_| \__ \ |_| | | | | (__
|_|  \___|\___|\__,_|___/\__, |_| |_|\___|
                         |___/
`

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Parse args
	opts := Opts{}
	if _, err := flags.Parse(&opts); err != nil {
		log.WithError(err).Fatal("failed to parse command line arguments")
	}

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if !opts.NoBanner {
		log.Info(banner)
	}

	log.WithFields(log.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("running feedsync")

	// Load TOML file
	log.Debugf("loading configuration %q", opts.ConfigPath)
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration file")
	}

	storage := openStorage(cfg)
	defer storage.Close()

	locker := newLocker(cfg)

	var descriptorCache resolver.Cache
	if cfg.Redis.URL != "" {
		c, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis cache")
		}
		defer c.Close()

		descriptorCache = c
	}

	renderer := newRenderer(cfg)

	yt := newYouTube(ctx, cfg)

	ids, err := id.NewGenerator()
	if err != nil {
		log.WithError(err).Fatal("failed to create id generator")
	}

	var notifier reconcile.Notifier
	if cfg.Queue.URL != "" {
		pusher := notify.NewSQSPusher(ctx, cfg.Queue.URL)
		defer pusher.Close()

		notifier = notify.NewTrigger(storage, pusher, cfg.Queue.MaxDirect)
	} else {
		log.Warn("no queue configured, notification fan-out is disabled")
	}

	engine := reconcile.NewEngine(storage, ids, notifier)

	fetchOpts := fetcher.Options{
		UserAgent:     cfg.Scraper.UserAgent,
		Timeout:       cfg.Scraper.FetchTimeout.Duration,
		MaxCandidates: cfg.Scraper.MaxCandidates,
		ExtractBatch:  cfg.Scraper.ExtractBatch,
		ExtractDelay:  cfg.Scraper.ExtractDelay.Duration,
	}

	siteFetcher := fetcher.NewSiteFetcher(renderer, fetchOpts)
	channelFetcher := fetcher.NewChannelFetcher(yt, fetchOpts)

	res := resolver.New(storage, yt, renderer, descriptorCache, ids)

	if len(opts.Add) > 0 {
		addSources(ctx, opts.Add, res, engine, siteFetcher, channelFetcher)
		return
	}

	batchCfg := scheduler.BatchConfig{
		BatchSize:     cfg.Scraper.BatchSize,
		Concurrency:   cfg.Scraper.Concurrency,
		GroupDelay:    cfg.Scraper.GroupDelay.Duration,
		StaleWindow:   cfg.Scraper.StaleWindow.Duration,
		ErrorCooldown: cfg.Scraper.ErrorCooldown.Duration,
	}

	sched := scheduler.New(locker, storage, ids)

	schedule := func(spec string, task scheduler.Task) {
		if err := sched.Add(spec, task); err != nil {
			log.WithError(err).Fatalf("failed to schedule %s", task.Name())
		}
	}

	schedule(cfg.Schedules.FeedScan, scheduler.NewFeedScan(storage, siteFetcher, engine, batchCfg))
	schedule(cfg.Schedules.FeedRetry, scheduler.NewFeedRetry(storage, batchCfg))
	schedule(cfg.Schedules.ChannelPoll, scheduler.NewChannelPoll(storage, channelFetcher, engine, batchCfg))

	if yt != nil {
		schedule(cfg.Schedules.Reclassify, scheduler.NewReclassify(classifier.NewReclassifier(storage, yt, 0)))
	} else {
		log.Warn("no youtube api key configured, reclassification is disabled")
	}

	if cfg.Server.Hostname != "" {
		hub := websub.NewClient(storage, websub.Config{
			Hub:          cfg.WebSub.Hub,
			CallbackBase: fmt.Sprintf("https://%s", cfg.Server.Hostname),
			LeaseTTL:     cfg.WebSub.LeaseTTL.Duration,
			RenewWindow:  cfg.WebSub.RenewWindow.Duration,
		})

		schedule(cfg.Schedules.WebSubRenew, scheduler.NewWebSubRenew(hub))
	} else {
		log.Warn("no public hostname configured, push subscriptions are disabled")
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer func() {
			log.Info("shutting down scheduler")
			sched.Stop()
		}()

		sched.Start()

		<-ctx.Done()
		return ctx.Err()
	})

	// Run web server
	srv := NewServer(cfg, storage, engine)

	group.Go(func() error {
		log.Infof("running listener at %s", srv.Addr)
		return srv.ListenAndServe()
	})

	group.Go(func() error {
		// Shutdown web server
		defer func() {
			log.Info("shutting down web server")
			if err := srv.Shutdown(context.Background()); err != nil {
				log.WithError(err).Error("server shutdown failed")
			}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			cancel()
			return nil
		}
	})

	if err := group.Wait(); err != nil && (err != context.Canceled && err != http.ErrServerClosed) {
		log.WithError(err).Error("wait error")
	}

	log.Info("gracefully stopped")
}

func openStorage(cfg *config.Config) db.Storage {
	if cfg.Database.PostgresURL != "" {
		storage, err := db.NewPG(cfg.Database.PostgresURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}

		return storage
	}

	dbCfg := &db.Config{Dir: cfg.Database.Dir}
	if cfg.Database.Badger != nil {
		dbCfg.Badger = &db.BadgerConfig{
			Truncate: cfg.Database.Badger.Truncate,
			FileIO:   cfg.Database.Badger.FileIO,
		}
	}

	storage, err := db.NewBadger(dbCfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}

	return storage
}

func newLocker(cfg *config.Config) lock.Locker {
	if cfg.Redis.URL == "" {
		log.Warn("no redis configured, cross-instance locking is disabled")
		return lock.Noop{}
	}

	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	locker, err := lock.NewRedisLock(cfg.Redis.URL, holder)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis lock store")
	}

	return locker
}

func newRenderer(cfg *config.Config) render.Renderer {
	if cfg.Browser.ServiceURL != "" {
		browser, err := render.NewBrowser(cfg.Browser.ServiceURL, cfg.Browser.Timeout.Duration)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to browser service")
		}

		return browser
	}

	return render.NewHTTPRenderer(cfg.Scraper.FetchTimeout.Duration, cfg.Scraper.UserAgent)
}

func newYouTube(ctx context.Context, cfg *config.Config) *youtube.Service {
	if cfg.Tokens.YouTube == "" {
		return nil
	}

	yt, err := youtube.NewService(ctx, option.WithAPIKey(cfg.Tokens.YouTube))
	if err != nil {
		log.WithError(err).Fatal("failed to create youtube client")
	}

	return yt
}

// addSources resolves identifiers from the command line and runs one
// acquisition pass over each so new sources show content right away
func addSources(ctx context.Context, identifiers []string, res *resolver.Resolver, engine *reconcile.Engine, site, channel fetcher.Fetcher) {
	dispatcher := &fetcher.Dispatcher{Site: site, Channel: channel}

	for _, identifier := range identifiers {
		source, err := res.Resolve(ctx, identifier)
		if err != nil {
			log.WithError(err).Errorf("failed to resolve %q", identifier)
			continue
		}

		log.WithFields(log.Fields{
			"source_id": source.ID,
			"kind":      source.Kind,
		}).Infof("resolved %q", identifier)

		result, err := dispatcher.Fetch(ctx, source)
		if err != nil {
			log.WithError(err).Errorf("failed to fetch %q", identifier)
			continue
		}

		stats, err := engine.ReconcileAll(ctx, source, result.Items)
		if err != nil {
			log.WithError(err).Warn("some items failed to reconcile")
		}

		log.Infof("%q done: %s", identifier, stats)
	}
}
