package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newswire/internal/categorize"
	"horse.fit/newswire/internal/config"
	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/docstore/memstore"
	"horse.fit/newswire/internal/docstore/pgstore"
	"horse.fit/newswire/internal/httpapi"
	"horse.fit/newswire/internal/logging"
	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/poller"
	"horse.fit/newswire/internal/store"
)

const storeConnectTimeout = 10 * time.Second

// runtime bundles everything a command needs after bootstrap: config, logger,
// and the typed views over one docstore backend.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *metrics.Registry
	stories  *store.Stories
	articles *store.Articles
	states   *store.PollStates
	batches  *store.Batches
	pinger   httpapi.Pinger
	closeFn  func()
}

func (r *runtime) close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

// setup loads configuration and opens the backing store. With no DATABASE_URL
// the in-memory store is used, which is only useful for local runs since it
// forgets everything on exit.
func setup() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
		closeFn:  func() {},
	}

	if cfg.UsesPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		defer cancel()
		pg, err := pgstore.Open(ctx, pgstore.Config{
			DSN:         cfg.DatabaseURL,
			MinConns:    cfg.DBMinConns,
			MaxConns:    cfg.DBMaxConns,
			LogLevel:    cfg.LogLevel,
			Environment: cfg.Environment,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		rt.attach(pg)
		rt.pinger = pg
		rt.closeFn = func() { _ = pg.Close() }
		return rt, nil
	}

	logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	rt.attach(memstore.New())
	return rt, nil
}

func (r *runtime) attach(backend docstore.Store) {
	r.stories = store.NewStories(backend)
	r.articles = store.NewArticles(backend)
	r.states = store.NewPollStates(backend)
	r.batches = store.NewBatches(backend)
}

func (r *runtime) loadFeeds() ([]poller.Feed, error) {
	if r.cfg.FeedsFile != "" {
		return poller.LoadFeedsFile(r.cfg.FeedsFile)
	}
	return poller.DefaultFeeds()
}

func (r *runtime) loadCategorizer() (*categorize.Categorizer, error) {
	if r.cfg.CategoryTablesFile != "" {
		return categorize.LoadFile(r.cfg.CategoryTablesFile)
	}
	return categorize.Default()
}

func (r *runtime) newPoller() (*poller.Poller, error) {
	feeds, err := r.loadFeeds()
	if err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}
	cat, err := r.loadCategorizer()
	if err != nil {
		return nil, fmt.Errorf("load category tables: %w", err)
	}
	return poller.New(feeds, r.states, r.articles, cat, r.registry, r.logger, poller.Options{
		CyclePeriod:   r.cfg.PollCycle(),
		BatchSize:     r.cfg.PollBatchSize,
		FetchTimeout:  r.cfg.FetchTimeout(),
		MaxConcurrent: r.cfg.PollMaxConcurrent,
		RatePerSecond: r.cfg.FetchRatePerSecond,
	}), nil
}
