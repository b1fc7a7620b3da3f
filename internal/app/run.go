package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"horse.fit/newswire/internal/cli"
	"horse.fit/newswire/internal/cluster"
	"horse.fit/newswire/internal/httpapi"
	"horse.fit/newswire/internal/llm"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/summarize"
)

// runPipeline starts every stage of the pipeline in one process: the feed
// poller, the clustering consumer, the summarizer, the periodic sweeps, and
// the read API. SIGINT/SIGTERM triggers an orderly drain.
func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	noAPI := fs.Bool("no-api", false, "Run the pipeline without the feed API server")
	shutdownGrace := fs.Duration("shutdown-grace", 60*time.Second, "Maximum time to wait for stages to drain on shutdown")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	rt, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer rt.close()
	logger := rt.logger

	p, err := rt.newPoller()
	if err != nil {
		logger.Error().Err(err).Msg("poller init failed")
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	engine := cluster.New(rt.articles, rt.stories, rt.registry, logger, cluster.Options{
		CandidateWindow: rt.cfg.CandidateWindow(),
		AttachThreshold: rt.cfg.AttachThreshold,
		BreakingWindow:  rt.cfg.BreakingWindow(),
		OnBreaking: func(story model.Story) {
			logger.Info().
				Str("story", story.ID).
				Str("category", story.Category).
				Str("title", story.Title).
				Int("sources", story.SourceCount).
				Msg("story went breaking")
		},
	})

	var dispatcher *summarize.Dispatcher
	if rt.cfg.OpenAIAPIKey != "" {
		provider, provErr := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey: rt.cfg.OpenAIAPIKey,
			Model:  rt.cfg.LLMModel,
		})
		if provErr != nil {
			logger.Error().Err(provErr).Msg("llm provider init failed")
			fmt.Fprintf(os.Stderr, "Failed to start: %v\n", provErr)
			return 1
		}
		dispatcher = summarize.New(rt.stories, rt.articles, rt.batches, provider, rt.registry, logger, summarize.Options{
			Workers:            rt.cfg.SummaryWorkers,
			QueueCapacity:      rt.cfg.SummaryQueueCapacity,
			MaxConcurrentCalls: int64(rt.cfg.MaxConcurrentLLMCalls),
			CallTimeout:        rt.cfg.LLMTimeout(),
			BackfillWindow:     rt.cfg.BackfillWindow(),
			HourlyCostCeiling:  rt.cfg.HourlyCostCeilingUSD,
			BatchThreshold:     rt.cfg.BatchThreshold,
			BatchMaxSize:       rt.cfg.BatchMaxSize,
		})
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set, summarization disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Dur("grace", *shutdownGrace).Msg("shutting down")
		cancel()
		timer := time.AfterFunc(*shutdownGrace, func() {
			logger.Error().Msg("shutdown grace elapsed, exiting hard")
			os.Exit(1)
		})
		defer timer.Stop()
		<-sigCh
		os.Exit(1)
	}()

	sched := cron.New()
	_, _ = sched.AddFunc(fmt.Sprintf("@every %dm", rt.cfg.StatusSweepMinutes), func() {
		sweepCtx, sweepCancel := context.WithTimeout(ctx, time.Minute)
		defer sweepCancel()
		if sweepErr := engine.Sweep(sweepCtx); sweepErr != nil && ctx.Err() == nil {
			logger.Error().Err(sweepErr).Msg("status sweep failed")
		}
	})
	if dispatcher != nil {
		_, _ = sched.AddFunc(fmt.Sprintf("@every %dm", rt.cfg.BackfillSweepMinutes), func() {
			bfCtx, bfCancel := context.WithTimeout(ctx, time.Minute)
			defer bfCancel()
			if bfErr := dispatcher.Backfill(bfCtx); bfErr != nil && ctx.Err() == nil {
				logger.Error().Err(bfErr).Msg("summary backfill failed")
			}
		})
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	if !*noAPI {
		srv := httpapi.NewServer(rt.stories, rt.registry, rt.pinger, logger, httpapi.Options{
			Host:       rt.cfg.HTTPHost,
			Port:       rt.cfg.HTTPPort,
			AdminToken: rt.cfg.AdminToken,
			FeedWindow: rt.cfg.FeedWindow(),
			CacheTTL:   rt.cfg.CacheTTL(),
		})
		g.Go(func() error { return srv.Start(gctx) })
	}

	logger.Info().Msg("pipeline started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("pipeline failed")
		fmt.Fprintf(os.Stderr, "Pipeline failed: %v\n", err)
		return 1
	}
	logger.Info().Msg("pipeline stopped")
	return 0
}
