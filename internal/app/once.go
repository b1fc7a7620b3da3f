package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/newswire/internal/cli"
	"horse.fit/newswire/internal/cluster"
	"horse.fit/newswire/internal/llm"
	"horse.fit/newswire/internal/summarize"
)

// runPollOnce executes a single poll cycle and prints what it ingested.
func runPollOnce(args []string) int {
	fs := flag.NewFlagSet("poll-once", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Cycle deadline")

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

	p, err := rt.newPoller()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := p.RunOnce(ctx)
	if err != nil {
		rt.logger.Error().Err(err).Msg("poll cycle failed")
		fmt.Fprintf(os.Stderr, "Poll cycle failed: %v\n", err)
		return 1
	}
	fmt.Printf("polled %d feeds: %d new articles, %d duplicates\n",
		result.FeedsPolled, result.Inserted, result.Duplicates)
	return 0
}

// runClusterOnce drains the article change feed for a bounded duration, then
// runs one status sweep.
func runClusterOnce(args []string) int {
	fs := flag.NewFlagSet("cluster-once", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	duration := fs.Duration("duration", 30*time.Second, "How long to drain the change feed")

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

	engine := cluster.New(rt.articles, rt.stories, rt.registry, rt.logger, cluster.Options{
		CandidateWindow: rt.cfg.CandidateWindow(),
		AttachThreshold: rt.cfg.AttachThreshold,
		BreakingWindow:  rt.cfg.BreakingWindow(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	if err := engine.Run(ctx); err != nil && !isDeadline(err) {
		rt.logger.Error().Err(err).Msg("clustering failed")
		fmt.Fprintf(os.Stderr, "Clustering failed: %v\n", err)
		return 1
	}

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
	defer sweepCancel()
	if err := engine.Sweep(sweepCtx); err != nil {
		rt.logger.Error().Err(err).Msg("status sweep failed")
		fmt.Fprintf(os.Stderr, "Status sweep failed: %v\n", err)
		return 1
	}

	snap := rt.registry.Snapshot()
	fmt.Printf("clustered for %s: %d stories created\n", *duration, snap.StoriesCreated24h)
	return 0
}

// runSummarizeOnce backfills pending stories and drains the queue for a
// bounded duration.
func runSummarizeOnce(args []string) int {
	fs := flag.NewFlagSet("summarize-once", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	duration := fs.Duration("duration", 2*time.Minute, "How long to drain the summary queue")

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

	if rt.cfg.OpenAIAPIKey == "" {
		fmt.Fprintln(os.Stderr, "OPENAI_API_KEY is required for summarize-once")
		return 2
	}
	provider, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey: rt.cfg.OpenAIAPIKey,
		Model:  rt.cfg.LLMModel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	dispatcher := summarize.New(rt.stories, rt.articles, rt.batches, provider, rt.registry, rt.logger, summarize.Options{
		Workers:            rt.cfg.SummaryWorkers,
		QueueCapacity:      rt.cfg.SummaryQueueCapacity,
		MaxConcurrentCalls: int64(rt.cfg.MaxConcurrentLLMCalls),
		CallTimeout:        rt.cfg.LLMTimeout(),
		BackfillWindow:     rt.cfg.BackfillWindow(),
		HourlyCostCeiling:  rt.cfg.HourlyCostCeilingUSD,
		BatchThreshold:     rt.cfg.BatchThreshold,
		BatchMaxSize:       rt.cfg.BatchMaxSize,
	})

	bfCtx, bfCancel := context.WithTimeout(context.Background(), time.Minute)
	defer bfCancel()
	if err := dispatcher.Backfill(bfCtx); err != nil {
		rt.logger.Error().Err(err).Msg("backfill failed")
		fmt.Fprintf(os.Stderr, "Backfill failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	if err := dispatcher.Run(ctx); err != nil && !isDeadline(err) {
		rt.logger.Error().Err(err).Msg("summarization failed")
		fmt.Fprintf(os.Stderr, "Summarization failed: %v\n", err)
		return 1
	}

	snap := rt.registry.Snapshot()
	fmt.Printf("summarized for %s: %d summaries generated\n", *duration, snap.SummariesGenerated24h)
	return 0
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
