// Package app implements the newswire CLI commands.
package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "poll-once":
		return runPollOnce(args[1:])
	case "cluster-once":
		return runClusterOnce(args[1:])
	case "summarize-once":
		return runSummarizeOnce(args[1:])
	case "serve":
		return runServe(args[1:])
	case "run":
		return runPipeline(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "newswire CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  newswire <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health          Verify backing-store connectivity")
	fmt.Fprintln(os.Stderr, "  validate        Validate feed and category table files against their schemas")
	fmt.Fprintln(os.Stderr, "  poll-once       Run a single poll cycle and print the result")
	fmt.Fprintln(os.Stderr, "  cluster-once    Drain the article change feed for a bounded duration")
	fmt.Fprintln(os.Stderr, "  summarize-once  Backfill and drain the summary queue for a bounded duration")
	fmt.Fprintln(os.Stderr, "  serve           Start the feed API server")
	fmt.Fprintln(os.Stderr, "  run             Start the full pipeline: poller, clustering, summarizer, API")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"newswire <command> -h\" for command-specific flags.")
}
