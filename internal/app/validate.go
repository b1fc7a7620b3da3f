package app

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/newswire/internal/categorize"
	"horse.fit/newswire/internal/poller"
)

// runValidate checks feed and category table files against their JSON schemas
// without touching the store. With no flags it validates the embedded
// defaults, which doubles as a build sanity check.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	feedsPath := fs.String("feeds", "", "Feeds JSON file to validate (default: embedded)")
	tablesPath := fs.String("tables", "", "Category tables JSON file to validate (default: embedded)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	exit := 0

	var feeds []poller.Feed
	var err error
	if *feedsPath != "" {
		feeds, err = poller.LoadFeedsFile(*feedsPath)
	} else {
		feeds, err = poller.DefaultFeeds()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "feeds: %v\n", err)
		exit = 1
	} else {
		fmt.Printf("feeds: ok (%d feeds)\n", len(feeds))
	}

	if *tablesPath != "" {
		_, err = categorize.LoadFile(*tablesPath)
	} else {
		_, err = categorize.Default()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "category tables: %v\n", err)
		exit = 1
	} else {
		fmt.Println("category tables: ok")
	}

	return exit
}
