// Command gristql inspects a Grist server through the virtual-table
// adapter: pass a grist:// URI and get the relation's rows as JSON lines.
//
//	gristql 'grist://'                    list docs
//	gristql 'grist://<doc>'              list tables
//	gristql 'grist://<doc>/<table>'      dump rows
//	gristql -stats 'grist://<doc>/<t>'   print cache stats after the fetch
//
// Connection settings come from GRIST_* environment variables; URI query
// parameters override them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/gristql/gristql/internal/config"
	"github.com/gristql/gristql/vtab"
)

func main() {
	var (
		limit   = flag.Int("limit", 0, "row limit (0 = all rows)")
		sort    = flag.String("sort", "", `sort spec, e.g. "name,-age"`)
		filter  = flag.String("filter", "", `JSON filter object, e.g. '{"pet":["cat"]}'`)
		stats   = flag.Bool("stats", false, "print cache stats to stderr after the fetch")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gristql [flags] <grist-uri>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	uri := flag.Arg(0)
	if !vtab.Supports(uri) {
		fatal(fmt.Errorf("not a grist:// URI: %s", uri))
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	settings, err := config.FromEnv()
	if err != nil {
		fatal(err)
	}

	adapter, err := vtab.New(uri, settings, vtab.WithLogger(logger))
	if err != nil {
		fatal(err)
	}
	defer adapter.Close()

	filters, err := vtab.ParseFilter(*filter)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()
	rows, err := adapter.Rows(ctx, filters, vtab.ParseSort(*sort), *limit)
	if err != nil {
		fatal(err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			fatal(err)
		}
	}

	if *stats {
		if s, ok := adapter.CacheStats(); ok {
			b, _ := json.Marshal(s)
			fmt.Fprintln(os.Stderr, string(b))
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "gristql:", err)
	os.Exit(1)
}
