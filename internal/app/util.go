package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxxsen/otolib/internal/config"
	"github.com/xxxsen/otolib/internal/cover"
	"github.com/xxxsen/otolib/internal/db"
	"github.com/xxxsen/otolib/internal/engine"
	"github.com/xxxsen/otolib/internal/httpx"
	"github.com/xxxsen/otolib/internal/memo"
	"github.com/xxxsen/otolib/internal/probe"
	"github.com/xxxsen/otolib/internal/report"
	"github.com/xxxsen/otolib/internal/scraper"
	"github.com/xxxsen/otolib/internal/storage"
)

// newEngine assembles the pipeline engine from the globally initialised
// config, database and storage client.
func newEngine(ctx context.Context) (*engine.Engine, error) {
	cfg := config.Default()
	if cfg == nil {
		return nil, errors.New("config not initialised")
	}
	dbh := db.Default()
	if dbh == nil {
		return nil, errors.New("database not initialised")
	}

	client := httpx.New()
	var sources []scraper.Source
	for _, name := range cfg.SourceOrder {
		switch name {
		case "dlsite":
			sources = append(sources, scraper.NewDLsite(client))
		case "asmrone":
			sources = append(sources, scraper.NewAsmrOne(client))
		case "hvdb":
			sources = append(sources, scraper.NewHVDB(client))
		default:
			return nil, fmt.Errorf("unknown metadata source %s", name)
		}
	}

	scanner, err := memo.NewScanner(probe.NewTaglibProber(), cfg.DurationExcludePattern)
	if err != nil {
		return nil, err
	}
	covers := cover.NewFetcher(client, cfg.CoverDir, cfg.CoverVariants, storage.DefaultClient())

	return engine.New(cfg, dbh,
		scraper.NewChain(sources...), scraper.NewDLsite(client),
		scanner, covers, report.NewZapReporter(ctx)), nil
}
