package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/otolib/internal/model"
)

// Chain tries an ordered list of sources until one of them yields a record.
// All failures are preserved: the final error joins every per-source error so
// the operator can see why each tier was skipped.
type Chain struct {
	sources []Source
}

// NewChain builds a fallback chain in the given priority order.
func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

// Name implements Source.
func (c *Chain) Name() string { return "chain" }

// Fetch implements Source with fallback semantics.
func (c *Chain) Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error) {
	if len(c.sources) == 0 {
		return nil, errors.New("no metadata sources configured")
	}

	logger := logutil.GetLogger(ctx)
	var errs []error
	for _, source := range c.sources {
		record, err := source.Fetch(ctx, id, tagLanguage)
		if err == nil {
			return record, nil
		}
		logger.Warn("metadata source failed, falling back",
			zap.String("source", source.Name()),
			zap.String("rjcode", model.FormatRJCode(id)),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", source.Name(), err))
	}
	return nil, errors.Join(errs...)
}
