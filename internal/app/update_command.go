package app

import (
	"context"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/otolib/internal/db"
	"github.com/xxxsen/otolib/internal/engine"
)

// UpdateCommand refreshes stored metadata from the remote catalog. Without
// extra flags only the volatile sale and rating figures are refreshed.
type UpdateCommand struct {
	includeVA   bool
	includeTags bool
	purgeTags   bool
	includeNSFW bool
	refreshAll  bool
	filterVAs   []string
}

func NewUpdateCommand() *UpdateCommand { return &UpdateCommand{} }

func (c *UpdateCommand) Name() string { return "update" }

func (c *UpdateCommand) Desc() string {
	return "更新已入库音声的元数据，默认仅刷新销量与评分"
}

func (c *UpdateCommand) Init(f *pflag.FlagSet) {
	f.BoolVar(&c.includeVA, "include-va", false, "同时刷新声优关联")
	f.BoolVar(&c.includeTags, "include-tags", false, "同时刷新标签关联")
	f.BoolVar(&c.purgeTags, "purge-tags", false, "刷新标签前先清空已有关联")
	f.BoolVar(&c.includeNSFW, "include-nsfw", false, "同时刷新年龄分级")
	f.BoolVar(&c.refreshAll, "refresh-all", false, "刷新全部静态元数据")
	f.StringSliceVar(&c.filterVAs, "filter-va", nil, "仅更新指定声优 id 关联的音声")
}

func (c *UpdateCommand) PreRun(ctx context.Context) error {
	logutil.GetLogger(ctx).Info("starting update",
		zap.Bool("include_va", c.includeVA),
		zap.Bool("include_tags", c.includeTags),
		zap.Bool("purge_tags", c.purgeTags),
		zap.Bool("include_nsfw", c.includeNSFW),
		zap.Bool("refresh_all", c.refreshAll),
		zap.Strings("filter_va", c.filterVAs),
	)
	return nil
}

func (c *UpdateCommand) Run(ctx context.Context) error {
	eng, err := newEngine(ctx)
	if err != nil {
		return err
	}
	counts, err := eng.Update(ctx, engine.UpdateRequest{
		Options: db.UpdateOptions{
			IncludeVA:   c.includeVA,
			IncludeTags: c.includeTags,
			PurgeTags:   c.purgeTags,
			IncludeNSFW: c.includeNSFW,
			RefreshAll:  c.refreshAll,
		},
		FilterVAs: c.filterVAs,
	})
	logutil.GetLogger(ctx).Info("update completed",
		zap.Int("updated", counts.Updated),
		zap.Int("failed", counts.Failed),
	)
	return err
}

func (c *UpdateCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("update", func() IRunner { return NewUpdateCommand() })
}
