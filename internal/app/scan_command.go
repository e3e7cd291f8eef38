package app

import (
	"context"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/otolib/internal/config"
)

// ScanCommand synchronizes the store with the configured library roots.
type ScanCommand struct {
	skipCleanup bool
}

func NewScanCommand() *ScanCommand { return &ScanCommand{} }

func (c *ScanCommand) Name() string { return "scan" }

func (c *ScanCommand) Desc() string {
	return "扫描音声库目录，抓取元数据并下载封面"
}

func (c *ScanCommand) Init(f *pflag.FlagSet) {
	f.BoolVar(&c.skipCleanup, "skip-cleanup", false, "跳过清理目录已删除的音声记录")
}

func (c *ScanCommand) PreRun(ctx context.Context) error {
	cfg := config.Default()
	if c.skipCleanup {
		cfg.SkipCleanup = true
	}
	logutil.GetLogger(ctx).Info("starting scan",
		zap.Int("root_folders", len(cfg.RootFolders)),
		zap.Bool("skip_cleanup", cfg.SkipCleanup),
	)
	return nil
}

func (c *ScanCommand) Run(ctx context.Context) error {
	eng, err := newEngine(ctx)
	if err != nil {
		return err
	}
	counts, err := eng.Scan(ctx)
	logutil.GetLogger(ctx).Info("scan completed",
		zap.Int("added", counts.Added),
		zap.Int("updated", counts.Updated),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
	)
	return err
}

func (c *ScanCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("scan", func() IRunner { return NewScanCommand() })
}
