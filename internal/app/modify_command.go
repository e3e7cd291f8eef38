package app

import (
	"context"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// ModifyCommand rescans the local files of every stored work and refreshes
// durations, memos and lyric flags without touching remote metadata.
type ModifyCommand struct{}

func NewModifyCommand() *ModifyCommand { return &ModifyCommand{} }

func (c *ModifyCommand) Name() string { return "modify" }

func (c *ModifyCommand) Desc() string {
	return "重新扫描本地音声文件，刷新时长与歌词信息"
}

func (c *ModifyCommand) Init(f *pflag.FlagSet) {}

func (c *ModifyCommand) PreRun(ctx context.Context) error { return nil }

func (c *ModifyCommand) Run(ctx context.Context) error {
	eng, err := newEngine(ctx)
	if err != nil {
		return err
	}
	counts, err := eng.Modify(ctx)
	logutil.GetLogger(ctx).Info("modify completed",
		zap.Int("updated", counts.Updated),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
	)
	return err
}

func (c *ModifyCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("modify", func() IRunner { return NewModifyCommand() })
}
