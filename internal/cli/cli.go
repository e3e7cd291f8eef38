package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/otolib/internal/app"
	"github.com/xxxsen/otolib/internal/config"
	"github.com/xxxsen/otolib/internal/db"
	"github.com/xxxsen/otolib/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "otolib",
	Short: "同步本地音声库与远端元数据",
}

var configFile string

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Error("exec cmd failed", zap.Error(err))
		return err
	}
	return nil
}

// setup loads the config and initialises the shared database and storage
// handles every command depends on.
func setup(ctx context.Context) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	config.SetDefault(cfg)

	dbh, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	db.SetDefault(dbh)

	if cfg.OffloadEnabled() {
		client, err := storage.NewS3Client(ctx, cfg.CoverOffload)
		if err != nil {
			return err
		}
		storage.SetDefaultClient(client)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径")

	for _, name := range app.RunnerList() {
		runner := app.MustResolveRunner(name)
		subcmd := &cobra.Command{
			Use:   runner.Name(),
			Short: runner.Desc(),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := commandContext(cmd)
				if err := setup(ctx); err != nil {
					return err
				}
				if err := runner.PreRun(ctx); err != nil {
					return err
				}
				if err := runner.Run(ctx); err != nil {
					return err
				}
				return runner.PostRun(ctx)
			},
		}
		runner.Init(subcmd.Flags())
		rootCmd.AddCommand(subcmd)
	}
}
