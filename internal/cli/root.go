package cli

import (
	"fmt"

	"wisefido-sync/internal/config"
	"wisefido-sync/internal/logger"
	"wisefido-sync/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "wisefido-sync"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the sync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "wisefido-sync",
		Short: "Offline-first measurement sync",
		Long:  "Keeps on-device stress measurements in sync with the cloud store, resolving conflicts per record.",

		// main 负责输出错误
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file (default $SYNC_CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig 命令行 --config 优先于 SYNC_CONFIG_FILE
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.LoadFrom(opts.ConfigFile)
	}
	return config.Load()
}

// newService 加载配置、初始化日志并创建同步服务
func newService(opts *RootOptions) (*service.SyncService, *zap.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	svc, err := service.NewSyncService(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, fmt.Errorf("failed to create sync service: %w", err)
	}
	return svc, log, nil
}
