package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "pvnet/pkg/config"
    "pvnet/pkg/observability"
)

// Options holds global CLI options.
type Options struct {
    ConfigPath string
    LogLevel   string
}

// app is the state shared by every subcommand after PersistentPreRunE.
type app struct {
    opts   Options
    cfg    *config.Config
    logger *zap.Logger
}

func newRootCmd() *cobra.Command {
    a := &app{}
    root := &cobra.Command{
        Use:           "pvnet",
        Short:         "Locate and serve channels over the pvAccess network core",
        SilenceUsage:  true,
        SilenceErrors: true,
        PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
            return a.setup()
        },
        PersistentPostRun: func(*cobra.Command, []string) {
            if a.logger != nil { _ = a.logger.Sync() }
        },
    }
    root.PersistentFlags().StringVar(&a.opts.ConfigPath, "config", "", "path to YAML config file")
    root.PersistentFlags().StringVar(&a.opts.LogLevel, "log-level", "", "override log.level")
    root.AddCommand(newSearchCmd(a), newServeCmd(a), newServersCmd(a))
    return root
}

// setup loads the configuration and installs the global logger.
func (a *app) setup() error {
    cfg, err := config.Load(a.opts.ConfigPath)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }
    if a.opts.LogLevel != "" { cfg.Log.Level = a.opts.LogLevel }
    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        return fmt.Errorf("failed to setup logger: %w", err)
    }
    a.cfg, a.logger = cfg, logger
    logger.Debug("effective configuration", zap.Any("config", cfg))
    return nil
}

func execute(args []string) int {
    root := newRootCmd()
    root.SetArgs(args)
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    if err := root.ExecuteContext(ctx); err != nil {
        fmt.Fprintln(os.Stderr, "Error:", err)
        return 1
    }
    return 0
}
