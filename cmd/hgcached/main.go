// cmd/hgcached/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hgcache/internal/config"
	"hgcache/internal/dispatch"
	"hgcache/internal/engine"
	"hgcache/internal/hg"
	"hgcache/internal/logging"
	"hgcache/internal/snapshot"
	"hgcache/internal/status"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "hgcached",
	Short: "hgcached keeps a live cache of Mercurial file statuses",
	Long: `hgcached watches one or more Mercurial working copies and maintains an
in-memory per-file status cache, refreshed incrementally as files change
and rebuilt in full after repository-level operations.`,
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Default()
	}
	return cfg
}

func buildEngine(cfg *config.Config) (*engine.Engine, *dispatch.Serial, *logging.Logger, error) {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	tool, err := hg.NewCLI(cfg.HgBinary, logger.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing hg binding: %w", err)
	}

	ecfg := engine.DefaultConfig()
	if cfg.Engine.TickIntervalMs > 0 {
		ecfg.TickInterval = cfg.TickInterval()
	}
	if v := cfg.Engine.IncrementalQuietMs; v > 0 {
		ecfg.IncrementalQuiet = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Engine.RebuildQuietMs; v > 0 {
		ecfg.RebuildQuiet = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Engine.HighChurnCount; v > 0 {
		ecfg.HighChurnCount = v
	}
	if v := cfg.Engine.SelfModWindowMs; v > 0 {
		ecfg.SelfModWindow = time.Duration(v) * time.Millisecond
	}

	dispatcher := dispatch.NewSerial()
	eng := engine.New(ecfg, tool, dispatcher, logger.Logger)
	return eng, dispatcher, logger, nil
}

func statusColor(s status.FileStatus) *color.Color {
	switch s {
	case status.Modified:
		return color.New(color.FgYellow)
	case status.Added, status.Renamed:
		return color.New(color.FgGreen)
	case status.Removed:
		return color.New(color.FgRed)
	case status.Ignored:
		return color.New(color.FgHiBlack)
	case status.Controlled:
		return color.New(color.FgWhite)
	default:
		return color.New(color.FgMagenta)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	var watchCmd = &cobra.Command{
		Use:   "watch [dirs...]",
		Short: "Watch working copies and serve a live status cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			eng, dispatcher, logger, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer dispatcher.Close()
			defer logger.Sync()

			var snap *snapshot.Store
			if cfg.Snapshot.Path != "" {
				snap, err = snapshot.Open(cfg.Snapshot.Path)
				if err != nil {
					logger.Warn("snapshot store unavailable", zap.Error(err))
				} else {
					defer snap.Close()
					if records, err := snap.Load(); err == nil && len(records) > 0 {
						eng.WarmStart(records)
						logger.Info("warm-started cache", zap.Int("records", len(records)))
					}
				}
			}

			if len(args) == 0 {
				dir, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getting current directory: %w", err)
				}
				args = []string{dir}
			}
			for _, dir := range args {
				eng.AddRoot(dir)
			}
			if !eng.HasAnyRoot() {
				return fmt.Errorf("no Mercurial working copy found under %v", args)
			}

			eng.OnStatusChanged(func() {
				fmt.Printf("status cache updated (%d entries)\n", len(eng.CacheSnapshot()))
			})

			eng.Start()
			fmt.Println("watching; press Ctrl-C to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			if snap != nil {
				if err := snap.Save(eng.CacheSnapshot()); err != nil {
					logger.Warn("saving snapshot", zap.Error(err))
				}
			}
			eng.Close()
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status [paths...]",
		Short: "Print the status of the given paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer logger.Sync()

			tool, err := hg.NewCLI(cfg.HgBinary, logger.Logger)
			if err != nil {
				return fmt.Errorf("initializing hg binding: %w", err)
			}

			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			root, err := tool.FindRootDirectory(dir)
			if err != nil || root == "" {
				return fmt.Errorf("no Mercurial working copy found under %s", dir)
			}

			var chars map[string]byte
			if len(args) == 0 {
				chars, err = tool.QueryRootStatus(root)
			} else {
				chars, err = tool.QueryFileStatus(root, args)
			}
			if err != nil {
				return fmt.Errorf("querying status: %w", err)
			}

			for path, char := range chars {
				s := status.FromChar(char)
				statusColor(s).Printf("%-12s %s\n", s, path)
			}
			return nil
		},
	}

	rootCmd.AddCommand(watchCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
