package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tumorseg/pkg/config"
)

var (
	cfgFile string
	verbose bool
	cores   int

	cfg    *config.Config
	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "tumorseg",
		Short: "Patch-based brain tumour segmentation with per-patient domain adaptation",
		Long: `tumorseg trains patch classifiers on multi-channel brain MRI volumes with
N-fold cross-validation or on a whole dataset, segments unseen patients and adapts a trained
model to each new patient's tumour region before segmenting it again.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "tumorseg.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVar(&cores, "cores", 0, "CPU cores for patch extraction (overrides patches.numCores)")

	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(fitCmd())
	rootCmd.AddCommand(segmentCmd())
	rootCmd.AddCommand(adaptCmd())
	rootCmd.AddCommand(configCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if cfg, err = config.LoadConfig(cfgFile); err != nil {
		return err
	}
	if cores > 0 {
		cfg.Patches.NumCores = cores
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	if verbose || cfg.Output.Verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if logger, err = zcfg.Build(); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Debug("Configuration loaded", zap.String("path", cfgFile), zap.String("command", cmd.Name()))
	return nil
}

func teardown(*cobra.Command, []string) error {
	if logger != nil {
		// Syncing stderr fails on some terminals
		_ = logger.Sync()
	}
	return nil
}
