// Command vmkernel boots the simulated kernel and runs a workload as init.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vmkernel/pkg/config"
	"vmkernel/pkg/kernel"
	"vmkernel/pkg/klog"
	"vmkernel/pkg/process"
	"vmkernel/pkg/workload"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// errWorkloadFailed is returned when init exits with a non-zero status.
var errWorkloadFailed = errors.New("workload failed")

var rootCmd = &cobra.Command{
	Use:   "vmkernel",
	Short: "Simulated kernel with mmap regions and a cooperative scheduler",
	Long: `vmkernel boots a small simulated machine: physical frames, two-level page
tables, per-process mmap region tables and one cooperative scheduler per CPU.

A workload runs as init; the machine halts when init exits.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = klog.New(klog.Options{
			Level:    cfg.Logging.Level,
			Encoding: cfg.Logging.Encoding,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <workload>",
	Short: "Boot the kernel and run a workload as init",
	Long: `Boot the kernel and run a workload as init.

Interrupting the command kills every process and waits for them to exit.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkload,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var workloadsCmd = &cobra.Command{
	Use:   "workloads",
	Short: "List the available workloads",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range workload.Names() {
			w, _ := workload.Lookup(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", w.Name, w.Description)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vmkernel.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	runCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Kill every process after this long")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workloadsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runWorkload boots a kernel with the selected workload as init and runs
// it to completion.
func runWorkload(cmd *cobra.Command, args []string) error {
	w, err := workload.Lookup(args[0])
	if err != nil {
		return err
	}

	k, err := kernel.New(cfg, logger)
	if err != nil {
		return err
	}

	status := -1
	if err := k.Boot("init", func(p *process.Proc) int {
		status = w.Main(p)
		return status
	}); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := k.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", w.Name, err)
	}
	k.Procs().Procdump()

	if status != 0 {
		return fmt.Errorf("%w: %s exited with status %d", errWorkloadFailed, w.Name, status)
	}
	logger.Info("workload finished", zap.String("workload", w.Name))
	return nil
}
