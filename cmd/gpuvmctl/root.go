package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/gpuvm/internal/logger"
	"github.com/joshuapare/gpuvm/pkg/gpuvm"
)

var (
	// Global flags
	verbose     bool
	jsonOut     bool
	logLevel    string
	logDir      string
	memorySize  string
	backingFile string
	hugePages   bool
)

var rootCmd = &cobra.Command{
	Use:   "gpuvmctl",
	Short: "Drive and inspect an emulated GPU address space",
	Long: `gpuvmctl runs scripts against an emulated GPU memory system: a
virtual address space, GPU buffers with modified-range tracking, and the
flush path that writes GPU results back to guest memory.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Enable logging at level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write logs to daily files in this directory")
	rootCmd.PersistentFlags().StringVar(&memorySize, "memory-size", "64MiB", "Physical memory size")
	rootCmd.PersistentFlags().StringVar(&backingFile, "backing-file", "", "Back physical memory with this file")
	rootCmd.PersistentFlags().BoolVar(&hugePages, "huge-pages", false, "Advise huge pages for anonymous memory")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() error {
	if logLevel == "" && logDir == "" {
		return logger.Init(logger.Options{})
	}
	lvl, err := logger.ParseLevel(orDefault(logLevel, "info"))
	if err != nil {
		return err
	}
	return logger.Init(logger.Options{Enabled: true, Level: lvl, LogDir: logDir, JSON: jsonOut})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// contextOptions maps the global flags onto gpuvm options.
func contextOptions() (gpuvm.Options, error) {
	opts := gpuvm.DefaultOptions()
	size, err := parseSize(memorySize)
	if err != nil {
		return opts, err
	}
	opts.Physical.Size = size
	opts.Physical.AllocatorBase = size / 2 &^ (opts.Physical.PageSize - 1)
	opts.Physical.BackingFile = backingFile
	opts.Physical.HugePages = hugePages
	return opts, nil
}

// parseSize accepts a byte count with an optional KiB/MiB/GiB (or K/M/G)
// suffix. Numbers may be hexadecimal.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	for _, suffix := range []struct {
		name  string
		shift uint
	}{{"KiB", 10}, {"MiB", 20}, {"GiB", 30}, {"K", 10}, {"M", 20}, {"G", 30}} {
		if strings.HasSuffix(s, suffix.name) && !strings.HasPrefix(s, "0x") {
			s = strings.TrimSuffix(s, suffix.name)
			mult = 1 << suffix.shift
			break
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v > ^uint64(0)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return v * mult, nil
}

// Helper functions for output

// printInfo prints an info message
func printInfo(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
