package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/gpuvm/pkg/gpuvm"
)

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <script>",
		Short: "Run a script and show counters",
		Long: `The stats command runs a script without printing each step and then
shows the counters of every layer: physical memory, allocator, timeline,
address space and buffer cache.

Example:
  gpuvmctl stats demo.gpu
  gpuvmctl stats demo.gpu --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(args)
		},
	}
	return cmd
}

func runStats(args []string) error {
	ctx, _, err := execScript(args[0])
	if err != nil {
		return err
	}
	defer ctx.Close()

	stats := ctx.Stats()
	if jsonOut {
		return printJSON(stats)
	}
	writeStats(os.Stdout, stats)
	return nil
}

// writeStats prints stats with grouped digits.
func writeStats(w io.Writer, s gpuvm.Stats) {
	p := message.NewPrinter(language.English)
	row := func(name string, v any) {
		p.Fprintf(w, "  %-16s %d\n", name+":", v)
	}

	p.Fprintln(w, "Physical memory:")
	row("Size", s.Memory.Size)
	row("Dirty pages", s.Memory.DirtyPages)

	p.Fprintln(w, "Allocator:")
	row("In use", s.Allocator.InUse)
	row("Peak", s.Allocator.Peak)
	row("Allocations", s.Allocator.Allocs)
	row("Frees", s.Allocator.Frees)
	row("Failures", s.Allocator.Failures)

	p.Fprintln(w, "Timeline:")
	row("Current sync", s.Timeline.Current)
	row("Completed", s.Timeline.Completed)
	row("Waits", s.Timeline.Waits)

	p.Fprintln(w, "Address space:")
	row("Mapped pages", s.Space.MappedPages)
	row("Mappings", s.Space.Mappings)
	row("Level-1 arrays", s.Space.Level1Arrays)
	row("Demand pages", s.Space.DemandPages)
	row("Notifications", s.Space.Notifications)

	p.Fprintln(w, "Buffers:")
	row("Live", s.Buffers.Buffers)
	row("Created", s.Buffers.Created)
	row("Merged", s.Buffers.Merged)
	row("Migrations", s.Buffers.Migrations)
	row("Retired", s.Buffers.MigrationsRetired)

}
