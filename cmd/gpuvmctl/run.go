package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/gpuvm/pkg/gpuvm"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a memory script",
		Long: `The run command executes a line-oriented script against a fresh
address space. Each line is one operation; blank lines and lines starting
with # are skipped. Use "-" to read the script from stdin.

Operations:
  map <pa> <va> <size> [kind]   unmap <va> <size>      ensure <va> <size>
  translate <va>                write <va> <text>      read <va> <n>
  buffer <va> <size>            gpuwrite <va> <text>   resize <va> <size>
  ranges <va> <size>            checksum <va> <size>
  sync                          flush                  stats

Example:
  gpuvmctl run demo.gpu
  gpuvmctl run - --json < demo.gpu`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(args)
		},
	}
	return cmd
}

// openScript opens path, or stdin for "-".
func openScript(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	return f, nil
}

// execScript opens a context from the global flags and runs the script in it.
func execScript(path string) (*gpuvm.Context, []Step, error) {
	r, err := openScript(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	opts, err := contextOptions()
	if err != nil {
		return nil, nil, err
	}
	printVerbose("Opening context: %d bytes of physical memory\n", opts.Physical.Size)
	ctx, err := gpuvm.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open context: %w", err)
	}

	in := &interpreter{ctx: ctx}
	steps, err := in.run(r)
	if err != nil {
		ctx.Close()
		return nil, steps, err
	}
	return ctx, steps, nil
}

func runScript(args []string) error {
	ctx, steps, err := execScript(args[0])
	if err != nil {
		return err
	}
	defer ctx.Close()

	if jsonOut {
		return printJSON(steps)
	}
	for _, s := range steps {
		printInfo("%4d  %-9s %s\n", s.Line, s.Op, s.Result)
	}
	return nil
}
