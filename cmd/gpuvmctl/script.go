package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/joshuapare/gpuvm/gpu/pagetable"
	"github.com/joshuapare/gpuvm/gpu/vm"
	"github.com/joshuapare/gpuvm/pkg/gpuvm"
)

// Step is the outcome of one script line.
type Step struct {
	Line   int    `json:"line"`
	Op     string `json:"op"`
	Result string `json:"result,omitempty"`
}

// interpreter executes gpuvmctl scripts against one context.
type interpreter struct {
	ctx *gpuvm.Context
}

type opFunc func(in *interpreter, args []string, rest string) (string, error)

type opDef struct {
	args  int // required leading numeric/word arguments
	usage string
	fn    opFunc
}

var ops = map[string]opDef{
	"map":       {3, "map <pa> <va> <size> [kind]", opMap},
	"unmap":     {2, "unmap <va> <size>", opUnmap},
	"ensure":    {2, "ensure <va> <size>", opEnsure},
	"translate": {1, "translate <va>", opTranslate},
	"write":     {1, "write <va> <text>", opWrite},
	"read":      {2, "read <va> <n>", opRead},
	"buffer":    {2, "buffer <va> <size>", opBuffer},
	"gpuwrite":  {1, "gpuwrite <va> <text>", opGPUWrite},
	"sync":      {0, "sync", opSync},
	"flush":     {0, "flush", opFlush},
	"ranges":    {2, "ranges <va> <size>", opRanges},
	"resize":    {2, "resize <va> <size>", opResize},
	"checksum":  {2, "checksum <va> <size>", opChecksum},
	"stats":     {0, "stats", opStats},
}

// run executes every line of r. It stops at the first failing line.
func (in *interpreter) run(r io.Reader) ([]Step, error) {
	var steps []Step
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		op, result, err := in.exec(line)
		if err != nil {
			return steps, fmt.Errorf("line %d: %s: %w", n, line, err)
		}
		steps = append(steps, Step{Line: n, Op: op, Result: result})
	}
	return steps, sc.Err()
}

// exec runs one script line.
func (in *interpreter) exec(line string) (string, string, error) {
	fields := strings.Fields(line)
	op := strings.ToLower(fields[0])
	def, ok := ops[op]
	if !ok {
		return op, "", fmt.Errorf("unknown op %q", fields[0])
	}
	if len(fields)-1 < def.args {
		return op, "", fmt.Errorf("usage: %s", def.usage)
	}

	// rest is the raw text after the required arguments.
	rest := line
	for range def.args + 1 {
		rest = strings.TrimLeft(rest, " \t")
		rest = rest[strings.IndexAny(rest+" ", " \t"):]
	}
	rest = strings.TrimLeft(rest, " \t")

	result, err := def.fn(in, fields[1:1+def.args], rest)
	return op, result, err
}

func parseNumbers(args []string) ([]uint64, error) {
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

func opMap(in *interpreter, args []string, rest string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	kind := pagetable.KindPitch
	if rest != "" {
		if kind, err = pagetable.ParseKind(rest); err != nil {
			return "", err
		}
	}
	if err := in.ctx.Space().Map(n[0], n[1], n[2], kind); err != nil {
		return "", err
	}
	return fmt.Sprintf("mapped va %#x -> pa %#x size %#x (%s)", n[1], n[0], n[2], kind), nil
}

func opUnmap(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	if err := in.ctx.Space().Unmap(n[0], n[1]); err != nil {
		return "", err
	}
	return fmt.Sprintf("unmapped va %#x size %#x", n[0], n[1]), nil
}

func opEnsure(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	before := in.ctx.Space().Stats().DemandPages
	if err := in.ctx.Space().EnsureMapped(n[0], n[1]); err != nil {
		return "", err
	}
	return fmt.Sprintf("installed %d page(s)", in.ctx.Space().Stats().DemandPages-before), nil
}

func opTranslate(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	pa := in.ctx.Space().Translate(n[0])
	if pa == vm.Unmapped {
		return fmt.Sprintf("%#x -> unmapped", n[0]), nil
	}
	return fmt.Sprintf("%#x -> %#x (%s)", n[0], pa, in.ctx.Space().Kind(n[0])), nil
}

func opWrite(in *interpreter, args []string, rest string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	if err := in.ctx.Space().Write(n[0], []byte(rest)); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d byte(s) at %#x", len(rest), n[0]), nil
}

func opRead(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	if limit := in.ctx.Memory().Size(); n[1] > limit {
		return "", fmt.Errorf("read of %#x bytes exceeds physical memory (%#x)", n[1], limit)
	}
	dst := make([]byte, n[1])
	if err := in.ctx.Space().Read(n[0], dst); err != nil {
		return "", err
	}
	return strconv.Quote(string(dst)), nil
}

func opBuffer(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	b, err := in.ctx.Buffers().CreateBuffer(n[0], n[1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("buffer [%#x, %#x)", b.Address(), b.End()), nil
}

func opGPUWrite(in *interpreter, args []string, rest string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	b, ok := in.ctx.Buffers().Find(n[0])
	if !ok {
		return "", fmt.Errorf("no buffer at %#x", n[0])
	}
	if err := b.GPUWrite(n[0], []byte(rest)); err != nil {
		return "", err
	}
	return fmt.Sprintf("gpu wrote %d byte(s) at %#x (sync %d)", len(rest), n[0], in.ctx.Timeline().CurrentSyncNumber()), nil
}

func opSync(in *interpreter, _ []string, _ string) (string, error) {
	sealed := in.ctx.Timeline().Advance()
	return fmt.Sprintf("sealed sync %d", sealed), nil
}

func opFlush(in *interpreter, _ []string, _ string) (string, error) {
	if err := in.ctx.Sync(context.Background()); err != nil {
		return "", err
	}
	return "flushed", nil
}

func opRanges(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, b := range in.ctx.Buffers().Buffers() {
		for _, r := range b.Tracker().GetRanges(n[0], n[1]) {
			parts = append(parts, r.String())
		}
	}
	if len(parts) == 0 {
		return "no modified ranges", nil
	}
	return strings.Join(parts, " "), nil
}

func opResize(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	old, ok := in.ctx.Buffers().Find(n[0])
	if !ok {
		return "", fmt.Errorf("no buffer at %#x", n[0])
	}
	b, err := in.ctx.Buffers().CreateBuffer(old.Address(), n[1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("buffer [%#x, %#x)", b.Address(), b.End()), nil
}

func opChecksum(in *interpreter, args []string, _ string) (string, error) {
	n, err := parseNumbers(args)
	if err != nil {
		return "", err
	}
	sum, err := in.ctx.Space().Checksum(n[0], n[1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", sum), nil
}

func opStats(in *interpreter, _ []string, _ string) (string, error) {
	s := in.ctx.Stats()
	return fmt.Sprintf("pages=%d buffers=%d migrations=%d sync=%d completed=%d",
		s.Space.MappedPages, s.Buffers.Buffers, s.Buffers.Migrations,
		s.Timeline.Current, s.Timeline.Completed), nil
}
