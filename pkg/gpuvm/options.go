package gpuvm

import (
	"github.com/joshuapare/gpuvm/gpu/buffer"
	"github.com/joshuapare/gpuvm/gpu/physical"
	"github.com/joshuapare/gpuvm/gpu/vm"
)

// Options configures a Context.
type Options struct {
	Physical physical.Options
	VM       vm.Options
	Buffer   buffer.Options

	// AutoComplete completes every sealed generation immediately.
	AutoComplete bool
}

// DefaultOptions returns the defaults of every component with an
// auto-completing timeline.
func DefaultOptions() Options {
	return Options{
		Physical:     physical.DefaultOptions(),
		VM:           vm.DefaultOptions(),
		Buffer:       buffer.DefaultOptions(),
		AutoComplete: true,
	}
}
