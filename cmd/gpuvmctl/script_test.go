package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/gpuvm/pkg/gpuvm"
)

func newTestInterpreter(t *testing.T) *interpreter {
	t.Helper()
	opts := gpuvm.DefaultOptions()
	opts.Physical.Size = 4 << 20
	opts.Physical.AllocatorBase = 2 << 20
	ctx, err := gpuvm.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return &interpreter{ctx: ctx}
}

func Test_Script_GPUWriteReachesGuestAfterFlush(t *testing.T) {
	in := newTestInterpreter(t)
	script := `
# map four pages and cover them with a buffer
map 0x10000 0x10000000 0x4000
buffer 0x10000000 0x4000
gpuwrite 0x10000100 hello world
read 0x10000100 5
ranges 0x10000000 0x4000
sync
flush
read 0x10000100 11
ranges 0x10000000 0x4000
`
	steps, err := in.run(strings.NewReader(script))
	require.NoError(t, err)
	require.Len(t, steps, 9)

	assert.Equal(t, 3, steps[0].Line)
	assert.Equal(t, "map", steps[0].Op)
	assert.Equal(t, "buffer [0x10000000, 0x10004000)", steps[1].Result)
	assert.Equal(t, `"\x00\x00\x00\x00\x00"`, steps[3].Result)
	assert.Equal(t, "[0x10000100, 0x1000010b)@1", steps[4].Result)
	assert.Equal(t, "sealed sync 1", steps[5].Result)
	assert.Equal(t, `"hello world"`, steps[7].Result)
	assert.Equal(t, "no modified ranges", steps[8].Result)
}

func Test_Script_Translate(t *testing.T) {
	in := newTestInterpreter(t)

	_, _, err := in.exec("map 0x20000 0x10000000 0x1000 pitch")
	require.NoError(t, err)

	_, got, err := in.exec("translate 0x10000010")
	require.NoError(t, err)
	assert.Equal(t, "0x10000010 -> 0x20010 (pitch)", got)

	_, got, err = in.exec("translate 0x10001000")
	require.NoError(t, err)
	assert.Equal(t, "0x10001000 -> unmapped", got)
}

func Test_Script_EnsureInstallsMissingPages(t *testing.T) {
	in := newTestInterpreter(t)

	_, got, err := in.exec("ensure 0x30000000 0x2000")
	require.NoError(t, err)
	assert.Equal(t, "installed 2 page(s)", got)

	_, got, err = in.exec("ensure 0x30000000 0x2000")
	require.NoError(t, err)
	assert.Equal(t, "installed 0 page(s)", got)
}

func Test_Script_ResizeMergesBuffers(t *testing.T) {
	in := newTestInterpreter(t)
	steps, err := in.run(strings.NewReader(`map 0x10000 0x10000000 0x4000
buffer 0x10000000 0x1000
gpuwrite 0x10000010 abc
resize 0x10000000 0x3000
ranges 0x10000000 0x3000
`))
	require.NoError(t, err)
	require.Len(t, steps, 5)

	assert.Equal(t, "buffer [0x10000000, 0x10003000)", steps[3].Result)
	assert.Equal(t, "[0x10000010, 0x10000013)@1", steps[4].Result)
	assert.Len(t, in.ctx.Buffers().Buffers(), 1)
}

func Test_Script_ChecksumFollowsWrites(t *testing.T) {
	in := newTestInterpreter(t)
	_, _, err := in.exec("map 0x10000 0x10000000 0x1000")
	require.NoError(t, err)

	_, before, err := in.exec("checksum 0x10000000 0x1000")
	require.NoError(t, err)
	_, _, err = in.exec("write 0x10000000 payload")
	require.NoError(t, err)
	_, after, err := in.exec("checksum 0x10000000 0x1000")
	require.NoError(t, err)

	assert.Len(t, after, 16)
	assert.NotEqual(t, before, after)
}

func Test_Script_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"unknown op", "poke 0x1000", `unknown op "poke"`},
		{"missing args", "map 0x1000 0x2000", "usage: map <pa> <va> <size> [kind]"},
		{"bad number", "translate nope", `invalid number "nope"`},
		{"bad kind", "map 0x10000 0x10000000 0x1000 sparkly", "unknown kind"},
		{"no buffer", "gpuwrite 0x10000000 x", "no buffer at 0x10000000"},
		{"unaligned map", "map 0x10000 0x10000010 0x1000", "unaligned"},
		{"read too large", "read 0x1000 0xffffffffffffffff", "exceeds physical memory"},
		{"read unmapped", "read 0x1000 0x10", "unmapped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newTestInterpreter(t)
			_, _, err := in.exec(tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func Test_Script_StopsAtFirstError(t *testing.T) {
	in := newTestInterpreter(t)
	steps, err := in.run(strings.NewReader("sync\nbogus\nsync\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2: bogus")
	assert.Len(t, steps, 1)
}
