// Package physical provides the host-backed physical memory of the emulated
// GPU and the page-granular allocator demand paging draws from.
//
// Memory is one flat mapping, anonymous or backed by a file. Tracked writes
// (the CPU path) record the pages they touch so a file-backed store can be
// synced; untracked writes (GPU write-back) do not.
//
// Allocator hands out page-aligned blocks of a physical window with a bump
// pointer, reusing freed blocks of the same size first.
package physical
