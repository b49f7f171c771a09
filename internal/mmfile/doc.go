// Package mmfile provides platform-specific helpers for mapping guest memory.
//
// On unix systems guest memory is an anonymous private mapping or a shared
// mapping of a backing file. Elsewhere it falls back to heap slices, and file
// backed memory is written back when the mapping is released.
package mmfile
