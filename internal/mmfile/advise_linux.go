//go:build linux

package mmfile

import "golang.org/x/sys/unix"

func adviseHugePages(data []byte) {
	_ = unix.Madvise(data, unix.MADV_HUGEPAGE)
}
