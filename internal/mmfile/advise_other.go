//go:build unix && !linux

package mmfile

func adviseHugePages([]byte) {}
