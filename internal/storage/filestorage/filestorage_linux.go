package filestorage

import (
	"os"

	"golang.org/x/sys/unix"
)

func adviseRandom(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}

// fallocate reserves size bytes. It fails on filesystems without support, callers fall back to Truncate.
func fallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
