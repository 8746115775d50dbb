//go:build darwin

package engine

import "golang.org/x/sys/unix"

func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

// darwin lacks fallocate; growing the mapping backing file is done by
// truncating to the target size instead (pagearray.go falls back to
// that when this returns an error).
func fallocateFile(fd uintptr, offset int64, length int64) error {
	return unix.ENOSYS
}

func pwriteFile(fd uintptr, data []byte, offset int64) (int, error) {
	return unix.Pwrite(int(fd), data, offset)
}
