//go:build linux || freebsd || openbsd || netbsd || solaris

package engine

import "golang.org/x/sys/unix"

func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

func fallocateFile(fd uintptr, offset int64, length int64) error {
	return unix.Fallocate(int(fd), 0, offset, length)
}

func pwriteFile(fd uintptr, data []byte, offset int64) (int, error) {
	return unix.Pwrite(int(fd), data, offset)
}
