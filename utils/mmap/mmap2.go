// 对外暴露的mmap类
package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func Mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	return mmap(fd, writable, size)
}

func Munmap(data []byte) error {
	return munmap(data)
}

// MadviseRandom 点查场景,关闭预读
func MadviseRandom(buf []byte) error {
	return madvise(buf, unix.MADV_RANDOM)
}

// MadviseSequential 顺序扫场景,放大预读
func MadviseSequential(buf []byte) error {
	return madvise(buf, unix.MADV_SEQUENTIAL)
}
