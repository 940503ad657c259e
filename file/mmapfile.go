package file

import (
	"io"
	"os"

	"turbopersist/utils"
	"turbopersist/utils/mmap"

	"github.com/pkg/errors"
)

// 用于表示一个通过mmap映射的只读数据文件
// sst和blob写完提交之后就不可变,读路径零拷贝地直接引用映射内存
type MmapFile struct {
	// 实际放置数据的[]byte
	Data []byte
	// File唯一标识
	Fd *os.File // File是文件描述符
}

// 将一个文件按照Mmap的方式以只读打开
func OpenMmapFile(filename string) (*MmapFile, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open: %s", filename)
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "cannot stat file: %s", filename)
	}
	if fi.Size() == 0 {
		_ = fd.Close()
		return nil, errors.Wrapf(utils.ErrTruncate, "empty file: %s", filename)
	}
	// 通过mmap设置映射
	buf, err := mmap.Mmap(fd, false, fi.Size())
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "while mmapping %s with size: %d", filename, fi.Size())
	}
	return &MmapFile{
		Data: buf,
		Fd:   fd,
	}, nil
}

// AdviseRandom 点查模式,关闭预读,按页按需加载
func (m *MmapFile) AdviseRandom() error {
	return mmap.MadviseRandom(m.Data)
}

// AdviseSequential 压缩扫描模式,整个文件从头读到尾,放大预读
func (m *MmapFile) AdviseSequential() error {
	return mmap.MadviseSequential(m.Data)
}

// 从offset开始读取Data中size个byte,返回的切片直接指向映射内存
func (m *MmapFile) Bytes(off, sz int) ([]byte, error) {
	if off < 0 || sz < 0 || off+sz > len(m.Data) {
		return nil, io.EOF
	}
	return m.Data[off : off+sz], nil
}

func (m *MmapFile) Size() int {
	return len(m.Data)
}

// Close流程,解除映射再关闭文件描述符
func (m *MmapFile) Close() error {
	if m == nil || m.Fd == nil {
		return nil
	}
	// 取消映射
	if err := mmap.Munmap(m.Data); err != nil {
		return errors.Wrapf(err, "while munmap file: %s", m.Fd.Name())
	}
	m.Data = nil
	return m.Fd.Close()
}
