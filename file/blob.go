package file

import (
	"os"
	"path/filepath"

	"turbopersist/utils"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

// blob文件存放超过MaxMediumValueSize的大value,一个value一个文件
// 布局:4字节大端的解压后长度 + s2压缩的内容
// 这一级的value已经大到压缩比不如解压吞吐重要,所以用s2而不是zstd

// WriteBlobFile 写出一个blob文件并返回路径,fsync由提交统一做
func WriteBlobFile(dir string, seq uint32, value []byte) (string, error) {
	enc := s2.Encode(nil, value)
	path := filepath.Join(dir, utils.SeqName(seq, utils.BlobFileSuffix))
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, utils.DefaultFileMode)
	if err != nil {
		return "", errors.Wrapf(err, "create blob file %s", path)
	}
	if _, err := fd.Write(utils.Uint32ToBytes(uint32(len(value)))); err != nil {
		_ = fd.Close()
		return "", errors.Wrapf(err, "write blob header %s", path)
	}
	if _, err := fd.Write(enc); err != nil {
		_ = fd.Close()
		return "", errors.Wrapf(err, "write blob body %s", path)
	}
	return path, fd.Close()
}

// ReadBlobFile 整个文件映射进来解压,解压输出是独立内存,返回前就解除映射
// blob不进缓存:大value重复读取的概率太低,缓存下来只会把块缓存冲掉
func ReadBlobFile(path string) ([]byte, error) {
	m, err := OpenMmapFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { utils.Err(m.Close()) }()

	if m.Size() < utils.U32Size {
		return nil, errors.Wrapf(utils.ErrTruncate, "blob file %s has %d bytes", path, m.Size())
	}
	utils.Err(m.AdviseSequential())
	rawLen := utils.Bytes2Uint32(m.Data)
	out, err := s2.Decode(make([]byte, rawLen), m.Data[utils.U32Size:])
	if err != nil {
		return nil, errors.Wrapf(err, "decompress blob %s", path)
	}
	if len(out) != int(rawLen) {
		return nil, errors.Wrapf(utils.ErrTruncate, "blob %s decompressed to %d bytes, header says %d",
			path, len(out), rawLen)
	}
	return out, nil
}
