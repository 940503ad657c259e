package file

import (
	"os"
	"path/filepath"

	"turbopersist/utils"

	"github.com/pkg/errors"
)

// .del文件记录一批"从现在起作废"的序列号,平铺的大端u32数组
// 物理删除发生在CURRENT推进之后,中间崩溃的话下次打开时按.del重放删除

// WriteDelFile 写出一个.del文件并返回路径,调用方负责fsync
func WriteDelFile(dir string, seq uint32, obsolete []uint32) (string, error) {
	buf := make([]byte, 0, len(obsolete)*utils.U32Size)
	for _, s := range obsolete {
		buf = utils.AppendU32(buf, s)
	}
	path := filepath.Join(dir, utils.SeqName(seq, utils.DelFileSuffix))
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, utils.DefaultFileMode)
	if err != nil {
		return "", errors.Wrapf(err, "create del file %s", path)
	}
	if _, err := fd.Write(buf); err != nil {
		_ = fd.Close()
		return "", errors.Wrapf(err, "write del file %s", path)
	}
	return path, fd.Close()
}

// ReadDelFile 打开时重放用
func ReadDelFile(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read del file %s", path)
	}
	if len(data)%utils.U32Size != 0 {
		return nil, errors.Wrapf(utils.ErrTruncate, "del file %s has %d bytes", path, len(data))
	}
	out := make([]uint32, 0, len(data)/utils.U32Size)
	for off := 0; off < len(data); off += utils.U32Size {
		out = append(out, utils.Bytes2Uint32(data[off:]))
	}
	return out, nil
}
