package file

import (
	"os"
	"path/filepath"

	"turbopersist/utils"

	"github.com/pkg/errors"
)

// CURRENT文件固定4字节,一个大端u32,指向已提交状态里最大的序列号
// 提交的生效点就是原地覆写这4个字节:4字节不会跨扇区,崩溃时要么全旧要么全新

// ReadCurrent 读取CURRENT指向的序列号
// 文件不存在时把os的NotExist错误原样透出,调用方以此区分"目录未初始化"
func ReadCurrent(dir string) (uint32, error) {
	data, err := os.ReadFile(filepath.Join(dir, utils.CurrentFilename))
	if err != nil {
		return 0, err
	}
	if len(data) != utils.U32Size {
		return 0, errors.Wrapf(utils.ErrTruncate, "CURRENT has %d bytes", len(data))
	}
	return utils.Bytes2Uint32(data), nil
}

// CreateCurrent 新建CURRENT并落盘,只在初始化空目录时调用
func CreateCurrent(dir string, seq uint32) error {
	fd, err := os.OpenFile(filepath.Join(dir, utils.CurrentFilename),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, utils.DefaultFileMode)
	if err != nil {
		return errors.Wrap(err, "create CURRENT")
	}
	if _, err := fd.Write(utils.Uint32ToBytes(seq)); err != nil {
		_ = fd.Close()
		return errors.Wrap(err, "write CURRENT")
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return errors.Wrap(err, "sync CURRENT")
	}
	return fd.Close()
}

// UpdateCurrent 推进CURRENT到新的序列号
// 打开已有文件原地覆写,不走"写临时文件再rename"那一套,4字节本身就是原子的
func UpdateCurrent(dir string, seq uint32) error {
	fd, err := os.OpenFile(filepath.Join(dir, utils.CurrentFilename),
		os.O_WRONLY, utils.DefaultFileMode)
	if err != nil {
		return errors.Wrap(err, "open CURRENT")
	}
	if _, err := fd.WriteAt(utils.Uint32ToBytes(seq), 0); err != nil {
		_ = fd.Close()
		return errors.Wrap(err, "rewrite CURRENT")
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return errors.Wrap(err, "sync CURRENT")
	}
	return fd.Close()
}
