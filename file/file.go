package file

import (
	"os"

	"turbopersist/utils"

	"github.com/pkg/errors"
)

// SyncPath 重新打开一个已经写完的文件并fsync
// 数据文件由各自的writer裸写,落盘统一推迟到提交这一步做
func SyncPath(path string) error {
	fd, err := os.OpenFile(path, os.O_RDWR, utils.DefaultFileMode)
	if err != nil {
		return errors.Wrapf(err, "open for sync: %s", path)
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return errors.Wrapf(err, "fsync: %s", path)
	}
	return fd.Close()
}

// 写入目录,保证新建和删除的目录项本身落盘
func SyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "while opening %s", dir)
	}
	// 同步dir
	if err := df.Sync(); err != nil {
		return errors.Wrapf(err, "while syncing %s", dir)
	}
	// 关闭dir
	if err := df.Close(); err != nil {
		return errors.Wrapf(err, "while closing %s", dir)
	}
	return nil
}
