package file

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"turbopersist/utils"

	"github.com/pkg/errors"
)

// LOG是追加式的人读日志,一行一个事件(打开/提交/压缩/关闭)
// 只求尽力而为:写失败不影响任何数据路径,也从不fsync
type LogFile struct {
	mu sync.Mutex
	fd *os.File
}

func OpenLogFile(dir string) (*LogFile, error) {
	fd, err := os.OpenFile(filepath.Join(dir, utils.LogFilename),
		utils.DefaultFileFlag, utils.DefaultFileMode)
	if err != nil {
		return nil, errors.Wrap(err, "open LOG")
	}
	return &LogFile{fd: fd}, nil
}

// Append 追加一行,自动加UTC时间戳
func (l *LogFile) Append(format string, args ...interface{}) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s %s\n",
		time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	l.mu.Lock()
	_, err := l.fd.WriteString(line)
	l.mu.Unlock()
	utils.Err(err)
}

func (l *LogFile) Close() error {
	if l == nil {
		return nil
	}
	return l.fd.Close()
}
