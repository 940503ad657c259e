package utils

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	gopath = path.Join(os.Getenv("GOPATH"), "src") + "/"
)

var (
	// ErrCorrupt 损坏类错误的总根,具体的三种都挂在它下面,
	// 调用方用 errors.Is(err, ErrCorrupt) 一把抓
	ErrCorrupt = errors.New("corrupt data")
	// ErrBadMagic 文件头尾的 magic 对不上,基本是打开了别人的文件
	ErrBadMagic = fmt.Errorf("%w: bad magic", ErrCorrupt)
	// ErrChecksumMismatch 校验和不一致,文件内容被破坏
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	// ErrTruncate 文件比格式要求的更短
	ErrTruncate = fmt.Errorf("%w: file truncated", ErrCorrupt)

	ErrEmptyKey         = errors.New("key cannot be empty")
	ErrFamilyOutOfRange = errors.New("family out of range")

	// ErrWriteConflict 同一时刻只允许一个 write batch 存在
	ErrWriteConflict = errors.New("another write batch is already active")
	ErrReadOnly      = errors.New("database is read-only")
	ErrClosed        = errors.New("database is closed")
)

func Panic(err error) {
	if err != nil {
		panic(err)
	}
}
func CondPanic(condition bool, err error) {
	if condition {
		Panic(err)
	}
}
func location(deep int, fullPath bool) string {
	_, file, line, ok := runtime.Caller(deep)
	if !ok {
		file = "???"
		line = 0
	}

	if fullPath {
		if strings.HasPrefix(file, gopath) {
			file = file[len(gopath):]
		}
	} else {
		file = filepath.Base(file)
	}
	return file + ":" + strconv.Itoa(line)
}

// Err err
func Err(err error) error {
	if err != nil {
		fmt.Printf("%s %s\n", location(2, true), err)
	}
	return err
}
