package utils

import (
	"fmt"
	"hash/crc32"
	"path"
	"strconv"
	"strings"
)

// 根据fileName解析出序列号和后缀
// 数据文件统一叫 {seq:08}.sst/.meta/.blob/.del，其他名字一律不认
func ParseSeqName(fileName string) (seq uint32, suffix string, ok bool) {
	// 将路径提取为文件的名字，也就是路径的最后一个元素
	fileName = path.Base(fileName)
	dot := strings.IndexByte(fileName, '.')
	if dot != SeqNameLen {
		return 0, "", false
	}
	id, err := strconv.ParseUint(fileName[:dot], 10, 32)
	if err != nil {
		return 0, "", false
	}
	suffix = fileName[dot:]
	switch suffix {
	case SstFileSuffix, MetaFileSuffix, BlobFileSuffix, DelFileSuffix:
		return uint32(id), suffix, true
	}
	return 0, "", false
}

// 根据序列号和后缀拼出文件名
func SeqName(seq uint32, suffix string) string {
	return fmt.Sprintf("%08d%s", seq, suffix)
}

// 计算checksum
func CalculateChecksum(data []byte) uint32 {
	return crc32.Checksum(data, CastagnoliCrcTable)
}

// 校验checksum
func VerifyChecksum(data []byte, expected uint32) error {
	if CalculateChecksum(data) != expected {
		return ErrChecksumMismatch
	}
	return nil
}
