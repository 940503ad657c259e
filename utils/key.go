// key处理相关

package utils

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// 把key映射到64位哈希空间
// 条目从写入到落盘全程按(hash, key)排序，哈希相等时再按key的字节序比较
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// 按(hash, key)比较，所有sst内部顺序以及归并时用的都是这一个全序
func CompareHashKey(h1 uint64, key1 []byte, h2 uint64, key2 []byte) int {
	if h1 < h2 {
		return -1
	}
	if h1 > h2 {
		return 1
	}
	return bytes.Compare(key1, key2)
}

// copy
func SafeCopy(needKey, key []byte) []byte {
	return append(needKey[:0], key...)
}
