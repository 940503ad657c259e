package utils

import (
	"encoding/binary"
)

// 磁盘上的整数一律大端:字节序即数值序,看 hexdump 也直观

// 将byte数组转化为uint32，直接按大端读取
// 例如buf == [139,39] == [10001000,00100111]，
// 使用binary.Uvarint(buf)可以读取到5000，0010011 10001000
// 使用binary.BigEndian.Uint32(buf)会不考虑变长编码规则，按照大端读取32位
func Bytes2Uint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// 将byte数组转化为uint64，直接按大端读取
func Bytes2Uint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// 将uint32转化为byte数组
func Uint32ToBytes(u32 uint32) []byte {
	var buf [U32Size]byte
	binary.BigEndian.PutUint32(buf[:], u32)
	return buf[:]
}

// 追加写,省掉中间的小分配
func AppendU32(buf []byte, u32 uint32) []byte {
	var b [U32Size]byte
	binary.BigEndian.PutUint32(b[:], u32)
	return append(buf, b[:]...)
}

func AppendU64(buf []byte, u64 uint64) []byte {
	var b [U64Size]byte
	binary.BigEndian.PutUint64(b[:], u64)
	return append(buf, b[:]...)
}
