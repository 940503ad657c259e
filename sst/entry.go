// sst包实现不可变的静态有序文件(static sorted table)以及配套的meta索引文件
// 一个sst内的条目按(hash, key)全序排列,切成可独立解压的key块和value块
package sst

import "turbopersist/utils"

// value的三种形态
const (
	// KindTombstone 墓碑,压住更老文件里的同名key
	KindTombstone uint8 = iota
	// KindInline value直接存在本文件的value块里
	KindInline
	// KindBlob value太大,单独放在一个blob文件里,这里只存它的序列号
	KindBlob
)

// EntryValue 条目的值部分
type EntryValue struct {
	Kind    uint8
	Data    []byte
	BlobSeq uint32
}

func Tombstone() EntryValue {
	return EntryValue{Kind: KindTombstone}
}

func InlineValue(data []byte) EntryValue {
	return EntryValue{Kind: KindInline, Data: data}
}

func BlobValue(seq uint32) EntryValue {
	return EntryValue{Kind: KindBlob, BlobSeq: seq}
}

// Entry 一条写入中或归并中的记录
type Entry struct {
	Hash  uint64
	Key   []byte
	Value EntryValue
}

// Size 条目占据的key+value字节数,收集器按这个算额度
func (e *Entry) Size() uint64 {
	return uint64(len(e.Key)) + uint64(len(e.Value.Data))
}

// Compare 按(hash, key)全序比较
func (e *Entry) Compare(o *Entry) int {
	return utils.CompareHashKey(e.Hash, e.Key, o.Hash, o.Key)
}

// 点查在单个sst层面的结果分类,外层按这个统计miss的去向
type LookupResult int

const (
	// LookupFamilyMiss 这个family名下一个sst都没有
	LookupFamilyMiss LookupResult = iota
	// LookupRangeMiss 哈希不在这个sst的[min,max]范围里
	LookupRangeMiss
	// LookupFilterMiss 被amqf拦下,没有做任何解压
	LookupFilterMiss
	// LookupNotFound 解开块找过了,确实没有
	LookupNotFound
	// LookupFound 找到了一个带值的条目
	LookupFound
	// LookupFoundTombstone 找到的是墓碑,对调用者来说这个key不存在,
	// 但和NotFound不同,不能再往更老的文件里找
	LookupFoundTombstone
)

// LookupValue Found时的载荷
// BlobSeq非0表示值在blob文件里,由上层负责去读;否则Inline就是值本身
type LookupValue struct {
	Inline  []byte
	BlobSeq uint32
}
