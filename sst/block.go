package sst

import (
	"sort"

	"turbopersist/utils"

	"github.com/pkg/errors"
)

// key块解压后的布局,头部是定长条目数组,不解析key就能按hash二分:
// +-----------+---------------------------+----------------+
// | count u32 | count * 25B 条目头         | key字节区       |
// +-----------+---------------------------+----------------+
// 条目头: hash u64 | kind u8 | keyEnd u32 | v1 u32 | v2 u32 | v3 u32
// keyEnd是本条目的key在key字节区里的累计结束位置
// v1/v2/v3按kind解释: Inline=(value块下标,块内偏移,长度) Blob=(blob序列号,0,0) Tombstone=(0,0,0)
const (
	keyBlockHeaderSize = 4
	keyEntrySize       = 25
)

// valueRef 条目指向value数据的坐标
type valueRef struct {
	block  uint32
	off    uint32
	length uint32
}

// keyBlock 一个解压后的key块的只读视图,访问都直接落在字节上,不做反序列化
type keyBlock struct {
	data []byte
	n    int
}

func parseKeyBlock(data []byte) (keyBlock, error) {
	if len(data) < keyBlockHeaderSize {
		return keyBlock{}, errors.Wrap(utils.ErrTruncate, "key block header")
	}
	n := int(utils.Bytes2Uint32(data))
	base := keyBlockHeaderSize + n*keyEntrySize
	if n < 0 || len(data) < base {
		return keyBlock{}, errors.Wrap(utils.ErrTruncate, "key block entries")
	}
	if n > 0 {
		// 末条目的keyEnd必须正好吃满剩下的字节
		lastEnd := int(utils.Bytes2Uint32(data[keyBlockHeaderSize+(n-1)*keyEntrySize+9:]))
		if base+lastEnd != len(data) {
			return keyBlock{}, errors.Wrap(utils.ErrChecksumMismatch, "key block size")
		}
	}
	return keyBlock{data: data, n: n}, nil
}

func (b keyBlock) count() int {
	return b.n
}

func (b keyBlock) hashAt(i int) uint64 {
	return utils.Bytes2Uint64(b.data[keyBlockHeaderSize+i*keyEntrySize:])
}

func (b keyBlock) kindAt(i int) uint8 {
	return b.data[keyBlockHeaderSize+i*keyEntrySize+8]
}

func (b keyBlock) keyAt(i int) []byte {
	base := keyBlockHeaderSize + b.n*keyEntrySize
	start := 0
	if i > 0 {
		start = int(utils.Bytes2Uint32(b.data[keyBlockHeaderSize+(i-1)*keyEntrySize+9:]))
	}
	end := int(utils.Bytes2Uint32(b.data[keyBlockHeaderSize+i*keyEntrySize+9:]))
	return b.data[base+start : base+end]
}

func (b keyBlock) valueRefAt(i int) valueRef {
	off := keyBlockHeaderSize + i*keyEntrySize + 13
	return valueRef{
		block:  utils.Bytes2Uint32(b.data[off:]),
		off:    utils.Bytes2Uint32(b.data[off+4:]),
		length: utils.Bytes2Uint32(b.data[off+8:]),
	}
}

// searchHash 第一个hash >= h的条目下标
func (b keyBlock) searchHash(h uint64) int {
	return sort.Search(b.n, func(i int) bool {
		return b.hashAt(i) >= h
	})
}

// keyBlockBuilder 构建侧,按条目到来的顺序序列化一个key块
type keyBlockBuilder struct {
	headers []byte
	keys    []byte
	count   int
	maxHash uint64
}

func (kb *keyBlockBuilder) add(e *Entry, ref valueRef) {
	kb.keys = append(kb.keys, e.Key...)
	kb.headers = utils.AppendU64(kb.headers, e.Hash)
	kb.headers = append(kb.headers, e.Value.Kind)
	kb.headers = utils.AppendU32(kb.headers, uint32(len(kb.keys)))
	kb.headers = utils.AppendU32(kb.headers, ref.block)
	kb.headers = utils.AppendU32(kb.headers, ref.off)
	kb.headers = utils.AppendU32(kb.headers, ref.length)
	kb.count++
	kb.maxHash = e.Hash
}

// size 当前块的未压缩大小
func (kb *keyBlockBuilder) size() int {
	return keyBlockHeaderSize + len(kb.headers) + len(kb.keys)
}

func (kb *keyBlockBuilder) empty() bool {
	return kb.count == 0
}

func (kb *keyBlockBuilder) finish() []byte {
	out := make([]byte, 0, kb.size())
	out = utils.AppendU32(out, uint32(kb.count))
	out = append(out, kb.headers...)
	out = append(out, kb.keys...)
	return out
}

func (kb *keyBlockBuilder) reset() {
	kb.headers = kb.headers[:0]
	kb.keys = kb.keys[:0]
	kb.count = 0
	kb.maxHash = 0
}
