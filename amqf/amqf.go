// amqf 近似成员查询过滤器(approximate membership query filter)
// 两处在用:每个sst在meta里带一个"本文件有哪些key"的过滤器,点查时先过滤再开文件;
// 每个meta还带一个"上次压缩以来被访问过的key"的过滤器,压缩时用它把数据分成冷热两摊。
// 底层直接用bloomfilter,误判只会造成多读一次文件,不影响正确性。
package amqf

import (
	"bytes"
	"encoding/binary"

	"turbopersist/utils"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

// Filter 一个不可变的key哈希集合的近似表示
type Filter struct {
	bf *bloom.BloomFilter
}

func hashBytes(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

// BuildFromHashes 根据一组已知的key哈希构建过滤器
// 构建时元素个数是确定的,按个数加余量选型,不存在中途扩容
func BuildFromHashes(hashes []uint64) *Filter {
	n := uint(float64(len(hashes))*utils.AmqfCapacityHeadroom) + 1
	bf := bloom.NewWithEstimates(n, utils.AmqfFalsePositiveRate)
	for _, h := range hashes {
		bf.Add(hashBytes(h))
	}
	return &Filter{bf: bf}
}

// ContainsHash 判断哈希是否可能在集合里
// 返回false一定不在,返回true可能在
func (f *Filter) ContainsHash(h uint64) bool {
	if f == nil || f.bf == nil {
		return false
	}
	return f.bf.Test(hashBytes(h))
}

// Bytes 序列化,直接用bloomfilter自带的编码(m,k,bitset)
func (f *Filter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.bf.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "amqf serialize")
	}
	return buf.Bytes(), nil
}

// ParseFilter 反序列化
func ParseFilter(data []byte) (*Filter, error) {
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "amqf parse")
	}
	return &Filter{bf: bf}, nil
}

// Union 一组过滤器的并集视图
// 各过滤器的位数组大小不一样没法直接按位或,逐个查询语义上就是精确的并集
type Union []*Filter

func (u Union) ContainsHash(h uint64) bool {
	for _, f := range u {
		if f.ContainsHash(h) {
			return true
		}
	}
	return false
}
