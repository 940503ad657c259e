package utils

import "sync"

const hashSetShardCount = 32

// HashSet 并发安全的uint64集合,按哈希低位分片加锁
// 读路径每次命中都要往里记一笔,分片是为了并发读之间别互相卡
type HashSet struct {
	shards [hashSetShardCount]hashSetShard
}

type hashSetShard struct {
	sync.Mutex
	m map[uint64]struct{}
}

func NewHashSet() *HashSet {
	s := &HashSet{}
	for i := range s.shards {
		s.shards[i].m = make(map[uint64]struct{})
	}
	return s
}

func (s *HashSet) shard(h uint64) *hashSetShard {
	return &s.shards[h%hashSetShardCount]
}

// Insert 记录一个哈希,重复插入是空操作
func (s *HashSet) Insert(h uint64) {
	sh := s.shard(h)
	sh.Lock()
	sh.m[h] = struct{}{}
	sh.Unlock()
}

func (s *HashSet) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].Lock()
		n += len(s.shards[i].m)
		s.shards[i].Unlock()
	}
	return n
}

// Drain 取走全部元素并清空
// write batch落盘时调用,把这段时间的访问记录并进新的meta文件
func (s *HashSet) Drain() []uint64 {
	var out []uint64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		for h := range sh.m {
			out = append(out, h)
		}
		sh.m = make(map[uint64]struct{})
		sh.Unlock()
	}
	return out
}
