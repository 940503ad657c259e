package turbopersist

import (
	"sync/atomic"

	"turbopersist/utils/cache"
)

// lookupCounters 点查的累计计数,miss按被哪一层筛掉归因
type lookupCounters struct {
	lookups    atomic.Uint64
	hits       atomic.Uint64
	familyMiss atomic.Uint64
	rangeMiss  atomic.Uint64
	filterMiss atomic.Uint64
	keyMiss    atomic.Uint64
}

// Statistics 一个时间点上的运行统计快照
type Statistics struct {
	Lookups uint64 `json:"lookups"`
	Hits    uint64 `json:"hits"`
	// miss的去向:family下没有文件 / 哈希不在范围 / 被amqf拦下 /
	// 解开块之后确实没有
	FamilyMisses uint64 `json:"family_misses"`
	RangeMisses  uint64 `json:"range_misses"`
	FilterMisses uint64 `json:"filter_misses"`
	KeyMisses    uint64 `json:"key_misses"`

	KeyBlockCache   cache.Stats `json:"key_block_cache"`
	ValueBlockCache cache.Stats `json:"value_block_cache"`

	MetaFiles      int `json:"meta_files"`
	SstFiles       int `json:"sst_files"`
	OpenSstHandles int `json:"open_sst_handles"`
}

// HitRate 点查命中率
func (s *Statistics) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Lookups)
}

// Statistics 采一份当前统计
func (db *TurboPersistence) Statistics() *Statistics {
	db.mu.RLock()
	metaN := len(db.metaFiles)
	sstN := 0
	for _, m := range db.metaFiles {
		sstN += len(m.Entries)
	}
	db.mu.RUnlock()

	return &Statistics{
		Lookups:         db.counters.lookups.Load(),
		Hits:            db.counters.hits.Load(),
		FamilyMisses:    db.counters.familyMiss.Load(),
		RangeMisses:     db.counters.rangeMiss.Load(),
		FilterMisses:    db.counters.filterMiss.Load(),
		KeyMisses:       db.counters.keyMiss.Load(),
		KeyBlockCache:   db.keyCache.Stats(),
		ValueBlockCache: db.valueCache.Stats(),
		MetaFiles:       metaN,
		SstFiles:        sstN,
		OpenSstHandles:  db.files.len(),
	}
}
