package cache

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

/*
	大体的策略是所有的数据都会进入到 Window-LRU 中，当WLRU满了之后会弹出链表末尾的节点W；
	尝试将W放入到 segment-LRU 中，在segmentLRU中会首先进入到Probation中，当Probation中的数据再被访问会加入到Protected；
	W加入到Probation中会通过 CMSketch中的计数来和 Probation的A1作比较；
	当W试图加入到Probation时会首先经过BloomFilter来快速判断是否出现过至少一次；

	缓存的对象是解压之后的数据块：点查时同一个块附近的key会被反复命中，
	压缩解压是读路径上最大的开销，块级缓存能把它摊掉。

	1. 针对只访问一次的块，在WLRU中很快就被淘汰了，不会占用缓存空间；
	2. 针对突发性的稀疏流量，WLRU可以很好的适应这种访问模型；
	3. 针对真正的热点块，很快就会从WLRU中加入到Protected区
*/

// WLRU中占据所有空间的多少(百分比)
const wlruPct = 1

// 基于Window-TinyLFU实现的块缓存
// key是(文件序列号<<32|块下标),文件不可变且序列号全库唯一,key不会撞
type Cache struct {
	m    sync.Mutex
	wlru *windowLRU
	slru *segmentedLRU
	// 快速判断是否至少被访问过一次，用于准入策略
	door *bloom.BloomFilter
	// 计数器
	cs *cmSketch
	// 对Cache的访问数据量
	total int32
	// 需要reset的阈值,到了之后计数减半保鲜
	threshold int32
	// 数据存储的map
	data map[uint64]*list.Element

	cap    int
	hits   uint64
	misses uint64
}

// Stats 缓存的累计命中情况,给DB的统计接口用
type Stats struct {
	Hits     uint64
	Misses   uint64
	Len      int
	Capacity int
}

// BlockKey 把(文件序列号,块下标)拼成缓存key
func BlockKey(fileSeq uint32, blockIdx uint32) uint64 {
	return uint64(fileSeq)<<32 | uint64(blockIdx)
}

// 根据size创建cache，size指的是需要缓存的块个数
// 默认其中1%的空间是wlru，剩下的空间的80%是Protected A2， 20%是Probation A1；
func NewCache(size int) *Cache {
	if size < 3 {
		size = 3
	}
	// 默认占1%
	wlruSize := (wlruPct * size) / 100
	if wlruSize < 1 {
		wlruSize = 1
	}

	// 计算SLRU部分空间
	slruSize := size - wlruSize
	// 其中A1 probation部分占用20%
	a1Size := int(0.2 * float64(slruSize))
	if a1Size < 1 {
		a1Size = 1
	}

	data := make(map[uint64]*list.Element, size)

	return &Cache{
		// data是共用的，创建对应大小的wlru
		wlru: newWindowLRU(wlruSize, data),
		// data是共用的，创建对应大小的slru
		slru: newSLRU(data, a1Size, size-a1Size-wlruSize),
		door: bloom.NewWithEstimates(uint(size), 0.001),
		// 访问量到了容量的10倍就把计数减半，让旧热点慢慢过期
		threshold: int32(10 * size),
		cs:        newCmSketch(int64(size)),
		data:      data,
		cap:       size,
	}
}

func keyBytes(key uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	return b[:]
}

// set
func (c *Cache) set(key uint64, value []byte) bool {
	item := storeItem{
		stage: 0,
		key:   key,
		value: value,
	}

	// 所有的数据都一定要加入到wlru中
	// 如果wlru满了，就要从wlru中淘汰一个item
	eitem, evicted := c.wlru.add(item)

	// 如果不需要淘汰，直接返回
	if !evicted {
		return true
	}
	// 如果需要从wlru中淘汰，就要将这eitem放入到SLRU中
	// 如果SLRU没有满，返回nil，如果满了返回A1的最后一个item
	vitem := c.slru.victim()

	// 如果A1没有满，将eitem放入到A1中
	if vitem == nil {
		c.slru.add(eitem)
		return true
	}

	// 检查一下wlru中淘汰出来的eitem是否在doorkeeper中，如果存在就说明可能之前被访问过
	// 如果不存在就说明之前肯定没有被访问过，就没有必要放到slru中
	if !c.door.TestOrAdd(keyBytes(eitem.key)) {
		return true
	}

	// 从cmSketch中获取到两个item的大概的访问数,做准入对比
	vcount := c.cs.GetEstimate(vitem.key)
	ocount := c.cs.GetEstimate(eitem.key)
	// 如果slru A1中将被替换出来的vitem的访问次数更多，就不替换
	if vcount > ocount {
		return true
	}
	c.slru.add(eitem)
	return true
}

// Set 写入一个解压后的块
func (c *Cache) Set(key uint64, value []byte) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.set(key, value)
}

// get
// 查找会调整LRU链表和计数器，所以和写一样拿互斥锁
func (c *Cache) get(key uint64) ([]byte, bool) {
	// 首先将cache计数+1
	c.total++
	// 判断是否需要reset
	if c.total >= c.threshold {
		c.cs.Reset()
		c.door.ClearAll()
		c.total = 0
	}

	element, ok := c.data[key]
	// 如果缓存中不存在，在doorkeeper中插入记录(表示至少被访问过一次)，在计数器中自增
	if !ok {
		c.door.TestOrAdd(keyBytes(key))
		c.cs.Increment(key)
		c.misses++
		return nil, false
	}

	item := element.Value.(*storeItem)

	// 标记一下，再自增计数；
	c.door.TestOrAdd(keyBytes(key))
	c.cs.Increment(item.key)
	val := item.value
	if item.stage == 0 {
		// 如果在wlru中，会调整wlru中的数据
		c.wlru.get(element)
	} else {
		// 如果在slru中，调整在slru中的数据
		c.slru.get(element)
	}
	c.hits++
	return val, true
}

// Get 查一个块,返回的字节属于缓存,调用方只读不改
func (c *Cache) Get(key uint64) ([]byte, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.get(key)
}

// del
func (c *Cache) del(key uint64) bool {
	element, ok := c.data[key]
	if !ok {
		return false
	}
	item := element.Value.(*storeItem)
	// 只在data和链表中删除，doorkeeper和cmSketch的记录只在reset的时候清理
	switch item.stage {
	case 0:
		c.wlru.remove(element)
	default:
		c.slru.remove(element)
	}
	delete(c.data, key)
	return true
}

// Del 在Cache中删除一个key
func (c *Cache) Del(key uint64) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.del(key)
}

// Clear 清空全部缓存内容,容量和统计口径保持不变
func (c *Cache) Clear() {
	c.m.Lock()
	defer c.m.Unlock()

	size := c.cap
	wlruSize := (wlruPct * size) / 100
	if wlruSize < 1 {
		wlruSize = 1
	}
	slruSize := size - wlruSize
	a1Size := int(0.2 * float64(slruSize))
	if a1Size < 1 {
		a1Size = 1
	}
	data := make(map[uint64]*list.Element, size)
	c.wlru = newWindowLRU(wlruSize, data)
	c.slru = newSLRU(data, a1Size, size-a1Size-wlruSize)
	c.data = data
	c.door.ClearAll()
	c.cs.Clear()
	c.total = 0
}

func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.data)
}

func (c *Cache) Stats() Stats {
	c.m.Lock()
	defer c.m.Unlock()
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Len:      len(c.data),
		Capacity: c.cap,
	}
}

// test
func (c *Cache) String() string {
	var s string
	s += c.wlru.String() + " | " + c.slru.String()
	return s
}
