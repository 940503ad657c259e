package sst

import "turbopersist/utils"

// CollectorLimits 单个产出SST的容量上限,数据量、条目数、value块数
// 任何一个到顶都算满
type CollectorLimits struct {
	MaxBytes       uint64
	MaxEntries     int
	MaxValueBlocks int
}

func DefaultCollectorLimits() CollectorLimits {
	return CollectorLimits{
		MaxBytes:       utils.DataThresholdPerCompactedFile,
		MaxEntries:     utils.MaxEntriesPerCompactedFile,
		MaxValueBlocks: utils.MaxValueBlocksPerCompactedFile,
	}
}

// Collector 攒一个产出文件的条目,value块数用和构建器同一套规则预估
type Collector struct {
	entries []*Entry
	bytes   uint64
	tracker ValueBlockCountTracker
}

func (c *Collector) Add(e *Entry) {
	c.entries = append(c.entries, e)
	c.bytes += e.Size()
	c.tracker.Add(len(e.Value.Data))
}

func (c *Collector) Len() int {
	return len(c.entries)
}

func (c *Collector) Empty() bool {
	return len(c.entries) == 0
}

func (c *Collector) IsFull(lim CollectorLimits) bool {
	return c.bytes >= lim.MaxBytes ||
		len(c.entries) >= lim.MaxEntries ||
		c.tracker.IsFull(lim.MaxValueBlocks)
}

func (c *Collector) IsHalfFull(lim CollectorLimits) bool {
	return c.bytes >= (lim.MaxBytes+1)/2 ||
		len(c.entries) >= (lim.MaxEntries+1)/2 ||
		c.tracker.IsHalfFull(lim.MaxValueBlocks)
}

// FlushFunc 把一段有序条目固化成一个SST并返回它的meta记录
type FlushFunc func(entries []*Entry) (*MetaEntry, error)

// CollectorPair 双缓冲的产出器。老的满文件压在prev里不急着落盘,
// 等cur过半说明后面还有得写,prev才放心刷出去;收尾时把prev和cur
// 拼起来对半分成两个文件,免得队尾甩出一个小尾巴文件。
// 同hash的run永远不会被切到两个文件里
type CollectorPair struct {
	lim   CollectorLimits
	flush FlushFunc
	prev  *Collector
	cur   *Collector
	outs  []*MetaEntry
}

func NewCollectorPair(lim CollectorLimits, flush FlushFunc) *CollectorPair {
	return &CollectorPair{
		lim:   lim,
		flush: flush,
		prev:  &Collector{},
		cur:   &Collector{},
	}
}

// Add 条目必须按(hash,key)升序喂进来
func (p *CollectorPair) Add(e *Entry) error {
	// cur满了就轮换,但同hash的run不许拆,得等hash换了才动手
	if p.cur.IsFull(p.lim) {
		last := p.cur.entries[p.cur.Len()-1]
		if last.Hash != e.Hash {
			if err := p.flushPrev(); err != nil {
				return err
			}
			p.prev, p.cur = p.cur, &Collector{}
		}
	}
	p.cur.Add(e)
	// cur过半说明数据还多,压着的prev可以出去了
	if !p.prev.Empty() && p.cur.IsHalfFull(p.lim) {
		return p.flushPrev()
	}
	return nil
}

func (p *CollectorPair) flushPrev() error {
	if p.prev.Empty() {
		return nil
	}
	me, err := p.flush(p.prev.entries)
	if err != nil {
		return err
	}
	p.outs = append(p.outs, me)
	p.prev = &Collector{}
	return nil
}

// Finish 清空两个缓冲。prev还压着东西时说明总量不到一个半文件,
// 和cur拼一起对半分,分界点挪到hash边界上
func (p *CollectorPair) Finish() ([]*MetaEntry, error) {
	if p.prev.Empty() && p.cur.Empty() {
		return p.outs, nil
	}
	if p.prev.Empty() {
		me, err := p.flush(p.cur.entries)
		if err != nil {
			return nil, err
		}
		p.outs = append(p.outs, me)
		p.cur = &Collector{}
		return p.outs, nil
	}
	all := append(p.prev.entries, p.cur.entries...)
	mid := len(all) / 2
	for mid < len(all) && all[mid].Hash == all[mid-1].Hash {
		mid++
	}
	for _, part := range [][]*Entry{all[:mid], all[mid:]} {
		if len(part) == 0 {
			continue
		}
		me, err := p.flush(part)
		if err != nil {
			return nil, err
		}
		p.outs = append(p.outs, me)
	}
	p.prev, p.cur = &Collector{}, &Collector{}
	return p.outs, nil
}

// Outputs 到目前为止已经落盘的产出
func (p *CollectorPair) Outputs() []*MetaEntry {
	return p.outs
}
