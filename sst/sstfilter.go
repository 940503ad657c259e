package sst

import "sort"

// SstFilter 按meta从新到旧的顺序做文件级的取舍:新meta废弃掉的seq,
// 在更老的meta里即使还挂着条目也不再算数;被任何在役meta认领过的seq
// 不能物理删除,这样挪文件(move)就不用重写数据。
// 喂的顺序必须是meta seq严格降序,先过滤本meta的条目,再吸收它的废弃名单
type SstFilter struct {
	dropped map[uint32]struct{}
	live    map[uint32]struct{}
}

func NewSstFilter() *SstFilter {
	return &SstFilter{
		dropped: make(map[uint32]struct{}),
		live:    make(map[uint32]struct{}),
	}
}

func (sf *SstFilter) isDropped(seq uint32) bool {
	_, ok := sf.dropped[seq]
	return ok
}

// IsLive seq有没有被在役meta认领
func (sf *SstFilter) IsLive(seq uint32) bool {
	_, ok := sf.live[seq]
	return ok
}

// Drop 把一批seq直接记为废弃,重放.del文件时用
func (sf *SstFilter) Drop(seqs []uint32) {
	for _, s := range seqs {
		sf.dropped[s] = struct{}{}
	}
}

// FilterMeta 返回m里仍然在役的条目。meta被废弃、或者它的SST一个都
// 没剩下时,这个meta整体出局(调用方据此回收meta文件本身);
// 它的废弃名单无论如何都要吸收,崩溃后半删的文件得靠这个补刀
func (sf *SstFilter) FilterMeta(m *MetaFile) []*MetaEntry {
	var alive []*MetaEntry
	if !sf.isDropped(m.Seq) {
		for _, e := range m.Entries {
			if sf.isDropped(e.Seq) || sf.IsLive(e.Seq) {
				continue
			}
			sf.live[e.Seq] = struct{}{}
			alive = append(alive, e)
		}
		if len(alive) > 0 {
			sf.live[m.Seq] = struct{}{}
		}
	}
	for _, s := range m.Obsolete {
		sf.dropped[s] = struct{}{}
	}
	return alive
}

// Deletable 废弃且没被认领的seq,升序返回
func (sf *SstFilter) Deletable() []uint32 {
	out := make([]uint32, 0, len(sf.dropped))
	for s := range sf.dropped {
		if !sf.IsLive(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
