package sst

import (
	"container/heap"

	"turbopersist/utils"
)

type mergeSource struct {
	it  *FileIter
	seq uint32
	e   *Entry
}

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := utils.CompareHashKey(h[i].e.Hash, h[i].e.Key, h[j].e.Hash, h[j].e.Key)
	if c != 0 {
		return c < 0
	}
	// 同一个key以seq大的为准,它先出堆
	return h[i].seq > h[j].seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// MergeIter 多路归并,按(hash,key)升序吐条目,同key只留最新版本。
// 墓碑也是版本,照常保留,被吞掉的老版本里挂着的blob记到DroppedBlobs里
type MergeIter struct {
	h            mergeHeap
	cur          *Entry
	droppedBlobs []uint32
	err          error
}

func NewMergeIter(files []*File) (*MergeIter, error) {
	m := &MergeIter{}
	for _, f := range files {
		it := f.NewIter()
		if !it.Valid() {
			if err := it.Err(); err != nil {
				return nil, err
			}
			continue
		}
		e, err := it.Entry()
		if err != nil {
			return nil, err
		}
		m.h = append(m.h, &mergeSource{it: it, seq: f.Seq(), e: e})
	}
	heap.Init(&m.h)
	m.Next()
	return m, m.err
}

func (m *MergeIter) Valid() bool {
	return m.err == nil && m.cur != nil
}

func (m *MergeIter) Err() error {
	return m.err
}

// Entry 当前赢家。条目是下层迭代器拷出来的独立对象,拿走攒着没问题
func (m *MergeIter) Entry() *Entry {
	return m.cur
}

func (m *MergeIter) Next() {
	if m.err != nil || len(m.h) == 0 {
		m.cur = nil
		return
	}
	m.cur = m.h[0].e
	m.step()
	for m.err == nil && len(m.h) > 0 {
		t := m.h[0]
		if utils.CompareHashKey(m.cur.Hash, m.cur.Key, t.e.Hash, t.e.Key) != 0 {
			break
		}
		// 老版本,吞掉
		if t.e.Value.Kind == KindBlob {
			m.droppedBlobs = append(m.droppedBlobs, t.e.Value.BlobSeq)
		}
		m.step()
	}
}

// step 推进堆顶的源,耗尽了就出堆
func (m *MergeIter) step() {
	s := m.h[0]
	s.it.Next()
	if !s.it.Valid() {
		if err := s.it.Err(); err != nil {
			m.err = err
			return
		}
		heap.Pop(&m.h)
		return
	}
	e, err := s.it.Entry()
	if err != nil {
		m.err = err
		return
	}
	s.e = e
	heap.Fix(&m.h, 0)
}

// DroppedBlobs 归并中被新版本盖掉的blob文件seq
func (m *MergeIter) DroppedBlobs() []uint32 {
	return m.droppedBlobs
}
