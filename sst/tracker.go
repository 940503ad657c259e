package sst

import "turbopersist/utils"

// ValueBlockCountTracker 跟踪一批条目写成sst后会产生多少个value块
// 收集器和builder用同一套封块规则,这里的计数就是将来文件里的真实块数
type ValueBlockCountTracker struct {
	// 当前共享块已经积累的小value字节
	sharedFill int
	// 已经封口的块数
	sealed int
}

// Add 按封块规则登记一个value
// 小value进共享块,超过目标大小就封口;中等value独占一块,并把当前共享块先封掉,
// 保证条目顺序和块下标顺序一致;墓碑和blob引用不占value块
func (t *ValueBlockCountTracker) Add(valueLen int) {
	switch {
	case valueLen == 0:
	case valueLen <= utils.MaxSmallValueSize:
		t.sharedFill += valueLen
		if t.sharedFill > utils.ValueBlockAvgSize {
			t.sealed++
			t.sharedFill = 0
		}
	default:
		if t.sharedFill > 0 {
			t.sealed++
			t.sharedFill = 0
		}
		t.sealed++
	}
}

// Count 当前会产生的value块数,未封口的共享块也算一个
func (t *ValueBlockCountTracker) Count() int {
	if t.sharedFill > 0 {
		return t.sealed + 1
	}
	return t.sealed
}

func (t *ValueBlockCountTracker) IsFull(limit int) bool {
	return t.Count() >= limit
}

func (t *ValueBlockCountTracker) IsHalfFull(limit int) bool {
	return t.Count() >= (limit+1)/2
}

func (t *ValueBlockCountTracker) Reset() {
	t.sharedFill = 0
	t.sealed = 0
}
