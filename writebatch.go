package turbopersist

import (
	"os"
	"sort"
	"sync"

	"turbopersist/amqf"
	"turbopersist/file"
	"turbopersist/sst"
	"turbopersist/utils"

	"github.com/pkg/errors"
)

// WriteBatch 一次提交的全部待写内容。同一时刻全库只允许一个,
// 由beginWrite的CAS闸门保证。内存里只留未落盘的部分:
// 攒多了就提前串流落盘成sst,批的大小不受内存限制
type WriteBatch struct {
	db       *TurboPersistence
	families []*batchFamily
	done     bool
}

// batchFamily 一个family的待写状态,各family互不影响,可以并发插入
type batchFamily struct {
	db      *TurboPersistence
	family  uint32
	mu      sync.Mutex
	pending map[string]sst.EntryValue
	// pending里key+value的字节数,墓碑和blob引用只算key
	pendingBytes uint64
	// 提前落盘的sst,时间序,越靠后越新
	spilled []*sst.MetaEntry
	// 本批写出的blob文件(seq到路径),提交时要一起fsync
	blobPaths map[uint32]string
	// 同一个key在本批里被覆盖时,先前写出的blob成了孤儿,finish时清掉
	orphanBlobs []uint32
	keysWritten uint64
}

// WriteBatch 开启一个写批。另一个写批或压缩在跑时立刻失败
func (db *TurboPersistence) WriteBatch() (*WriteBatch, error) {
	if err := db.beginWrite(); err != nil {
		return nil, err
	}
	b := &WriteBatch{
		db:       db,
		families: make([]*batchFamily, db.opt.Families),
	}
	for i := range b.families {
		b.families[i] = &batchFamily{
			db:        db,
			family:    uint32(i),
			pending:   make(map[string]sst.EntryValue),
			blobPaths: make(map[uint32]string),
		}
	}
	return b, nil
}

// Put 写入一个key/value。超过中值上限的value立刻落成blob文件,
// 内存和sst里只留它的序列号
func (b *WriteBatch) Put(family int, key, value []byte) error {
	bf, err := b.check(family, key)
	if err != nil {
		return err
	}
	var ev sst.EntryValue
	var blobPath string
	if len(value) > utils.MaxMediumValueSize {
		seq := b.db.allocSeq()
		if blobPath, err = file.WriteBlobFile(b.db.dir, seq, value); err != nil {
			return err
		}
		ev = sst.BlobValue(seq)
	} else {
		ev = sst.InlineValue(utils.SafeCopy(nil, value))
	}
	return bf.insert(key, ev, blobPath)
}

// Delete 写入一个墓碑,压住所有更老的同名key
func (b *WriteBatch) Delete(family int, key []byte) error {
	bf, err := b.check(family, key)
	if err != nil {
		return err
	}
	return bf.insert(key, sst.Tombstone(), "")
}

func (b *WriteBatch) check(family int, key []byte) (*batchFamily, error) {
	if b.done {
		return nil, errors.New("write batch already finished")
	}
	if err := b.db.checkFamily(family); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, utils.ErrEmptyKey
	}
	return b.families[family], nil
}

func (bf *batchFamily) insert(key []byte, ev sst.EntryValue, blobPath string) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if old, ok := bf.pending[string(key)]; ok {
		bf.pendingBytes -= uint64(len(old.Data))
		if old.Kind == sst.KindBlob {
			bf.orphanBlobs = append(bf.orphanBlobs, old.BlobSeq)
		}
	} else {
		bf.pendingBytes += uint64(len(key))
		bf.keysWritten++
	}
	bf.pending[string(key)] = ev
	bf.pendingBytes += uint64(len(ev.Data))
	if blobPath != "" {
		bf.blobPaths[ev.BlobSeq] = blobPath
	}
	if len(bf.pending) >= utils.WriteBatchMaxPendingEntries ||
		bf.pendingBytes >= utils.WriteBatchMaxPendingBytes {
		return bf.spillNow()
	}
	return nil
}

// sortedEntries 把pending导出成(hash,key)升序的条目数组
func (bf *batchFamily) sortedEntries() []*sst.Entry {
	entries := make([]*sst.Entry, 0, len(bf.pending))
	for k, v := range bf.pending {
		key := []byte(k)
		entries = append(entries, &sst.Entry{
			Hash:  utils.HashKey(key),
			Key:   key,
			Value: v,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Compare(entries[j]) < 0
	})
	return entries
}

// finishResult finish产出的全部东西,提交协议的输入
type finishResult struct {
	newMetas    []*sst.MetaFile
	syncPaths   []string
	keysWritten uint64
}

// finish 把所有family剩余的内存条目落成sst,给每个动过的family
// 汇出一个meta文件(带上这段时间的被访问key过滤器)。
// 不做fsync也不碰CURRENT,那是提交的事
func (b *WriteBatch) finish() (*finishResult, error) {
	res := &finishResult{}
	var mu sync.Mutex
	err := b.db.sched.ForEach(len(b.families), func(i int) error {
		bf := b.families[i]
		bf.mu.Lock()
		defer bf.mu.Unlock()
		for _, seq := range bf.orphanBlobs {
			// 从未被任何meta引用过,直接清掉,别再fsync它
			utils.Err(os.Remove(b.db.blobPath(seq)))
			delete(bf.blobPaths, seq)
		}
		if len(bf.pending) > 0 {
			if err := bf.spillNow(); err != nil {
				return err
			}
		}
		if len(bf.spilled) == 0 {
			return nil
		}
		// 咨询顺序:越新的spill越靠前
		entries := make([]*sst.MetaEntry, 0, len(bf.spilled))
		for j := len(bf.spilled) - 1; j >= 0; j-- {
			entries = append(entries, bf.spilled[j])
		}
		var used *amqf.Filter
		if hashes := b.db.accessed[i].Drain(); len(hashes) > 0 {
			used = amqf.BuildFromHashes(hashes)
		}
		m, err := sst.WriteMetaFile(b.db.dir, b.db.allocSeq(), uint32(i), entries, nil, used)
		if err != nil {
			return err
		}
		mu.Lock()
		res.newMetas = append(res.newMetas, m)
		for _, e := range entries {
			res.syncPaths = append(res.syncPaths, b.db.sstPath(e.Seq))
		}
		for _, p := range bf.blobPaths {
			res.syncPaths = append(res.syncPaths, p)
		}
		res.keysWritten += bf.keysWritten
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// spillNow 当前pending落成一个sst,调用方持有bf.mu
func (bf *batchFamily) spillNow() error {
	entries := bf.sortedEntries()
	me, err := sst.WriteSstFile(bf.db.dir, bf.db.allocSeq(), bf.family, entries)
	if err != nil {
		return err
	}
	bf.spilled = append(bf.spilled, me)
	bf.pending = make(map[string]sst.EntryValue)
	bf.pendingBytes = 0
	return nil
}

// Cancel 放弃整个写批,清掉已经写出的文件并释放写闸门。
// 不调用也不会破坏一致性:未提交的文件序列号都超过CURRENT,
// 下次打开会被当垃圾清理,但写闸门会一直占到进程结束
func (b *WriteBatch) Cancel() {
	if b.done {
		return
	}
	b.done = true
	for _, bf := range b.families {
		bf.mu.Lock()
		for _, me := range bf.spilled {
			utils.Err(os.Remove(b.db.sstPath(me.Seq)))
		}
		for _, p := range bf.blobPaths {
			utils.Err(os.Remove(p))
		}
		bf.mu.Unlock()
	}
	b.db.endWrite()
}

// CommitWriteBatch 落盘并提交一个写批,这是写入唯一的生效入口。
// 无论成败都释放写闸门:提交中途失败丢的是本批,已提交状态不受影响,
// 没有理由把整个库的写能力一起陪葬
func (db *TurboPersistence) CommitWriteBatch(b *WriteBatch) error {
	utils.CondPanic(b == nil || b.db != db, errors.New("write batch belongs to another database"))
	if b.done {
		// 已经finish或cancel过,闸门早就不归它了
		return errors.New("write batch already finished")
	}
	// 从这里起这个批就算消耗掉了,成败都一样:
	// 闸门只在本次调用里释放一次,之后的Cancel不准再碰它
	b.done = true
	defer db.endWrite()
	res, err := b.finish()
	if err != nil {
		return err
	}
	if len(res.newMetas) == 0 {
		// 空批,什么都没发生
		return nil
	}
	return db.commit(commitOptions{
		what:        "commit",
		newMetas:    res.newMetas,
		syncPaths:   res.syncPaths,
		keysWritten: res.keysWritten,
	})
}
