package turbopersist

import (
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"turbopersist/file"
	"turbopersist/sst"
	"turbopersist/utils"
)

// commitOptions 一次提交要发布的全部新文件
type commitOptions struct {
	what string
	// newMetas 本次产出的meta,写完但还没fsync
	newMetas []*sst.MetaFile
	// syncPaths 本次产出的sst和blob,同样待fsync
	syncPaths   []string
	keysWritten uint64
}

// commit 耐久化协议,调用方必须持有写闸门。顺序是生死攸关的:
// 1. fsync所有新meta并重开校验,再fsync所有新sst/blob和目录项;
// 2. 用SstFilter算出新状态替代掉了哪些旧meta/sst;
// 3. 写锁内整体替换内存里的meta列表;
// 4. 有文件作废就先写一个.del名单并fsync,崩在删文件中途可以重放;
// 5. 原地覆写CURRENT,这4个字节落盘的一瞬间新状态才算数;
// 6. 之后才物理删除被替代的文件,删失败也无妨,.del兜底;
// 7. 给LOG追加一行,纯诊断
func (db *TurboPersistence) commit(op commitOptions) error {
	start := time.Now()

	// 1. meta先sync,重开一遍当作落盘后的完整性验证
	newMetas := make([]*sst.MetaFile, 0, len(op.newMetas))
	for _, m := range op.newMetas {
		if err := file.SyncPath(m.Path); err != nil {
			return err
		}
		reopened, err := sst.OpenMetaFile(m.Path)
		if err != nil {
			return err
		}
		newMetas = append(newMetas, reopened)
	}
	if err := db.sched.ForEach(len(op.syncPaths), func(i int) error {
		return file.SyncPath(op.syncPaths[i])
	}); err != nil {
		return err
	}
	if err := file.SyncDir(db.dir); err != nil {
		return err
	}

	// meta从新到旧喂给过滤器,新meta认领过的seq旧meta说了不算
	sort.Slice(newMetas, func(i, j int) bool { return newMetas[i].Seq > newMetas[j].Seq })
	sf := sst.NewSstFilter()
	for _, m := range newMetas {
		sf.FilterMeta(m)
	}

	// 2+3. 写锁内算出替代关系并替换在役列表
	db.mu.Lock()
	var obsoleteMetas []uint32
	merged := make([]*sst.MetaFile, 0, len(newMetas)+len(db.metaFiles))
	merged = append(merged, newMetas...)
	for _, old := range db.metaFiles {
		alive := sf.FilterMeta(old)
		if len(alive) == 0 {
			obsoleteMetas = append(obsoleteMetas, old.Seq)
			continue
		}
		if len(alive) == len(old.Entries) {
			merged = append(merged, old)
		} else {
			merged = append(merged, old.Trim(alive))
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq > merged[j].Seq })
	db.metaFiles = merged
	db.mu.Unlock()

	obsolete := append(sf.Deletable(), obsoleteMetas...)
	sort.Slice(obsolete, func(i, j int) bool { return obsolete[i] < obsolete[j] })

	// 4. 先立删除名单
	if len(obsolete) > 0 {
		delPath, err := file.WriteDelFile(db.dir, db.allocSeq(), obsolete)
		if err != nil {
			return err
		}
		if err := file.SyncPath(delPath); err != nil {
			return err
		}
		if err := file.SyncDir(db.dir); err != nil {
			return err
		}
	}

	// 5. 生效点
	current := atomic.LoadUint32(&db.seq)
	if err := file.UpdateCurrent(db.dir, current); err != nil {
		return err
	}

	// 6. 物理删除。还被点查引用着的sst由引用计数兜底,
	// unlink之后已有的mmap照常可用
	for _, seq := range obsolete {
		if !db.files.evict(seq, true) {
			db.removeIgnoreMissing(utils.SeqName(seq, utils.SstFileSuffix))
		}
		db.removeIgnoreMissing(utils.SeqName(seq, utils.MetaFileSuffix))
		db.removeIgnoreMissing(utils.SeqName(seq, utils.BlobFileSuffix))
	}

	db.log.Append("%s current=%08d metas=%d keys=%d obsolete=%d elapsed=%s",
		op.what, current, len(newMetas), op.keysWritten, len(obsolete),
		time.Since(start).Round(time.Microsecond))
	return nil
}

func (db *TurboPersistence) removeIgnoreMissing(name string) {
	err := os.Remove(filepath.Join(db.dir, name))
	if err != nil && !os.IsNotExist(err) {
		utils.Err(err)
	}
}
