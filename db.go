// turbopersist 是一个嵌入式的持久化KV存储:追加写、崩溃一致、
// 单写多读,后台压缩,简化版LSM。对外以family(小整数命名空间)+key寻址
package turbopersist

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"turbopersist/amqf"
	"turbopersist/file"
	"turbopersist/sst"
	"turbopersist/utils"
	"turbopersist/utils/cache"

	"github.com/pkg/errors"
)

// TurboPersistence 一个打开的数据库实例
type TurboPersistence struct {
	dir      string
	opt      *Options
	readOnly bool
	sched    utils.ParallelScheduler
	log      *file.LogFile

	// 全局序列号,新文件从这里领号;CURRENT记录的是已提交的最大值
	seq uint32
	// 单写闸门,write batch和压缩共用,CAS抢不到就立刻报错
	activeWrite int32
	closed      int32

	// mu 保护meta列表。条目本身不可变,换状态时整体替换切片
	mu sync.RWMutex
	// metaFiles 按seq从新到旧;meta内的条目顺序就是点查的咨询顺序
	metaFiles []*sst.MetaFile

	files      *fileSet
	keyCache   *cache.Cache
	valueCache *cache.Cache

	// accessed 每个family一个并发集合,点查命中就记一笔,
	// 下次write batch落盘时汇成"被访问过的key"过滤器
	accessed []*utils.HashSet

	counters lookupCounters
}

// Open 打开(不存在则创建)一个数据库目录
func Open(dir string, opt *Options) (*TurboPersistence, error) {
	return open(dir, opt, false)
}

// OpenReadOnly 只读打开,目录必须已经初始化过
func OpenReadOnly(dir string, opt *Options) (*TurboPersistence, error) {
	return open(dir, opt, true)
}

// OpenWithScheduler 带并行策略的打开
func OpenWithScheduler(dir string, opt *Options, s utils.ParallelScheduler) (*TurboPersistence, error) {
	opt.Scheduler = s
	return open(dir, opt, false)
}

func OpenReadOnlyWithScheduler(dir string, opt *Options, s utils.ParallelScheduler) (*TurboPersistence, error) {
	opt.Scheduler = s
	return open(dir, opt, true)
}

func open(dir string, opt *Options, readOnly bool) (*TurboPersistence, error) {
	if opt == nil {
		opt = NewDefaultOptions()
	}
	if err := opt.check(); err != nil {
		return nil, err
	}
	sched := opt.Scheduler
	if sched == nil {
		sched = utils.SerialScheduler{}
	}

	db := &TurboPersistence{
		dir:        dir,
		opt:        opt,
		readOnly:   readOnly,
		sched:      sched,
		files:      newFileSet(),
		keyCache:   cache.NewCache(int(opt.KeyBlockCacheSize / utils.KeyBlockAvgSize)),
		valueCache: cache.NewCache(int(opt.ValueBlockCacheSize / utils.ValueBlockAvgSize)),
		accessed:   make([]*utils.HashSet, opt.Families),
	}
	for i := range db.accessed {
		db.accessed[i] = utils.NewHashSet()
	}

	if err := db.loadDirectory(); err != nil {
		return nil, err
	}
	if !readOnly {
		var err error
		if db.log, err = file.OpenLogFile(dir); err != nil {
			return nil, err
		}
	}
	db.log.Append("open dir=%s current=%08d metas=%d read_only=%v",
		dir, atomic.LoadUint32(&db.seq), len(db.metaFiles), readOnly)
	return db, nil
}

// loadDirectory 目录生命周期状态机:
// 没目录或没CURRENT且可写 -> 初始化;只读且没CURRENT -> 直接失败;
// 有CURRENT -> 清掉超过CURRENT的未提交垃圾,重放.del,装载在役meta
func (db *TurboPersistence) loadDirectory() error {
	current, err := file.ReadCurrent(db.dir)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		if db.readOnly {
			return errors.Wrapf(err, "failed to open database %s", db.dir)
		}
		if err := os.MkdirAll(db.dir, 0755); err != nil {
			return errors.Wrapf(err, "create dir %s", db.dir)
		}
		if err := file.CreateCurrent(db.dir, 0); err != nil {
			return err
		}
		if err := file.SyncDir(db.dir); err != nil {
			return err
		}
		atomic.StoreUint32(&db.seq, 0)
		return nil
	default:
		return err
	}
	atomic.StoreUint32(&db.seq, current)

	dents, err := os.ReadDir(db.dir)
	if err != nil {
		return errors.Wrapf(err, "scan dir %s", db.dir)
	}
	var metaSeqs, delSeqs []uint32
	for _, d := range dents {
		seq, suffix, ok := utils.ParseSeqName(d.Name())
		if !ok {
			continue
		}
		// 超过CURRENT的是没提交完的半成品,可写时直接清掉;
		// 只读时留在原地但绝不打开
		if seq > current {
			if !db.readOnly {
				utils.Err(os.Remove(filepath.Join(db.dir, d.Name())))
			}
			continue
		}
		switch suffix {
		case utils.MetaFileSuffix:
			metaSeqs = append(metaSeqs, seq)
		case utils.DelFileSuffix:
			delSeqs = append(delSeqs, seq)
		}
	}

	// 重放.del:名单上的seq一律作废;可写时顺手把文件真正删掉,
	// 一个都不剩时连.del本身也清理
	sf := sst.NewSstFilter()
	for _, ds := range delSeqs {
		path := filepath.Join(db.dir, utils.SeqName(ds, utils.DelFileSuffix))
		obsolete, err := file.ReadDelFile(path)
		if err != nil {
			return err
		}
		sf.Drop(obsolete)
		if db.readOnly {
			continue
		}
		existed := false
		for _, s := range obsolete {
			for _, suffix := range []string{utils.SstFileSuffix, utils.MetaFileSuffix, utils.BlobFileSuffix} {
				err := os.Remove(filepath.Join(db.dir, utils.SeqName(s, suffix)))
				if err == nil {
					existed = true
				} else if !os.IsNotExist(err) {
					return errors.Wrapf(err, "replay del %08d", ds)
				}
			}
		}
		if !existed {
			utils.Err(os.Remove(path))
		}
	}

	// meta按seq从新到旧开,被完全替代的meta整体出局
	sort.Slice(metaSeqs, func(i, j int) bool { return metaSeqs[i] > metaSeqs[j] })
	var metas []*sst.MetaFile
	for _, ms := range metaSeqs {
		m, err := sst.OpenMetaFile(filepath.Join(db.dir, utils.SeqName(ms, utils.MetaFileSuffix)))
		if err != nil {
			return err
		}
		if alive := sf.FilterMeta(m); len(alive) > 0 {
			metas = append(metas, m.Trim(alive))
		}
	}
	db.metaFiles = metas
	return nil
}

func (db *TurboPersistence) allocSeq() uint32 {
	return atomic.AddUint32(&db.seq, 1)
}

func (db *TurboPersistence) sstPath(seq uint32) string {
	return filepath.Join(db.dir, utils.SeqName(seq, utils.SstFileSuffix))
}

func (db *TurboPersistence) blobPath(seq uint32) string {
	return filepath.Join(db.dir, utils.SeqName(seq, utils.BlobFileSuffix))
}

func (db *TurboPersistence) isClosed() bool {
	return atomic.LoadInt32(&db.closed) != 0
}

func (db *TurboPersistence) checkFamily(family int) error {
	if family < 0 || family >= db.opt.Families {
		return errors.Wrapf(utils.ErrFamilyOutOfRange, "family %d of %d", family, db.opt.Families)
	}
	return nil
}

// beginWrite 抢单写闸门,抢不到立刻失败,由调用方决定重试策略
func (db *TurboPersistence) beginWrite() error {
	if db.readOnly {
		return utils.ErrReadOnly
	}
	if db.isClosed() {
		return utils.ErrClosed
	}
	if !atomic.CompareAndSwapInt32(&db.activeWrite, 0, 1) {
		return utils.ErrWriteConflict
	}
	return nil
}

func (db *TurboPersistence) endWrite() {
	atomic.StoreInt32(&db.activeWrite, 0)
}

// lookupTarget 一次点查要咨询的一个sst,句柄已经拿了引用
type lookupTarget struct {
	f *sst.File
}

// collectTargets 在读锁内按咨询顺序选出可能含有hash的sst并拿好引用,
// 范围和过滤器预筛都在这里做,解压留到锁外
func (db *TurboPersistence) collectTargets(family uint32, hash uint64, targets []lookupTarget) ([]lookupTarget, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	seen := false
	for _, m := range db.metaFiles {
		if m.Family != family {
			continue
		}
		seen = true
		for _, e := range m.Entries {
			if !e.InRange(hash) {
				db.counters.rangeMiss.Add(1)
				continue
			}
			filter, err := e.Filter()
			if err != nil {
				return targets, errors.Wrapf(err, "meta %08d sst %08d", m.Seq, e.Seq)
			}
			if filter != nil && !filter.ContainsHash(hash) {
				db.counters.filterMiss.Add(1)
				continue
			}
			f, err := db.files.acquire(db.sstPath(e.Seq), e, db.keyCache, db.valueCache)
			if err != nil {
				return targets, err
			}
			targets = append(targets, lookupTarget{f: f})
		}
	}
	if !seen {
		db.counters.familyMiss.Add(1)
	}
	return targets, nil
}

func releaseTargets(targets []lookupTarget) {
	for _, t := range targets {
		utils.Err(t.f.DecrRef())
	}
}

// Get 点查一个key。墓碑和不存在都返回(nil, false, nil)
func (db *TurboPersistence) Get(family int, key []byte) ([]byte, bool, error) {
	if err := db.checkFamily(family); err != nil {
		return nil, false, err
	}
	if db.isClosed() {
		return nil, false, utils.ErrClosed
	}
	if len(key) == 0 {
		return nil, false, utils.ErrEmptyKey
	}
	hash := utils.HashKey(key)
	db.counters.lookups.Add(1)

	targets, err := db.collectTargets(uint32(family), hash, nil)
	if err != nil {
		releaseTargets(targets)
		return nil, false, err
	}
	defer releaseTargets(targets)

	for _, t := range targets {
		res, val, err := t.f.Lookup(hash, key)
		if err != nil {
			return nil, false, err
		}
		switch res {
		case sst.LookupFound:
			db.counters.hits.Add(1)
			db.accessed[family].Insert(hash)
			return db.resolveValue(val)
		case sst.LookupFoundTombstone:
			// 墓碑压住更老的文件,到此为止
			db.counters.keyMiss.Add(1)
			return nil, false, nil
		default:
			db.counters.keyMiss.Add(1)
		}
	}
	return nil, false, nil
}

// resolveValue 内联值拷出来和缓存解耦,blob值去读对应的blob文件
func (db *TurboPersistence) resolveValue(val sst.LookupValue) ([]byte, bool, error) {
	if val.BlobSeq != 0 {
		data, err := file.ReadBlobFile(db.blobPath(val.BlobSeq))
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return utils.SafeCopy(nil, val.Inline), true, nil
}

// batchCell 批量点查里一个key的进度
type batchCell struct {
	q    sst.BatchQuery
	idx  int
	done bool
	val  sst.LookupValue
	hit  bool
}

// BatchGet 批量点查,逐元素和Get的结果一致。
// 查询按(hash,key)排好序再逐meta下推,每个key块最多解压一次,
// 全部key都有结论后提前收工
func (db *TurboPersistence) BatchGet(family int, keys [][]byte) ([][]byte, error) {
	if err := db.checkFamily(family); err != nil {
		return nil, err
	}
	if db.isClosed() {
		return nil, utils.ErrClosed
	}
	cells := make([]*batchCell, 0, len(keys))
	for i, k := range keys {
		if len(k) == 0 {
			return nil, utils.ErrEmptyKey
		}
		cells = append(cells, &batchCell{
			q:   sst.BatchQuery{Hash: utils.HashKey(k), Key: k},
			idx: i,
		})
	}
	db.counters.lookups.Add(uint64(len(cells)))
	sort.Slice(cells, func(i, j int) bool {
		return utils.CompareHashKey(cells[i].q.Hash, cells[i].q.Key,
			cells[j].q.Hash, cells[j].q.Key) < 0
	})

	plan, familySeen, err := db.collectBatchPlan(uint32(family), cells)
	if err != nil {
		releaseBatchPlan(plan)
		return nil, err
	}
	defer releaseBatchPlan(plan)
	if !familySeen {
		db.counters.familyMiss.Add(uint64(len(cells)))
	}

	outstanding := len(cells)
	for _, step := range plan {
		if outstanding == 0 {
			break
		}
		qs := make([]*sst.BatchQuery, 0, len(step.cells))
		live := make([]*batchCell, 0, len(step.cells))
		for _, c := range step.cells {
			if c.done {
				continue
			}
			c.q.Result, c.q.Value = sst.LookupNotFound, sst.LookupValue{}
			qs = append(qs, &c.q)
			live = append(live, c)
		}
		if len(qs) == 0 {
			continue
		}
		if err := step.f.BatchLookup(qs); err != nil {
			return nil, err
		}
		for _, c := range live {
			switch c.q.Result {
			case sst.LookupFound:
				c.done, c.hit, c.val = true, true, c.q.Value
				db.counters.hits.Add(1)
				db.accessed[family].Insert(c.q.Hash)
				outstanding--
			case sst.LookupFoundTombstone:
				c.done = true
				db.counters.keyMiss.Add(1)
				outstanding--
			default:
				db.counters.keyMiss.Add(1)
			}
		}
	}

	out := make([][]byte, len(keys))
	for _, c := range cells {
		if !c.hit {
			continue
		}
		v, _, err := db.resolveValue(c.val)
		if err != nil {
			return nil, err
		}
		out[c.idx] = v
	}
	return out, nil
}

// batchStep 批量点查计划里的一步:一个sst和分派给它的查询
type batchStep struct {
	f     *sst.File
	cells []*batchCell
}

func (db *TurboPersistence) collectBatchPlan(family uint32, cells []*batchCell) ([]batchStep, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var plan []batchStep
	seen := false
	for _, m := range db.metaFiles {
		if m.Family != family {
			continue
		}
		seen = true
		for _, e := range m.Entries {
			var sub []*batchCell
			var filterLoaded bool
			var filter *amqf.Filter
			for _, c := range cells {
				if !e.InRange(c.q.Hash) {
					db.counters.rangeMiss.Add(1)
					continue
				}
				if !filterLoaded {
					f, err := e.Filter()
					if err != nil {
						return plan, seen, errors.Wrapf(err, "meta %08d sst %08d", m.Seq, e.Seq)
					}
					filter, filterLoaded = f, true
				}
				if filter != nil && !filter.ContainsHash(c.q.Hash) {
					db.counters.filterMiss.Add(1)
					continue
				}
				sub = append(sub, c)
			}
			if len(sub) == 0 {
				continue
			}
			f, err := db.files.acquire(db.sstPath(e.Seq), e, db.keyCache, db.valueCache)
			if err != nil {
				return plan, seen, err
			}
			plan = append(plan, batchStep{f: f, cells: sub})
		}
	}
	return plan, seen, nil
}

func releaseBatchPlan(plan []batchStep) {
	for _, s := range plan {
		utils.Err(s.f.DecrRef())
	}
}

// IsEmpty 有没有任何已提交的数据
func (db *TurboPersistence) IsEmpty() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.metaFiles) == 0
}

// ClearBlockCaches 只清两个块缓存
func (db *TurboPersistence) ClearBlockCaches() {
	db.keyCache.Clear()
	db.valueCache.Clear()
}

// ClearCache 清块缓存并放掉所有缓存的sst映射
func (db *TurboPersistence) ClearCache() {
	db.ClearBlockCaches()
	db.files.clear()
}

// PrepareAllSstCaches 预先打开全部在役sst,把打开的开销从首次点查挪到现在
func (db *TurboPersistence) PrepareAllSstCaches() error {
	db.mu.RLock()
	var entries []*sst.MetaEntry
	for _, m := range db.metaFiles {
		entries = append(entries, m.Entries...)
	}
	db.mu.RUnlock()
	return db.sched.ForEach(len(entries), func(i int) error {
		e := entries[i]
		f, err := db.files.acquire(db.sstPath(e.Seq), e, db.keyCache, db.valueCache)
		if err != nil {
			return err
		}
		return f.DecrRef()
	})
}

// Shutdown 收尾。每次提交都已经fsync过,这里没有任何持久化义务,
// 只写一行统计并释放资源
func (db *TurboPersistence) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&db.closed, 0, 1) {
		return utils.ErrClosed
	}
	s := db.Statistics()
	db.log.Append("shutdown lookups=%d hits=%d metas=%d ssts=%d",
		s.Lookups, s.Hits, s.MetaFiles, s.SstFiles)
	db.files.clear()
	db.ClearBlockCaches()
	return db.log.Close()
}

// SstInfo / MetaFileInfo 给工具用的自省视图
type SstInfo struct {
	Seq     uint32 `json:"seq"`
	MinHash uint64 `json:"min_hash"`
	MaxHash uint64 `json:"max_hash"`
	Size    uint64 `json:"size"`
	Cold    bool   `json:"cold"`
}

type MetaFileInfo struct {
	Seq         uint32    `json:"seq"`
	Family      uint32    `json:"family"`
	Ssts        []SstInfo `json:"ssts"`
	HasUsedKeys bool      `json:"has_used_keys"`
}

// MetaInfo 当前在役状态的快照,按meta从新到旧
func (db *TurboPersistence) MetaInfo() []MetaFileInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]MetaFileInfo, 0, len(db.metaFiles))
	for _, m := range db.metaFiles {
		mi := MetaFileInfo{
			Seq:         m.Seq,
			Family:      m.Family,
			HasUsedKeys: m.HasUsedKeys(),
		}
		for _, e := range m.Entries {
			mi.Ssts = append(mi.Ssts, SstInfo{
				Seq:     e.Seq,
				MinHash: e.MinHash,
				MaxHash: e.MaxHash,
				Size:    e.Size,
				Cold:    e.IsCold(),
			})
		}
		out = append(out, mi)
	}
	return out
}

// fileSet 打开的sst句柄缓存,map本身持有一个引用,
// 点查方再叠加自己的引用,删除只是摘掉map的那份
type fileSet struct {
	mu    sync.Mutex
	files map[uint32]*sst.File
}

func newFileSet() *fileSet {
	return &fileSet{files: make(map[uint32]*sst.File)}
}

func (s *fileSet) acquire(path string, e *sst.MetaEntry, kc, vc *cache.Cache) (*sst.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[e.Seq]; ok {
		f.IncrRef()
		return f, nil
	}
	f, err := sst.OpenFile(path, kc, vc, e.IsCold())
	if err != nil {
		return nil, err
	}
	s.files[e.Seq] = f
	f.IncrRef()
	return f, nil
}

// evict 摘掉一个句柄,del为真时让最后一个引用者顺手删文件
func (s *fileSet) evict(seq uint32, del bool) bool {
	s.mu.Lock()
	f, ok := s.files[seq]
	if ok {
		delete(s.files, seq)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if del {
		f.MarkDelete()
		f.DropCachedBlocks()
	}
	utils.Err(f.DecrRef())
	return true
}

func (s *fileSet) clear() {
	s.mu.Lock()
	files := s.files
	s.files = make(map[uint32]*sst.File)
	s.mu.Unlock()
	for _, f := range files {
		utils.Err(f.DecrRef())
	}
}

func (s *fileSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
