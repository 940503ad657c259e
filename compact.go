package turbopersist

import (
	"sort"
	"sync"
	"time"

	"turbopersist/amqf"
	"turbopersist/sst"
	"turbopersist/utils"
)

// 压缩:按family独立地把哈希范围重叠的sst多路归并成互不重叠的新sst,
// 同key只留最新版本。被访问过的key和没被访问过的key分流到不同的
// 产出文件里(冷热分离),冷文件打上标记,之后的压缩不再和热文件混合,
// 点查到冷文件也不回填块缓存。
// 选择阶段全库串行(纯内存,便宜),归并阶段按family并行。

// compactDesc 参与选择的一个在役sst描述符
// pri是它在点查咨询顺序里的位置,越小越新,产出的排序以此为锚
type compactDesc struct {
	entry *sst.MetaEntry
	pri   int
}

// compactRun 一个任务:要么把成员归并重写(merge),要么原样挪进新meta
type compactRun struct {
	merge bool
	descs []*compactDesc
}

func (r *compactRun) pri() int {
	p := r.descs[0].pri
	for _, d := range r.descs[1:] {
		if d.pri < p {
			p = d.pri
		}
	}
	return p
}

// familyPlan 一个family这轮要做的全部事情
type familyPlan struct {
	family uint32
	runs   []*compactRun
	merges int
	used   amqf.Union
}

// Compact 按配置做一轮压缩,返回是否发生了任何变化。
// 和写批共用同一个单写闸门,同时只能有一个在跑
func (db *TurboPersistence) Compact(cfg *CompactConfig) (bool, error) {
	if cfg == nil {
		cfg = DefaultCompactConfig()
	}
	if err := db.beginWrite(); err != nil {
		return false, err
	}
	defer db.endWrite()
	start := time.Now()

	// 压缩是顺序扫全文件,点查攒下的随机读缓存和mmap全部放掉,
	// 两种访问模式混在页缓存里只会互相踩
	db.ClearCache()

	db.mu.RLock()
	metas := make([]*sst.MetaFile, len(db.metaFiles))
	copy(metas, db.metaFiles)
	db.mu.RUnlock()
	if len(metas) == 0 {
		return false, nil
	}

	plans, err := db.selectMergePlans(metas, cfg)
	if err != nil {
		return false, err
	}
	if len(plans) == 0 {
		return false, nil
	}

	var mu sync.Mutex
	var newMetas []*sst.MetaFile
	var syncPaths []string
	err = db.sched.ForEach(len(plans), func(i int) error {
		m, paths, err := db.compactFamily(plans[i])
		if err != nil {
			return err
		}
		mu.Lock()
		newMetas = append(newMetas, m)
		syncPaths = append(syncPaths, paths...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := db.commit(commitOptions{
		what:      "compact",
		newMetas:  newMetas,
		syncPaths: syncPaths,
	}); err != nil {
		return false, err
	}
	db.log.Append("compact done families=%d elapsed=%s",
		len(plans), time.Since(start).Round(time.Millisecond))
	return true, nil
}

// FullCompact 阈值拉满的压缩,把每个family的重叠文件全部并平
func (db *TurboPersistence) FullCompact() error {
	_, err := db.Compact(FullCompactConfig())
	return err
}

// selectMergePlans 选择阶段。每个family:先把自上次压缩以来所有meta
// 记录的"被访问key"过滤器并成一个,再按冷热分开找重叠簇、打包任务。
// 一个真归并都没有的family原样保留(连meta都不换);有归并的family
// 把名下其余描述符一并以move的形式挪进新meta,旧meta才能整体退役
func (db *TurboPersistence) selectMergePlans(metas []*sst.MetaFile, cfg *CompactConfig) ([]*familyPlan, error) {
	type famState struct {
		descs []*compactDesc
		used  amqf.Union
	}
	fams := make(map[uint32]*famState)
	pri := 0
	for _, m := range metas {
		fs := fams[m.Family]
		if fs == nil {
			fs = &famState{}
			fams[m.Family] = fs
		}
		for _, e := range m.Entries {
			fs.descs = append(fs.descs, &compactDesc{entry: e, pri: pri})
			pri++
		}
		if m.HasUsedKeys() {
			f, err := m.UsedFilter()
			if err != nil {
				return nil, err
			}
			fs.used = append(fs.used, f)
		}
	}

	// family排序让选择的结果可复现,budget的扣减顺序是确定的
	families := make([]uint32, 0, len(fams))
	for f := range fams {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	budget := cfg.MaxMergeSegmentCount
	var plans []*familyPlan
	for _, fam := range families {
		fs := fams[fam]
		plan := &familyPlan{family: fam, used: fs.used}

		var warm, cold []*compactDesc
		for _, d := range fs.descs {
			if d.entry.IsCold() {
				cold = append(cold, d)
			} else {
				warm = append(warm, d)
			}
		}
		// 冷热永不混并:冷数据基本不被读,重写它纯属浪费I/O,
		// 也避免把热文件越滚越冷
		for _, category := range [][]*compactDesc{warm, cold} {
			runs, merges := packCategory(category, cfg, &budget)
			plan.runs = append(plan.runs, runs...)
			plan.merges += merges
		}
		if plan.merges == 0 {
			continue
		}
		// 产出顺序锚在最新成员的咨询位置上,保持"新数据先被咨询"
		sort.Slice(plan.runs, func(i, j int) bool {
			return plan.runs[i].pri() < plan.runs[j].pri()
		})
		plans = append(plans, plan)
	}
	return plans, nil
}

// packCategory 一个冷热类别内的选择:按minHash扫出传递重叠的簇,
// 簇内按seq从新到旧贪心打包,受count/bytes上限约束;
// 预估重复字节不够MinMergeDuplicationBytes的任务不值得做,降级成move
func packCategory(descs []*compactDesc, cfg *CompactConfig, budget *int) ([]*compactRun, int) {
	if len(descs) == 0 {
		return nil, 0
	}
	sorted := make([]*compactDesc, len(descs))
	copy(sorted, descs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].entry, sorted[j].entry
		if a.MinHash != b.MinHash {
			return a.MinHash < b.MinHash
		}
		return a.Seq > b.Seq
	})

	var runs []*compactRun
	merges := 0
	for lo := 0; lo < len(sorted); {
		hi := lo + 1
		maxHash := sorted[lo].entry.MaxHash
		for hi < len(sorted) && sorted[hi].entry.MinHash <= maxHash {
			if h := sorted[hi].entry.MaxHash; h > maxHash {
				maxHash = h
			}
			hi++
		}
		cluster := sorted[lo:hi]
		lo = hi
		if len(cluster) == 1 {
			runs = append(runs, &compactRun{descs: cluster})
			continue
		}
		runs = append(runs, packCluster(cluster, cfg, budget, &merges)...)
	}
	return runs, merges
}

// packCluster 把一个重叠簇切成若干任务,新文件优先进同一个任务,
// 这样重复key的新旧版本大概率在一次归并里相遇
func packCluster(cluster []*compactDesc, cfg *CompactConfig, budget *int, merges *int) []*compactRun {
	members := make([]*compactDesc, len(cluster))
	copy(members, cluster)
	sort.Slice(members, func(i, j int) bool {
		return members[i].entry.Seq > members[j].entry.Seq
	})

	var runs []*compactRun
	demoted := false
	for i := 0; i < len(members); {
		run := []*compactDesc{members[i]}
		bytes := members[i].entry.Size
		var dup uint64
		j := i + 1
		for j < len(members) {
			cand := members[j]
			if len(run) >= cfg.MaxMergeCount {
				break
			}
			if bytes+cand.entry.Size > cfg.MaxMergeBytes {
				break
			}
			if len(run) >= cfg.OptimalMergeCount && dup >= cfg.OptimalMergeDuplicationBytes {
				break
			}
			for _, r := range run {
				dup += overlapBytes(r.entry, cand.entry)
			}
			run = append(run, cand)
			bytes += cand.entry.Size
			j++
		}
		// 簇内一旦有任务降级成move,它后面(更旧)的也不再归并:
		// 旧数据的归并产出会领到比被move的新数据更大的seq,不能让它们共存
		isMerge := !demoted && len(run) >= cfg.MinMergeCount &&
			dup >= cfg.MinMergeDuplicationBytes && *budget > 0
		if isMerge {
			*budget--
			*merges++
		} else {
			demoted = true
		}
		runs = append(runs, &compactRun{merge: isMerge, descs: run})
		i = j
	}
	return runs
}

// overlapBytes 两个sst的预估重复字节:哈希区间的交叠比例乘以小文件的大小。
// 纯启发,只影响选不选,不影响正确性
func overlapBytes(a, b *sst.MetaEntry) uint64 {
	lo, hi := a.MinHash, a.MaxHash
	if b.MinHash > lo {
		lo = b.MinHash
	}
	if b.MaxHash < hi {
		hi = b.MaxHash
	}
	if lo > hi {
		return 0
	}
	width := func(min, max uint64) float64 { return float64(max-min) + 1 }
	w := width(a.MinHash, a.MaxHash)
	if bw := width(b.MinHash, b.MaxHash); bw < w {
		w = bw
	}
	sz := a.Size
	if b.Size < sz {
		sz = b.Size
	}
	return uint64(width(lo, hi) / w * float64(sz))
}

// mergeOutput 一个归并任务的全部产出
type mergeOutput struct {
	entries  []*sst.MetaEntry
	obsolete []uint32
	paths    []string
}

// compactFamily 执行阶段:跑完一个family的所有任务并写出它的新meta。
// move任务零I/O,描述符连同过滤器字节原样搬家。
// 归并从旧任务往新任务执行:序列号递增发放,咨询顺序靠前(数据更新)的
// 产出必须拿到更大的seq,之后的归并才能继续按"seq大的赢"裁决同key
func (db *TurboPersistence) compactFamily(plan *familyPlan) (*sst.MetaFile, []string, error) {
	outs := make([]*mergeOutput, len(plan.runs))
	for i := len(plan.runs) - 1; i >= 0; i-- {
		run := plan.runs[i]
		if !run.merge {
			continue
		}
		entries, dead, paths, err := db.runMergeJob(plan.family, run.descs, plan.used)
		if err != nil {
			return nil, nil, err
		}
		outs[i] = &mergeOutput{entries: entries, obsolete: dead, paths: paths}
	}

	// meta里的条目顺序仍按咨询顺序组装
	var entries []*sst.MetaEntry
	var obsolete []uint32
	var syncPaths []string
	for i, run := range plan.runs {
		if !run.merge {
			for _, d := range run.descs {
				entries = append(entries, d.entry)
			}
			continue
		}
		entries = append(entries, outs[i].entries...)
		obsolete = append(obsolete, outs[i].obsolete...)
		syncPaths = append(syncPaths, outs[i].paths...)
	}
	// 压缩消费掉了此前积累的访问记录,新meta不再携带used过滤器
	m, err := sst.WriteMetaFile(db.dir, db.allocSeq(), plan.family, entries, obsolete, nil)
	if err != nil {
		return nil, nil, err
	}
	return m, syncPaths, nil
}

// runMergeJob 多路归并一组sst。同key只留seq最大的版本,被吞掉的
// 版本挂的blob记为作废。幸存条目按"归并后的访问过滤器"分流:
// 命中的走热收集器,没命中的走冷收集器,冷产出打MetaFlagCold。
// 过滤器为空时全部算热,没有访问信息就没有资格判谁冷
func (db *TurboPersistence) runMergeJob(family uint32, descs []*compactDesc,
	used amqf.Union) ([]*sst.MetaEntry, []uint32, []string, error) {

	files := make([]*sst.File, 0, len(descs))
	defer func() {
		for _, f := range files {
			utils.Err(f.DecrRef())
		}
	}()
	obsolete := make([]uint32, 0, len(descs))
	for _, d := range descs {
		f, err := sst.OpenFileForCompaction(db.sstPath(d.entry.Seq))
		if err != nil {
			return nil, nil, nil, err
		}
		files = append(files, f)
		obsolete = append(obsolete, d.entry.Seq)
	}

	mi, err := sst.NewMergeIter(files)
	if err != nil {
		return nil, nil, nil, err
	}

	var syncPaths []string
	flush := func(cold bool) sst.FlushFunc {
		return func(entries []*sst.Entry) (*sst.MetaEntry, error) {
			seq := db.allocSeq()
			me, err := sst.WriteSstFile(db.dir, seq, family, entries)
			if err != nil {
				return nil, err
			}
			if cold {
				me.Flags |= sst.MetaFlagCold
			}
			syncPaths = append(syncPaths, db.sstPath(seq))
			return me, nil
		}
	}
	lim := sst.DefaultCollectorLimits()
	warmOut := sst.NewCollectorPair(lim, flush(false))
	coldOut := sst.NewCollectorPair(lim, flush(true))

	split := len(used) > 0
	for ; mi.Valid(); mi.Next() {
		e := mi.Entry()
		if !split || used.ContainsHash(e.Hash) {
			err = warmOut.Add(e)
		} else {
			err = coldOut.Add(e)
		}
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if err := mi.Err(); err != nil {
		return nil, nil, nil, err
	}

	warm, err := warmOut.Finish()
	if err != nil {
		return nil, nil, nil, err
	}
	cold, err := coldOut.Finish()
	if err != nil {
		return nil, nil, nil, err
	}
	return append(warm, cold...), append(obsolete, mi.DroppedBlobs()...), syncPaths, nil
}
