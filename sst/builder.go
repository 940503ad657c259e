package sst

import (
	"bufio"
	"os"
	"path/filepath"

	"turbopersist/amqf"
	"turbopersist/utils"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// SST文件整体布局,从前到后:
// [value块们,逐块zstd压缩] [key块们,逐块zstd压缩] [key字典] [value字典]
// [key块索引 kbc*16B] [value块索引 vbc*8B] [52B footer]
// 两个索引都存(累计endOff u32, 原始长度 u32),key块索引再带块内maxHash u64,
// endOff相对各自区域起点,这样不用存起点就能定位任意一块
//
// footer布局(文件序):
// minHash u64 | maxHash u64 | entryCount u32 | kbc u32 | vbc u32 |
// keyDictLen u32 | valueDictLen u32 | family u32 | metaCrc u32 | version u32 | magic 4B
// metaCrc盖住从key字典起点到metaCrc字段之前的所有字节,块本体靠zstd帧内的
// 内容校验兜底,所以打开文件时只需校验元数据区
const (
	sstFooterSize       = 52
	keyIndexEntrySize   = 16
	valueIndexEntrySize = 8
)

type indexEntry struct {
	endOff  uint32
	rawLen  uint32
	maxHash uint64
}

type sstBuilder struct {
	keyEnc   *zstd.Encoder
	valueEnc *zstd.Encoder

	valueBlocks  [][]byte
	valueIndex   []indexEntry
	valueEndOff  uint32
	shared       []byte
	nextBlockIdx uint32

	keyBlocks []byte
	keyIndex  []indexEntry
	keyEndOff uint32
	kb        keyBlockBuilder
}

// WriteSstFile 把一批条目固化成dir下的一个SST文件,条目必须已按(hash,key)
// 严格升序排好且key两两不同,相同hash的run不会被拆到两个key块里。
// 只写不fsync,落盘责任在提交那一步
func WriteSstFile(dir string, seq uint32, family uint32, entries []*Entry) (*MetaEntry, error) {
	utils.CondPanic(len(entries) == 0, errors.New("sst builder: no entries"))

	keyDict := buildDict(len(entries), utils.KeyDictSize, func(i int) []byte {
		return entries[i].Key
	})
	valueDict := buildDict(len(entries), utils.ValueDictSize, func(i int) []byte {
		if entries[i].Value.Kind == KindInline {
			return entries[i].Value.Data
		}
		return nil
	})

	b := &sstBuilder{}
	var err error
	if b.keyEnc, err = newBlockEncoder(utils.KeyDictID, keyDict); err != nil {
		return nil, err
	}
	defer b.keyEnc.Close()
	if b.valueEnc, err = newBlockEncoder(utils.ValueDictID, valueDict); err != nil {
		return nil, err
	}
	defer b.valueEnc.Close()

	hashes := make([]uint64, 0, len(entries))
	for i, e := range entries {
		utils.CondPanic(i > 0 && e.Compare(entries[i-1]) <= 0,
			errors.New("sst builder: entries out of order"))
		hashes = append(hashes, e.Hash)

		var ref valueRef
		switch e.Value.Kind {
		case KindTombstone:
		case KindBlob:
			ref.block = e.Value.BlobSeq
		case KindInline:
			ref = b.placeValue(e.Value.Data)
		}
		b.kb.add(e, ref)

		// 块够大就封,但同hash的run必须留在同一个key块里
		if b.kb.size() >= utils.KeyBlockAvgSize &&
			(i+1 == len(entries) || entries[i+1].Hash != e.Hash) {
			b.sealKeyBlock()
		}
	}
	if !b.kb.empty() {
		b.sealKeyBlock()
	}
	b.sealShared()

	// 元数据区,crc连footer里的统计字段一起盖住
	meta := make([]byte, 0,
		len(keyDict)+len(valueDict)+
			len(b.keyIndex)*keyIndexEntrySize+len(b.valueIndex)*valueIndexEntrySize+
			sstFooterSize)
	meta = append(meta, keyDict...)
	meta = append(meta, valueDict...)
	for _, ie := range b.keyIndex {
		meta = utils.AppendU32(meta, ie.endOff)
		meta = utils.AppendU32(meta, ie.rawLen)
		meta = utils.AppendU64(meta, ie.maxHash)
	}
	for _, ie := range b.valueIndex {
		meta = utils.AppendU32(meta, ie.endOff)
		meta = utils.AppendU32(meta, ie.rawLen)
	}
	minHash, maxHash := entries[0].Hash, entries[len(entries)-1].Hash
	meta = utils.AppendU64(meta, minHash)
	meta = utils.AppendU64(meta, maxHash)
	meta = utils.AppendU32(meta, uint32(len(entries)))
	meta = utils.AppendU32(meta, uint32(len(b.keyIndex)))
	meta = utils.AppendU32(meta, uint32(len(b.valueIndex)))
	meta = utils.AppendU32(meta, uint32(len(keyDict)))
	meta = utils.AppendU32(meta, uint32(len(valueDict)))
	meta = utils.AppendU32(meta, family)
	meta = utils.AppendU32(meta, utils.CalculateChecksum(meta))
	meta = utils.AppendU32(meta, utils.MagicVersion)
	meta = append(meta, utils.SstMagicText[:]...)

	path := filepath.Join(dir, utils.SeqName(seq, utils.SstFileSuffix))
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, utils.DefaultFileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "create sst %s", path)
	}
	w := bufio.NewWriter(fd)
	var size uint64
	write := func(p []byte) {
		if err == nil {
			_, err = w.Write(p)
			size += uint64(len(p))
		}
	}
	for _, blk := range b.valueBlocks {
		write(blk)
	}
	write(b.keyBlocks)
	write(meta)
	if err == nil {
		err = w.Flush()
	}
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "write sst %s", path)
	}

	me := &MetaEntry{
		Seq:     seq,
		MinHash: minHash,
		MaxHash: maxHash,
		Size:    size,
		filter:  amqf.BuildFromHashes(hashes),
	}
	return me, nil
}

// placeValue 给一个内联value挑位置,小value拼进共享块,中value独占一块。
// 共享块在中value到来时先封,所以块的落盘顺序和下标顺序一致
func (b *sstBuilder) placeValue(data []byte) valueRef {
	if len(data) == 0 {
		return valueRef{}
	}
	if len(data) <= utils.MaxSmallValueSize {
		if len(b.shared) == 0 {
			b.nextBlockIdx++
		}
		ref := valueRef{
			block:  b.nextBlockIdx - 1,
			off:    uint32(len(b.shared)),
			length: uint32(len(data)),
		}
		b.shared = append(b.shared, data...)
		if len(b.shared) > utils.ValueBlockAvgSize {
			b.sealShared()
		}
		return ref
	}
	utils.CondPanic(len(data) > utils.MaxMediumValueSize,
		errors.New("sst builder: oversized inline value"))
	b.sealShared()
	idx := b.nextBlockIdx
	b.nextBlockIdx++
	b.sealValueBlock(data)
	return valueRef{block: idx, length: uint32(len(data))}
}

func (b *sstBuilder) sealShared() {
	if len(b.shared) == 0 {
		return
	}
	b.sealValueBlock(b.shared)
	b.shared = b.shared[:0]
}

func (b *sstBuilder) sealValueBlock(raw []byte) {
	blk := b.valueEnc.EncodeAll(raw, nil)
	b.valueBlocks = append(b.valueBlocks, blk)
	b.valueEndOff += uint32(len(blk))
	b.valueIndex = append(b.valueIndex, indexEntry{
		endOff: b.valueEndOff,
		rawLen: uint32(len(raw)),
	})
}

func (b *sstBuilder) sealKeyBlock() {
	raw := b.kb.finish()
	blk := b.keyEnc.EncodeAll(raw, nil)
	b.keyBlocks = append(b.keyBlocks, blk...)
	b.keyEndOff += uint32(len(blk))
	b.keyIndex = append(b.keyIndex, indexEntry{
		endOff:  b.keyEndOff,
		rawLen:  uint32(len(raw)),
		maxHash: b.kb.maxHash,
	})
	b.kb.reset()
}

func newBlockEncoder(dictID uint32, dict []byte) (*zstd.Encoder, error) {
	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(true),
	}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithEncoderDictRaw(dictID, dict))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	return enc, errors.Wrap(err, "new zstd encoder")
}

// buildDict 从样本里均匀抽一段原始内容当zstd字典,样本总量太小就不值得建
func buildDict(n, target int, part func(i int) []byte) []byte {
	total := 0
	for i := 0; i < n; i++ {
		total += len(part(i))
	}
	if total < target*utils.DictDataFactor {
		return nil
	}
	stride := total / target
	if stride < 1 {
		stride = 1
	}
	dict := make([]byte, 0, target)
	for i := 0; i < n && len(dict) < target; i += stride {
		dict = append(dict, part(i)...)
	}
	if len(dict) > target {
		dict = dict[:target]
	}
	return dict
}
