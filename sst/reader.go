package sst

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"turbopersist/file"
	"turbopersist/utils"
	"turbopersist/utils/cache"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// File 一个打开的SST,mmap只读,块按需解压。引用计数归零才真正关掉,
// 这样点查和物理删除可以并发,删除只是摘引用
type File struct {
	ref           int32
	deleteOnClose int32

	path string
	seq  uint32
	mf   *file.MmapFile

	family     uint32
	minHash    uint64
	maxHash    uint64
	entryCount uint32

	keyRegionOff    uint32
	keyIndexData    []byte
	valueIndexData  []byte
	keyBlockCount   int
	valueBlockCount int

	keyDec   *zstd.Decoder
	valueDec *zstd.Decoder

	keyCache   *cache.Cache
	valueCache *cache.Cache
	noFill     bool
}

// OpenFile 打开并校验一个SST,cold的文件读到的块不回填缓存
func OpenFile(path string, keyCache, valueCache *cache.Cache, cold bool) (*File, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	f.keyCache, f.valueCache, f.noFill = keyCache, valueCache, cold
	if err := f.mf.AdviseRandom(); err != nil {
		_ = f.closeResources()
		return nil, err
	}
	return f, nil
}

// OpenFileForCompaction 合并专用的独立句柄,顺序预读且不碰块缓存,
// 和在线点查互不干扰
func OpenFileForCompaction(path string) (*File, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	if err := f.mf.AdviseSequential(); err != nil {
		_ = f.closeResources()
		return nil, err
	}
	return f, nil
}

func openFile(path string) (*File, error) {
	seq, suffix, ok := utils.ParseSeqName(filepath.Base(path))
	if !ok || suffix != utils.SstFileSuffix {
		return nil, errors.Errorf("not a sst path: %s", path)
	}
	mf, err := file.OpenMmapFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{ref: 1, path: path, seq: seq, mf: mf}
	if err := f.init(); err != nil {
		_ = mf.Close()
		return nil, err
	}
	return f, nil
}

// init 从尾往前解footer,校验元数据区,建好解压器
func (f *File) init() error {
	data := f.mf.Data
	size := len(data)
	if size < sstFooterSize {
		return errors.Wrapf(utils.ErrTruncate, "sst %s", f.path)
	}
	if [4]byte(data[size-4:]) != utils.SstMagicText {
		return errors.Wrapf(utils.ErrBadMagic, "sst %s", f.path)
	}
	if v := utils.Bytes2Uint32(data[size-8:]); v != utils.MagicVersion {
		return errors.Wrapf(utils.ErrBadMagic, "sst %s version %d", f.path, v)
	}
	crc := utils.Bytes2Uint32(data[size-12:])
	f.family = utils.Bytes2Uint32(data[size-16:])
	valueDictLen := int(utils.Bytes2Uint32(data[size-20:]))
	keyDictLen := int(utils.Bytes2Uint32(data[size-24:]))
	f.valueBlockCount = int(utils.Bytes2Uint32(data[size-28:]))
	f.keyBlockCount = int(utils.Bytes2Uint32(data[size-32:]))
	f.entryCount = utils.Bytes2Uint32(data[size-36:])
	f.maxHash = utils.Bytes2Uint64(data[size-44:])
	f.minHash = utils.Bytes2Uint64(data[size-52:])

	metaLen := keyDictLen + valueDictLen +
		f.keyBlockCount*keyIndexEntrySize + f.valueBlockCount*valueIndexEntrySize +
		sstFooterSize
	if f.keyBlockCount <= 0 || f.valueBlockCount < 0 || metaLen > size {
		return errors.Wrapf(utils.ErrTruncate, "sst %s meta", f.path)
	}
	metaStart := size - metaLen
	if err := utils.VerifyChecksum(data[metaStart:size-12], crc); err != nil {
		return errors.Wrapf(err, "sst %s meta", f.path)
	}

	off := metaStart
	keyDict := data[off : off+keyDictLen]
	off += keyDictLen
	valueDict := data[off : off+valueDictLen]
	off += valueDictLen
	f.keyIndexData = data[off : off+f.keyBlockCount*keyIndexEntrySize]
	off += f.keyBlockCount * keyIndexEntrySize
	f.valueIndexData = data[off : off+f.valueBlockCount*valueIndexEntrySize]

	// 两个块区必须严丝合缝地把元数据区之前的空间占满
	var valueRegionLen, keyRegionLen uint32
	if f.valueBlockCount > 0 {
		valueRegionLen = utils.Bytes2Uint32(f.valueIndexData[(f.valueBlockCount-1)*valueIndexEntrySize:])
	}
	keyRegionLen = utils.Bytes2Uint32(f.keyIndexData[(f.keyBlockCount-1)*keyIndexEntrySize:])
	if int(valueRegionLen)+int(keyRegionLen) != metaStart {
		return errors.Wrapf(utils.ErrChecksumMismatch, "sst %s block regions", f.path)
	}
	f.keyRegionOff = valueRegionLen

	var err error
	if f.keyDec, err = newBlockDecoder(utils.KeyDictID, keyDict); err != nil {
		return err
	}
	if f.valueDec, err = newBlockDecoder(utils.ValueDictID, valueDict); err != nil {
		f.keyDec.Close()
		return err
	}
	return nil
}

func newBlockDecoder(dictID uint32, dict []byte) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithDecoderDictRaw(dictID, dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	return dec, errors.Wrap(err, "new zstd decoder")
}

func (f *File) Path() string       { return f.path }
func (f *File) Seq() uint32        { return f.seq }
func (f *File) Family() uint32     { return f.family }
func (f *File) MinHash() uint64    { return f.minHash }
func (f *File) MaxHash() uint64    { return f.maxHash }
func (f *File) EntryCount() uint32 { return f.entryCount }
func (f *File) Size() int64        { return int64(f.mf.Size()) }

func (f *File) IncrRef() {
	atomic.AddInt32(&f.ref, 1)
}

// DecrRef 归零时释放mmap和解压器,标了删的把文件一并从盘上挪走
func (f *File) DecrRef() error {
	n := atomic.AddInt32(&f.ref, -1)
	utils.CondPanic(n < 0, errors.Errorf("sst %08d refcount underflow", f.seq))
	if n != 0 {
		return nil
	}
	err := f.closeResources()
	if atomic.LoadInt32(&f.deleteOnClose) != 0 {
		if rerr := os.Remove(f.path); err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}

// MarkDelete 让最后一个引用者顺手删文件
func (f *File) MarkDelete() {
	atomic.StoreInt32(&f.deleteOnClose, 1)
}

// DropCachedBlocks 把本文件的块从缓存里摘掉
// 文件退役后这些块再也不会被命中,与其等LRU慢慢挤,不如立刻腾位置
func (f *File) DropCachedBlocks() {
	if f.keyCache != nil {
		for i := 0; i < f.keyBlockCount; i++ {
			f.keyCache.Del(cache.BlockKey(f.seq, uint32(i)))
		}
	}
	if f.valueCache != nil {
		for i := 0; i < f.valueBlockCount; i++ {
			f.valueCache.Del(cache.BlockKey(f.seq, uint32(i)))
		}
	}
}

func (f *File) closeResources() error {
	f.keyDec.Close()
	f.valueDec.Close()
	return f.mf.Close()
}

func (f *File) keyIndexAt(i int) (start, end, rawLen uint32, maxHash uint64) {
	off := i * keyIndexEntrySize
	end = utils.Bytes2Uint32(f.keyIndexData[off:])
	rawLen = utils.Bytes2Uint32(f.keyIndexData[off+4:])
	maxHash = utils.Bytes2Uint64(f.keyIndexData[off+8:])
	if i > 0 {
		start = utils.Bytes2Uint32(f.keyIndexData[off-keyIndexEntrySize:])
	}
	return
}

func (f *File) valueIndexAt(i int) (start, end, rawLen uint32) {
	off := i * valueIndexEntrySize
	end = utils.Bytes2Uint32(f.valueIndexData[off:])
	rawLen = utils.Bytes2Uint32(f.valueIndexData[off+4:])
	if i > 0 {
		start = utils.Bytes2Uint32(f.valueIndexData[off-valueIndexEntrySize:])
	}
	return
}

// keyBlockAt 取第i个key块的解压字节,能走缓存就走缓存
func (f *File) keyBlockAt(i int) ([]byte, error) {
	ck := cache.BlockKey(f.seq, uint32(i))
	if f.keyCache != nil {
		if b, ok := f.keyCache.Get(ck); ok {
			return b, nil
		}
	}
	start, end, rawLen, _ := f.keyIndexAt(i)
	raw, err := f.decompress(f.keyDec, f.keyRegionOff+start, f.keyRegionOff+end, rawLen)
	if err != nil {
		return nil, errors.Wrapf(err, "sst %08d key block %d", f.seq, i)
	}
	if f.keyCache != nil && !f.noFill {
		f.keyCache.Set(ck, raw)
	}
	return raw, nil
}

func (f *File) valueBlockAt(i int) ([]byte, error) {
	if i >= f.valueBlockCount {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "sst %08d value block %d out of range", f.seq, i)
	}
	ck := cache.BlockKey(f.seq, uint32(i))
	if f.valueCache != nil {
		if b, ok := f.valueCache.Get(ck); ok {
			return b, nil
		}
	}
	start, end, rawLen := f.valueIndexAt(i)
	raw, err := f.decompress(f.valueDec, start, end, rawLen)
	if err != nil {
		return nil, errors.Wrapf(err, "sst %08d value block %d", f.seq, i)
	}
	if f.valueCache != nil && !f.noFill {
		f.valueCache.Set(ck, raw)
	}
	return raw, nil
}

func (f *File) decompress(dec *zstd.Decoder, start, end, rawLen uint32) ([]byte, error) {
	comp, err := f.mf.Bytes(int(start), int(end-start))
	if err != nil {
		return nil, errors.Wrap(utils.ErrTruncate, "block bytes")
	}
	raw, err := dec.DecodeAll(comp, make([]byte, 0, rawLen))
	if err != nil {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "decompress: %v", err)
	}
	if uint32(len(raw)) != rawLen {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "raw len %d != %d", len(raw), rawLen)
	}
	return raw, nil
}

// searchKeyBlock 第一个可能盖住hash的key块下标
func (f *File) searchKeyBlock(hash uint64) int {
	return sort.Search(f.keyBlockCount, func(i int) bool {
		_, _, _, maxHash := f.keyIndexAt(i)
		return maxHash >= hash
	})
}

// Lookup 在本文件里点查一个key。返回的Inline直接切在解压块上,调用方只读
func (f *File) Lookup(hash uint64, key []byte) (LookupResult, LookupValue, error) {
	if hash < f.minHash || hash > f.maxHash {
		return LookupRangeMiss, LookupValue{}, nil
	}
	bi := f.searchKeyBlock(hash)
	if bi == f.keyBlockCount {
		return LookupNotFound, LookupValue{}, nil
	}
	blk, err := f.keyBlockAt(bi)
	if err != nil {
		return LookupNotFound, LookupValue{}, err
	}
	kb, err := parseKeyBlock(blk)
	if err != nil {
		return LookupNotFound, LookupValue{}, errors.Wrapf(err, "sst %08d key block %d", f.seq, bi)
	}
	return f.lookupInBlock(kb, hash, key)
}

// lookupInBlock 同hash的run在块内连续,线性扫run逐个比key
func (f *File) lookupInBlock(kb keyBlock, hash uint64, key []byte) (LookupResult, LookupValue, error) {
	for i := kb.searchHash(hash); i < kb.count() && kb.hashAt(i) == hash; i++ {
		if !bytes.Equal(kb.keyAt(i), key) {
			continue
		}
		switch kb.kindAt(i) {
		case KindTombstone:
			return LookupFoundTombstone, LookupValue{}, nil
		case KindBlob:
			return LookupFound, LookupValue{BlobSeq: kb.valueRefAt(i).block}, nil
		default:
			ref := kb.valueRefAt(i)
			if ref.length == 0 {
				return LookupFound, LookupValue{Inline: []byte{}}, nil
			}
			vblk, err := f.valueBlockAt(int(ref.block))
			if err != nil {
				return LookupNotFound, LookupValue{}, err
			}
			if int(ref.off)+int(ref.length) > len(vblk) {
				return LookupNotFound, LookupValue{},
					errors.Wrapf(utils.ErrChecksumMismatch, "sst %08d value ref out of block", f.seq)
			}
			return LookupFound, LookupValue{Inline: vblk[ref.off : ref.off+ref.length]}, nil
		}
	}
	return LookupNotFound, LookupValue{}, nil
}

// BatchQuery 批量点查的一槽,Result/Value由查找方回填
type BatchQuery struct {
	Hash   uint64
	Key    []byte
	Result LookupResult
	Value  LookupValue
}

// BatchLookup 批量点查,qs必须按(hash,key)升序,这样每个key块最多解压一次
func (f *File) BatchLookup(qs []*BatchQuery) error {
	lastBi := -1
	var kb keyBlock
	for _, q := range qs {
		if q.Hash < f.minHash || q.Hash > f.maxHash {
			q.Result = LookupRangeMiss
			continue
		}
		bi := f.searchKeyBlock(q.Hash)
		if bi == f.keyBlockCount {
			q.Result = LookupNotFound
			continue
		}
		if bi != lastBi {
			blk, err := f.keyBlockAt(bi)
			if err != nil {
				return err
			}
			if kb, err = parseKeyBlock(blk); err != nil {
				return errors.Wrapf(err, "sst %08d key block %d", f.seq, bi)
			}
			lastBi = bi
		}
		res, val, err := f.lookupInBlock(kb, q.Hash, q.Key)
		if err != nil {
			return err
		}
		q.Result, q.Value = res, val
	}
	return nil
}

// FileIter 按(hash,key)序扫全文件,返回的条目自带拷贝,跨块存活没问题。
// 内联value按需解压,value块下标在扫描序下单调不减,所以只缓一块就够
type FileIter struct {
	f   *File
	bi  int
	kb  keyBlock
	i   int
	err error

	vbIdx  int
	vbData []byte
}

func (f *File) NewIter() *FileIter {
	it := &FileIter{f: f, bi: -1, vbIdx: -1}
	it.nextBlock()
	return it
}

func (it *FileIter) nextBlock() {
	it.bi++
	it.i = 0
	if it.bi >= it.f.keyBlockCount {
		return
	}
	blk, err := it.f.keyBlockAt(it.bi)
	if err != nil {
		it.err = err
		return
	}
	if it.kb, it.err = parseKeyBlock(blk); it.err != nil {
		it.err = errors.Wrapf(it.err, "sst %08d key block %d", it.f.seq, it.bi)
	}
}

func (it *FileIter) Valid() bool {
	return it.err == nil && it.bi < it.f.keyBlockCount && it.i < it.kb.count()
}

func (it *FileIter) Err() error {
	return it.err
}

func (it *FileIter) Next() {
	it.i++
	if it.i >= it.kb.count() {
		it.nextBlock()
	}
}

// Entry 当前条目,Key和内联Value都是独立拷贝
func (it *FileIter) Entry() (*Entry, error) {
	e := &Entry{
		Hash: it.kb.hashAt(it.i),
		Key:  utils.SafeCopy(nil, it.kb.keyAt(it.i)),
	}
	switch it.kb.kindAt(it.i) {
	case KindTombstone:
		e.Value = Tombstone()
	case KindBlob:
		e.Value = BlobValue(it.kb.valueRefAt(it.i).block)
	default:
		ref := it.kb.valueRefAt(it.i)
		if ref.length == 0 {
			e.Value = InlineValue([]byte{})
			break
		}
		if int(ref.block) != it.vbIdx {
			vblk, err := it.f.valueBlockAt(int(ref.block))
			if err != nil {
				return nil, err
			}
			it.vbIdx, it.vbData = int(ref.block), vblk
		}
		if int(ref.off)+int(ref.length) > len(it.vbData) {
			return nil, errors.Wrapf(utils.ErrChecksumMismatch,
				"sst %08d value ref out of block", it.f.seq)
		}
		e.Value = InlineValue(utils.SafeCopy(nil, it.vbData[ref.off:ref.off+ref.length]))
	}
	return e, nil
}
