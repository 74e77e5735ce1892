// Package blockstore persists erasure-coded block fragments and their
// per-slot metadata in a column-family key/value store, and implements
// the shred insertion pipeline: admission, Reed-Solomon recovery,
// merkle-root chain checks, slot chaining and atomic commit.
package blockstore

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/blockdeck/shreddb/common/kvstore"
	"github.com/blockdeck/shreddb/metrics"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	dataShredCF      kvstore.CF = "data_shred"
	codeShredCF      kvstore.CF = "code_shred"
	slotMetaCF       kvstore.CF = "slot_meta"
	indexCF          kvstore.CF = "index"
	erasureMetaCF    kvstore.CF = "erasure_meta"
	merkleRootMetaCF kvstore.CF = "merkle_root_meta"
	deadSlotsCF      kvstore.CF = "dead_slots"
	orphansCF        kvstore.CF = "orphans"
	duplicateSlotsCF kvstore.CF = "duplicate_slots"
)

var columnFamilies = []kvstore.CF{
	dataShredCF, codeShredCF, slotMetaCF, indexCF,
	erasureMetaCF, merkleRootMetaCF, deadSlotsCF, orphansCF, duplicateSlotsCF,
}

// DefaultTicksPerSecond scales a shred's reference tick into the first
// shred timestamp estimate.
const DefaultTicksPerSecond = 160

type Config struct {
	Path     string
	KVOption kvstore.Option

	TicksPerSecond uint64

	// Metrics is the inserter counter set; a fresh registry-backed set
	// is created when nil.
	Metrics *metrics.InserterMetrics
}

// Blockstore is the ledger store. Point readers are safe to run
// concurrently with an inserter: all inserter writes of one call land
// in a single atomic batch.
type Blockstore struct {
	store kvstore.Store
	keys  keysGenerator

	ticksPerSecond uint64
	metrics        *metrics.InserterMetrics

	// insertLock serialises all inserters against each other.
	insertLock sync.Mutex

	// maxRoot is monotonically advanced by the pruning subsystem and
	// only read here.
	maxRoot uint64
}

func Open(ctx context.Context, cfg Config) (*Blockstore, error) {
	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = append([]kvstore.CF(nil), columnFamilies...)
	store, err := kvstore.NewKVStore(ctx, cfg.Path, kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		return nil, err
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewInserterMetrics(prometheus.NewRegistry())
	}
	ticks := cfg.TicksPerSecond
	if ticks == 0 {
		ticks = DefaultTicksPerSecond
	}
	log.Infof("blockstore opened at %s with %d column families", cfg.Path, len(columnFamilies))
	return &Blockstore{
		store:          store,
		ticksPerSecond: ticks,
		metrics:        m,
	}, nil
}

func (bs *Blockstore) Close() {
	bs.store.Close()
	log.Info("blockstore closed")
}

// MaxRoot reads the highest rooted slot.
func (bs *Blockstore) MaxRoot() uint64 {
	return atomic.LoadUint64(&bs.maxRoot)
}

// SetMaxRoot advances the highest rooted slot; the value never moves
// backwards.
func (bs *Blockstore) SetMaxRoot(slot uint64) {
	for {
		cur := atomic.LoadUint64(&bs.maxRoot)
		if slot <= cur || atomic.CompareAndSwapUint64(&bs.maxRoot, cur, slot) {
			return
		}
	}
}

// SlotMeta loads the metadata of a slot; kvstore.ErrNotFound when the
// slot was never observed.
func (bs *Blockstore) SlotMeta(ctx context.Context, slot uint64) (*SlotMeta, error) {
	data, err := bs.store.GetRaw(ctx, slotMetaCF, bs.keys.encodeSlotKey(slot), nil)
	if err != nil {
		return nil, err
	}
	meta := &SlotMeta{}
	if err := meta.Unmarshal(data); err != nil {
		return nil, err
	}
	return meta, nil
}

// Index loads the shred index record of a slot.
func (bs *Blockstore) Index(ctx context.Context, slot uint64) (*Index, error) {
	data, err := bs.store.GetRaw(ctx, indexCF, bs.keys.encodeSlotKey(slot), nil)
	if err != nil {
		return nil, err
	}
	index := &Index{}
	if err := index.Unmarshal(data); err != nil {
		return nil, err
	}
	return index, nil
}

// ErasureMeta loads the erasure metadata of one set.
func (bs *Blockstore) ErasureMeta(ctx context.Context, slot uint64, fecSetIndex uint32) (*ErasureMeta, error) {
	data, err := bs.store.GetRaw(ctx, erasureMetaCF, bs.keys.encodeErasureSetKey(slot, fecSetIndex), nil)
	if err != nil {
		return nil, err
	}
	meta := &ErasureMeta{}
	if err := meta.Unmarshal(data); err != nil {
		return nil, err
	}
	return meta, nil
}

// MerkleRootMeta loads the merkle commitment record of one set.
func (bs *Blockstore) MerkleRootMeta(ctx context.Context, slot uint64, fecSetIndex uint32) (*MerkleRootMeta, error) {
	data, err := bs.store.GetRaw(ctx, merkleRootMetaCF, bs.keys.encodeErasureSetKey(slot, fecSetIndex), nil)
	if err != nil {
		return nil, err
	}
	meta := &MerkleRootMeta{}
	if err := meta.Unmarshal(data); err != nil {
		return nil, err
	}
	return meta, nil
}

// DataShredBytes returns the stored payload of one data shred.
func (bs *Blockstore) DataShredBytes(ctx context.Context, slot uint64, index uint64) ([]byte, error) {
	return bs.store.GetRaw(ctx, dataShredCF, bs.keys.encodeShredKey(slot, index), nil)
}

// CodeShredBytes returns the stored payload of one code shred.
func (bs *Blockstore) CodeShredBytes(ctx context.Context, slot uint64, index uint64) ([]byte, error) {
	return bs.store.GetRaw(ctx, codeShredCF, bs.keys.encodeShredKey(slot, index), nil)
}

// IsDead reports whether the slot was marked dead.
func (bs *Blockstore) IsDead(ctx context.Context, slot uint64) (bool, error) {
	return bs.store.Contains(ctx, deadSlotsCF, bs.keys.encodeSlotKey(slot), nil)
}

// IsOrphan reports whether the slot currently has no known parent.
func (bs *Blockstore) IsOrphan(ctx context.Context, slot uint64) (bool, error) {
	return bs.store.Contains(ctx, orphansCF, bs.keys.encodeSlotKey(slot), nil)
}

// IsFull reports whether every data shred of the slot is stored.
func (bs *Blockstore) IsFull(ctx context.Context, slot uint64) (bool, error) {
	meta, err := bs.SlotMeta(ctx, slot)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return meta.IsFull(), nil
}

// DuplicateSlotProof loads the recorded equivocation proof of a slot.
func (bs *Blockstore) DuplicateSlotProof(ctx context.Context, slot uint64) (*DuplicateSlotProof, error) {
	data, err := bs.store.GetRaw(ctx, duplicateSlotsCF, bs.keys.encodeSlotKey(slot), nil)
	if err != nil {
		return nil, err
	}
	proof := &DuplicateSlotProof{}
	if err := proof.Unmarshal(data); err != nil {
		return nil, err
	}
	return proof, nil
}

func (bs *Blockstore) hasDuplicateSlotProof(ctx context.Context, slot uint64) bool {
	ok, err := bs.store.Contains(ctx, duplicateSlotsCF, bs.keys.encodeSlotKey(slot), nil)
	return err == nil && ok
}

// keys are big-endian so lexicographic byte order matches numeric
// order: composite keys sort by slot first, then index.
type keysGenerator struct{}

func (keysGenerator) encodeSlotKey(slot uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, slot)
	return key
}

func (keysGenerator) encodeShredKey(slot uint64, index uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, slot)
	binary.BigEndian.PutUint64(key[8:], index)
	return key
}

func (keysGenerator) encodeErasureSetKey(slot uint64, fecSetIndex uint32) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, slot)
	binary.BigEndian.PutUint64(key[8:], uint64(fecSetIndex))
	return key
}

func (keysGenerator) decodeErasureSetKey(key []byte) (slot uint64, fecSetIndex uint32) {
	slot = binary.BigEndian.Uint64(key)
	fecSetIndex = uint32(binary.BigEndian.Uint64(key[8:]))
	return
}
