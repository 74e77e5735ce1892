package blockstore

import (
	"context"

	"github.com/blockdeck/shreddb/common/kvstore"
	"github.com/blockdeck/shreddb/proto"
	"github.com/blockdeck/shreddb/shred"
	"github.com/cubefs/cubefs/util/btree"
)

// Working-set entries layer per-call scratch state over the store.
// Entries loaded from the store start clean; only dirty entries are
// flushed into the write batch.

type erasureMetaEntry struct {
	id    proto.ErasureSetID
	meta  *ErasureMeta
	dirty bool
}

func (e *erasureMetaEntry) Less(than btree.Item) bool {
	return e.id.Less(than.(*erasureMetaEntry).id)
}

func (e *erasureMetaEntry) Copy() btree.Item {
	c := *e
	return &c
}

type merkleRootMetaEntry struct {
	meta  *MerkleRootMeta
	dirty bool
}

type slotMetaEntry struct {
	meta *SlotMeta
	// old is the state loaded from the store, nil for slots first
	// observed in this call. Chaining uses it to detect transitions.
	old       *SlotMeta
	didInsert bool
	dirty     bool
}

type indexEntry struct {
	index     *Index
	didInsert bool
}

type workingSet struct {
	// erasureMetas is ordered by set id: the forward merkle pass and
	// recovery iterate sets in ascending order within a slot.
	erasureMetas    *btree.BTree
	merkleRootMetas map[proto.ErasureSetID]*merkleRootMetaEntry
	slotMetas       map[uint64]*slotMetaEntry
	indexes         map[uint64]*indexEntry

	// justInserted owns the parsed shreds admitted by this call, so
	// conflicts resolve without re-reading the store.
	justInserted map[proto.ShredID]*shred.Shred

	duplicates []PossibleDuplicateShred
	// dupProofs tracks slots whose equivocation proof is already in
	// the batch, so one call writes at most one proof per slot.
	dupProofs map[uint64]bool
}

func newWorkingSet() *workingSet {
	return &workingSet{
		erasureMetas:    btree.New(8),
		merkleRootMetas: make(map[proto.ErasureSetID]*merkleRootMetaEntry),
		slotMetas:       make(map[uint64]*slotMetaEntry),
		indexes:         make(map[uint64]*indexEntry),
		justInserted:    make(map[proto.ShredID]*shred.Shred),
		dupProofs:       make(map[uint64]bool),
	}
}

func (ws *workingSet) getErasureMeta(id proto.ErasureSetID) *erasureMetaEntry {
	item := ws.erasureMetas.Get(&erasureMetaEntry{id: id})
	if item == nil {
		return nil
	}
	return item.(*erasureMetaEntry)
}

func (ws *workingSet) putErasureMeta(entry *erasureMetaEntry) {
	ws.erasureMetas.ReplaceOrInsert(entry)
}

// getIndexEntry returns the slot's index record, loading it from the
// store or creating a fresh one.
func (bs *Blockstore) getIndexEntry(ctx context.Context, ws *workingSet, slot uint64) (*indexEntry, error) {
	if entry, ok := ws.indexes[slot]; ok {
		return entry, nil
	}
	index, err := bs.Index(ctx, slot)
	if err != nil {
		if err != kvstore.ErrNotFound {
			return nil, err
		}
		index = NewIndex(slot)
	}
	entry := &indexEntry{index: index}
	ws.indexes[slot] = entry
	return entry, nil
}

// getSlotMetaEntry returns the slot's metadata record. An existing
// orphan adopts the supplied parent.
func (bs *Blockstore) getSlotMetaEntry(ctx context.Context, ws *workingSet, slot uint64, parent *uint64) (*slotMetaEntry, error) {
	if entry, ok := ws.slotMetas[slot]; ok {
		if parent != nil && entry.meta.IsOrphan() {
			entry.meta.ParentSlot = parent
			entry.dirty = true
		}
		return entry, nil
	}
	var entry *slotMetaEntry
	meta, err := bs.SlotMeta(ctx, slot)
	if err != nil {
		if err != kvstore.ErrNotFound {
			return nil, err
		}
		entry = &slotMetaEntry{meta: NewSlotMeta(slot, parent), dirty: true}
	} else {
		entry = &slotMetaEntry{meta: meta, old: meta.Clone()}
		if parent != nil && entry.meta.IsOrphan() {
			entry.meta.ParentSlot = parent
			entry.dirty = true
		}
	}
	ws.slotMetas[slot] = entry
	return entry, nil
}

// getErasureMetaEntry returns the set's erasure metadata from the
// working set or the store; nil when the set has no code shred yet.
func (bs *Blockstore) getErasureMetaEntry(ctx context.Context, ws *workingSet, id proto.ErasureSetID) (*erasureMetaEntry, error) {
	if entry := ws.getErasureMeta(id); entry != nil {
		return entry, nil
	}
	meta, err := bs.ErasureMeta(ctx, id.Slot, id.FECSetIndex)
	if err != nil {
		if err != kvstore.ErrNotFound {
			return nil, err
		}
		return nil, nil
	}
	entry := &erasureMetaEntry{id: id, meta: meta}
	ws.putErasureMeta(entry)
	return entry, nil
}

// getMerkleRootMetaEntry returns the set's merkle commitment record
// from the working set or the store; nil when the set is unseen.
func (bs *Blockstore) getMerkleRootMetaEntry(ctx context.Context, ws *workingSet, id proto.ErasureSetID) (*merkleRootMetaEntry, error) {
	if entry, ok := ws.merkleRootMetas[id]; ok {
		return entry, nil
	}
	meta, err := bs.MerkleRootMeta(ctx, id.Slot, id.FECSetIndex)
	if err != nil {
		if err != kvstore.ErrNotFound {
			return nil, err
		}
		return nil, nil
	}
	entry := &merkleRootMetaEntry{meta: meta}
	ws.merkleRootMetas[id] = entry
	return entry, nil
}

// findShredPayload locates a shred payload by id, preferring the
// shreds admitted by this call, falling back to the store. Returns nil
// when the shred is in neither.
func (bs *Blockstore) findShredPayload(ctx context.Context, ws *workingSet, id proto.ShredID) ([]byte, error) {
	if s, ok := ws.justInserted[id]; ok {
		return s.Payload(), nil
	}
	var (
		payload []byte
		err     error
	)
	if id.Type == proto.ShredTypeData {
		payload, err = bs.DataShredBytes(ctx, id.Slot, uint64(id.Index))
	} else {
		payload, err = bs.CodeShredBytes(ctx, id.Slot, uint64(id.Index))
	}
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

// findShred is findShredPayload returning the parsed form.
func (bs *Blockstore) findShred(ctx context.Context, ws *workingSet, id proto.ShredID) (*shred.Shred, error) {
	if s, ok := ws.justInserted[id]; ok {
		return s, nil
	}
	payload, err := bs.findShredPayload(ctx, ws, id)
	if err != nil || payload == nil {
		return nil, err
	}
	return shred.FromPayload(payload)
}

// previousErasureSet finds the erasure set immediately preceding id in
// the same slot: the set whose data range ends where id starts. It
// consults both the working set and the store.
func (bs *Blockstore) previousErasureSet(ctx context.Context, ws *workingSet, id proto.ErasureSetID) (*ErasureMeta, error) {
	if id.FECSetIndex == 0 {
		return nil, nil
	}
	pivot := proto.ErasureSetID{Slot: id.Slot, FECSetIndex: id.FECSetIndex - 1}

	var candidate *ErasureMeta
	ws.erasureMetas.DescendLessOrEqual(&erasureMetaEntry{id: pivot}, func(item btree.Item) bool {
		entry := item.(*erasureMetaEntry)
		if entry.id.Slot == id.Slot {
			candidate = entry.meta
		}
		return false
	})

	stored, err := bs.storedPreviousErasureSet(ctx, pivot)
	if err != nil {
		return nil, err
	}
	if stored != nil && (candidate == nil || stored.SetIndex > candidate.SetIndex) {
		candidate = stored
	}
	if candidate == nil || candidate.NextFECSetIndex() != id.FECSetIndex {
		return nil, nil
	}
	return candidate, nil
}

func (bs *Blockstore) storedPreviousErasureSet(ctx context.Context, pivot proto.ErasureSetID) (*ErasureMeta, error) {
	lr := bs.store.List(ctx, erasureMetaCF, nil, nil, nil)
	defer lr.Close()

	if err := lr.SeekForPrev(bs.keys.encodeErasureSetKey(pivot.Slot, pivot.FECSetIndex)); err != nil {
		return nil, err
	}
	kg, vg, err := lr.ReadPrev()
	if err != nil {
		return nil, err
	}
	if kg == nil {
		return nil, nil
	}
	defer kg.Close()
	defer vg.Close()

	slot, _ := bs.keys.decodeErasureSetKey(kg.Key())
	if slot != pivot.Slot {
		return nil, nil
	}
	meta := &ErasureMeta{}
	if err := meta.Unmarshal(vg.Value()); err != nil {
		return nil, err
	}
	return meta, nil
}
