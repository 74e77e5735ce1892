package blockstore

import (
	"context"
	"sort"

	"github.com/blockdeck/shreddb/common/kvstore"
	"github.com/blockdeck/shreddb/proto"
	"github.com/blockdeck/shreddb/util"
	"github.com/cubefs/cubefs/util/btree"
)

// handleChaining maintains the parent/child slot graph for every slot
// that saw an insert this call: parent adoption, orphan bookkeeping
// and transitive propagation of the connected flags.
func (bs *Blockstore) handleChaining(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch) error {
	slots := make([]uint64, 0, len(ws.slotMetas))
	for slot, entry := range ws.slotMetas {
		if entry.didInsert {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	for _, slot := range slots {
		if err := bs.handleChainingForSlot(ctx, ws, batch, slot); err != nil {
			return err
		}
	}
	return nil
}

func (bs *Blockstore) handleChainingForSlot(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, slot uint64) error {
	entry := ws.slotMetas[slot]
	meta := entry.meta
	wasOrphan := entry.old == nil || entry.old.IsOrphan()

	if wasOrphan {
		if meta.IsOrphan() {
			// parent still unknown
			batch.Put(orphansCF, bs.keys.encodeSlotKey(slot), []byte{1})
		} else {
			if entry.old != nil && entry.old.IsOrphan() {
				batch.Delete(orphansCF, bs.keys.encodeSlotKey(slot))
			}
			parent := *meta.ParentSlot
			// genesis is its own parent and does not chain
			if parent != slot {
				parentEntry, err := bs.getSlotMetaEntry(ctx, ws, parent, nil)
				if err != nil {
					return err
				}
				if parentEntry.meta.AddNextSlot(slot) {
					parentEntry.dirty = true
				}
				if parentEntry.meta.IsOrphan() && parentEntry.old == nil {
					// placeholder parent created just now
					batch.Put(orphansCF, bs.keys.encodeSlotKey(parent), []byte{1})
				}
			}
		}
	}

	return bs.updateConnected(ctx, ws, entry)
}

// updateConnected recomputes the slot's connected flags from its
// parent and, when the slot newly connects, walks its children.
func (bs *Blockstore) updateConnected(ctx context.Context, ws *workingSet, entry *slotMetaEntry) error {
	meta := entry.meta

	if !meta.IsParentConnected && meta.ParentSlot != nil {
		parentEntry, err := bs.getSlotMetaEntry(ctx, ws, *meta.ParentSlot, nil)
		if err != nil {
			return err
		}
		if parentEntry.meta.IsFull() && parentEntry.meta.IsConnected {
			meta.IsParentConnected = true
			entry.dirty = true
		}
	}
	if meta.IsParentConnected && meta.IsFull() && !meta.IsConnected {
		meta.IsConnected = true
		entry.dirty = true
		return bs.propagateConnected(ctx, ws, meta)
	}
	return nil
}

// propagateConnected marks the children of a newly connected, full
// slot parent-connected and recurses through any that are full.
func (bs *Blockstore) propagateConnected(ctx context.Context, ws *workingSet, parent *SlotMeta) error {
	for _, child := range parent.NextSlots {
		childEntry, err := bs.getSlotMetaEntry(ctx, ws, child, nil)
		if err != nil {
			return err
		}
		cm := childEntry.meta
		if !cm.IsParentConnected {
			cm.IsParentConnected = true
			childEntry.dirty = true
		}
		if cm.IsFull() && !cm.IsConnected {
			cm.IsConnected = true
			childEntry.dirty = true
			if err := bs.propagateConnected(ctx, ws, cm); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkMerkleRootChaining runs the consultative forward and backward
// merkle chain checks. Conflicts append duplicates and proofs; they
// never fail the call and leave dirty/clean state untouched.
func (bs *Blockstore) checkMerkleRootChaining(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch) error {
	// forward: a newly created erasure meta checks its recorded root
	// against the chained root of the next set's first shred.
	var firstErr error
	ws.erasureMetas.Ascend(func(item btree.Item) bool {
		entry := item.(*erasureMetaEntry)
		if !entry.dirty {
			return true
		}
		if err := bs.checkForwardChaining(ctx, ws, batch, entry); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	if firstErr != nil {
		return firstErr
	}

	// backward: a newly created merkle root meta checks its first
	// shred's chained root against the previous set's recorded root.
	for id, entry := range ws.merkleRootMetas {
		if !entry.dirty {
			continue
		}
		if err := bs.checkBackwardChaining(ctx, ws, batch, id, entry.meta); err != nil {
			return err
		}
	}
	return nil
}

func (bs *Blockstore) checkForwardChaining(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, entry *erasureMetaEntry) error {
	id := entry.id
	ownShred, err := bs.findShred(ctx, ws, proto.ShredID{
		Slot: id.Slot, Index: entry.meta.FirstCodeIndex, Type: proto.ShredTypeCode,
	})
	if err != nil || ownShred == nil {
		return err
	}
	ownRoot, ok := ownShred.MerkleRoot()
	if !ok {
		return nil
	}

	nextID := proto.ErasureSetID{Slot: id.Slot, FECSetIndex: entry.meta.NextFECSetIndex()}
	nextMrm, err := bs.getMerkleRootMetaEntry(ctx, ws, nextID)
	if err != nil || nextMrm == nil {
		return err
	}
	nextShred, err := bs.findShred(ctx, ws, proto.ShredID{
		Slot:  nextID.Slot,
		Index: nextMrm.meta.FirstReceivedShredIndex,
		Type:  nextMrm.meta.FirstReceivedShredType,
	})
	if err != nil || nextShred == nil {
		return err
	}
	chained, ok := nextShred.ChainedMerkleRoot()
	if !ok {
		return nil
	}
	if chained != ownRoot {
		ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
			Kind:     DuplicateChainedMerkleRootConflict,
			Shred:    ownShred,
			Conflict: util.CopyBytes(nextShred.Payload()),
		})
		bs.recordDuplicateProof(ctx, ws, batch, id.Slot, nextShred.Payload(), ownShred.Payload())
	}
	return nil
}

func (bs *Blockstore) checkBackwardChaining(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, id proto.ErasureSetID, mrm *MerkleRootMeta) error {
	ownShred, err := bs.findShred(ctx, ws, proto.ShredID{
		Slot: id.Slot, Index: mrm.FirstReceivedShredIndex, Type: mrm.FirstReceivedShredType,
	})
	if err != nil || ownShred == nil {
		return err
	}
	chained, ok := ownShred.ChainedMerkleRoot()
	if !ok {
		// legacy shreds carry no chaining field
		return nil
	}

	prevMeta, err := bs.previousErasureSet(ctx, ws, id)
	if err != nil || prevMeta == nil {
		return err
	}
	prevID := proto.ErasureSetID{Slot: id.Slot, FECSetIndex: prevMeta.SetIndex}
	prevMrm, err := bs.getMerkleRootMetaEntry(ctx, ws, prevID)
	if err != nil || prevMrm == nil {
		return err
	}

	if prevMrm.meta.MerkleRoot == nil || *prevMrm.meta.MerkleRoot != chained {
		conflict, err := bs.findShredPayload(ctx, ws, proto.ShredID{
			Slot:  prevID.Slot,
			Index: prevMrm.meta.FirstReceivedShredIndex,
			Type:  prevMrm.meta.FirstReceivedShredType,
		})
		if err != nil {
			return err
		}
		ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
			Kind:     DuplicateChainedMerkleRootConflict,
			Shred:    ownShred,
			Conflict: util.CopyBytes(conflict),
		})
		if conflict != nil {
			bs.recordDuplicateProof(ctx, ws, batch, id.Slot, conflict, ownShred.Payload())
		}
	}
	return nil
}
