package blockstore

import (
	"context"
	"time"

	"github.com/blockdeck/shreddb/common/kvstore"
	apierrors "github.com/blockdeck/shreddb/errors"
	"github.com/blockdeck/shreddb/leadersched"
	"github.com/blockdeck/shreddb/proto"
	"github.com/blockdeck/shreddb/shred"
	"github.com/blockdeck/shreddb/util"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/util/btree"
	"github.com/klauspost/reedsolomon"
)

// DuplicateKind classifies a detected equivocation.
type DuplicateKind uint8

const (
	DuplicateExists DuplicateKind = iota + 1
	DuplicateLastIndexConflict
	DuplicateErasureConflict
	DuplicateMerkleRootConflict
	DuplicateChainedMerkleRootConflict
)

func (k DuplicateKind) String() string {
	switch k {
	case DuplicateExists:
		return "exists"
	case DuplicateLastIndexConflict:
		return "last_index_conflict"
	case DuplicateErasureConflict:
		return "erasure_conflict"
	case DuplicateMerkleRootConflict:
		return "merkle_root_conflict"
	case DuplicateChainedMerkleRootConflict:
		return "chained_merkle_root_conflict"
	default:
		return "unknown"
	}
}

// PossibleDuplicateShred pairs a newly arrived shred with the stored
// payload it conflicts with. Conflict is nil for plain re-sends.
type PossibleDuplicateShred struct {
	Kind  DuplicateKind
	Shred *shred.Shred
	// Conflict is an owned copy of the conflicting stored payload.
	Conflict []byte
}

// RetransmitSink receives the payloads of recovered shreds that passed
// leader signature verification, one batch per insert call.
type RetransmitSink func(payloads [][]byte)

type InsertOptions struct {
	// IsTrusted bypasses duplicate and integrity checks; used for
	// locally produced shreds.
	IsTrusted bool
	// Leaders resolves slot leaders for recovered shred verification.
	// Recovery is disabled when nil.
	Leaders leadersched.Provider
	// Retransmit, when set, receives recovered shred payloads.
	Retransmit RetransmitSink
}

type InsertResults struct {
	CompletedDataSets []proto.CompletedDataSetInfo
	DuplicateShreds   []PossibleDuplicateShred
}

type shredSource int

const (
	sourceTurbine shredSource = iota
	sourceRepaired
	sourceRecovered
)

// InsertShreds runs the insertion pipeline over a batch of shreds:
// admission, recovery, slot chaining, merkle chaining, then one atomic
// commit. repaired marks per-shred repair provenance and must be nil
// or match shreds in length.
func (bs *Blockstore) InsertShreds(ctx context.Context, shreds []*shred.Shred, repaired []bool, opts *InsertOptions) (*InsertResults, error) {
	if opts == nil {
		opts = &InsertOptions{}
	}
	if repaired != nil && len(repaired) != len(shreds) {
		return nil, apierrors.ErrRepairInfoMismatch
	}
	span, ctx := trace.StartSpanFromContext(ctx, "insert_shreds")

	totalStart := time.Now()
	m := bs.metrics

	lockStart := time.Now()
	bs.insertLock.Lock()
	defer bs.insertLock.Unlock()
	m.InsertLockElapsedUS.Add(util.SinceMicros(lockStart))

	ws := newWorkingSet()
	batch := bs.store.NewWriteBatch()
	defer batch.Close()

	results := &InsertResults{}

	shredStart := time.Now()
	for i, s := range shreds {
		m.NumShreds.Inc()
		source := sourceTurbine
		if repaired != nil && repaired[i] {
			source = sourceRepaired
		}
		switch {
		case s.IsData():
			completed, err := bs.insertDataShred(ctx, ws, batch, s, opts.IsTrusted, source)
			if err != nil {
				if err != apierrors.ErrShredExists && err != apierrors.ErrInvalidShred {
					return nil, err
				}
				continue
			}
			results.CompletedDataSets = append(results.CompletedDataSets, completed...)
		case s.IsCode():
			if err := bs.insertCodeShred(ctx, ws, batch, s, opts.IsTrusted); err != nil {
				if err != apierrors.ErrShredExists && err != apierrors.ErrInvalidShred {
					return nil, err
				}
				continue
			}
		}
		m.NumInserted.Inc()
		if source == sourceRepaired {
			m.NumRepair.Inc()
		}
	}
	m.InsertShredsElapsedUS.Add(util.SinceMicros(shredStart))

	if opts.Leaders != nil {
		recoveryStart := time.Now()
		decoders := make(map[proto.ErasureConfig]reedsolomon.Encoder)
		recovered, err := bs.tryShredRecovery(ctx, ws, decoders, opts.Leaders)
		if err != nil {
			return nil, err
		}
		var retransmit [][]byte
		for _, r := range recovered {
			if r.IsCode() {
				// parity is not persisted once its data is rebuilt
				retransmit = append(retransmit, r.Payload())
				continue
			}
			completed, err := bs.insertDataShred(ctx, ws, batch, r, opts.IsTrusted, sourceRecovered)
			if err != nil {
				if err != apierrors.ErrShredExists && err != apierrors.ErrInvalidShred {
					return nil, err
				}
				continue
			}
			results.CompletedDataSets = append(results.CompletedDataSets, completed...)
			retransmit = append(retransmit, r.Payload())
		}
		if len(retransmit) > 0 && opts.Retransmit != nil {
			opts.Retransmit(retransmit)
		}
		m.ShredRecoveryElapsedUS.Add(util.SinceMicros(recoveryStart))
	}

	chainingStart := time.Now()
	if err := bs.handleChaining(ctx, ws, batch); err != nil {
		return nil, err
	}
	if err := bs.checkMerkleRootChaining(ctx, ws, batch); err != nil {
		return nil, err
	}
	m.ChainingElapsedUS.Add(util.SinceMicros(chainingStart))

	commitStart := time.Now()
	if err := bs.commitWorkingSets(ctx, ws, batch); err != nil {
		return nil, err
	}
	m.CommitWorkingSetsElapsedUS.Add(util.SinceMicros(commitStart))

	writeStart := time.Now()
	if err := bs.store.Write(ctx, batch, nil); err != nil {
		span.Errorf("commit write batch failed: %s", err)
		return nil, err
	}
	m.WriteBatchElapsedUS.Add(util.SinceMicros(writeStart))
	m.TotalElapsedUS.Add(util.SinceMicros(totalStart))

	results.DuplicateShreds = ws.duplicates
	return results, nil
}

// insertDataShred validates and stages one data shred, updating the
// slot metadata and index working entries.
func (bs *Blockstore) insertDataShred(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, s *shred.Shred, trusted bool, source shredSource) ([]proto.CompletedDataSetInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	m := bs.metrics
	slot, index := s.Slot(), uint64(s.Index())

	indexStart := time.Now()
	idxEntry, err := bs.getIndexEntry(ctx, ws, slot)
	if err != nil {
		return nil, err
	}
	m.IndexMetaTimeUS.Add(util.SinceMicros(indexStart))

	parent, err := s.ParentSlot()
	if err != nil {
		m.NumDataShredsInvalid.Inc()
		return nil, apierrors.ErrInvalidShred
	}
	slotEntry, err := bs.getSlotMetaEntry(ctx, ws, slot, &parent)
	if err != nil {
		return nil, err
	}
	meta := slotEntry.meta

	setID := s.ErasureSetID()
	mrmEntry, err := bs.getMerkleRootMetaEntry(ctx, ws, setID)
	if err != nil {
		return nil, err
	}

	if !trusted {
		if s.LastInSlot() && index < meta.Received && !meta.IsFull() &&
			(meta.LastIndex == nil || index < *meta.LastIndex) {
			// a shorter alternative version of the slot was observed
			batch.Put(deadSlotsCF, bs.keys.encodeSlotKey(slot), []byte{1})
			span.Warnf("slot %d marked dead: last flag at %d below received %d", slot, index, meta.Received)
		}

		if index < meta.ConsecutiveReceived || idxEntry.index.Data.Contains(index) {
			ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
				Kind:  DuplicateExists,
				Shred: s,
			})
			return nil, apierrors.ErrShredExists
		}

		if err := bs.checkDataShredAdmissible(ctx, ws, batch, s, meta); err != nil {
			m.NumDataShredsInvalid.Inc()
			return nil, err
		}

		if mrmEntry != nil {
			if err := bs.checkMerkleRootConsistency(ctx, ws, batch, s, setID, mrmEntry.meta); err != nil {
				m.NumDataShredsInvalid.Inc()
				return nil, err
			}
		}
	}

	if source == sourceRecovered {
		m.NumRecovered.Inc()
	}

	batch.Put(dataShredCF, bs.keys.encodeShredKey(slot, index), s.Payload())
	idxEntry.index.Data.Insert(index)
	idxEntry.didInsert = true

	firstInsert := meta.Received == 0
	if index+1 > meta.Received {
		meta.Received = index + 1
	}
	if firstInsert {
		nowMilli := uint64(time.Now().UnixMilli())
		elapsed := uint64(s.ReferenceTick()) * 1000 / bs.ticksPerSecond
		if elapsed < nowMilli {
			meta.FirstShredTimestampMilli = nowMilli - elapsed
		}
	}
	if index == meta.ConsecutiveReceived {
		meta.ConsecutiveReceived = idxEntry.index.Data.NextAbsent(index)
	}
	if s.LastInSlot() && meta.LastIndex == nil {
		last := index
		meta.LastIndex = &last
	}
	if meta.ConsecutiveReceived > meta.Received {
		// defensive: the consecutive prefix can never outrun received
		span.Errorf("slot %d consecutive %d exceeds received %d", slot, meta.ConsecutiveReceived, meta.Received)
	}
	completed := updateCompletedDataIndexes(meta, s.Index(), s.DataComplete(), &idxEntry.index.Data)
	slotEntry.didInsert = true
	slotEntry.dirty = true

	ws.justInserted[s.ID()] = s
	if mrmEntry == nil {
		ws.merkleRootMetas[setID] = &merkleRootMetaEntry{meta: MerkleRootMetaFromShred(s), dirty: true}
	}
	return completed, nil
}

// checkDataShredAdmissible enforces the slot-shape admission rules: a
// shred beyond a recorded last index, or a last-in-slot flag below
// already received indices, is equivocation evidence.
func (bs *Blockstore) checkDataShredAdmissible(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, s *shred.Shred, meta *SlotMeta) error {
	slot, index := s.Slot(), uint64(s.Index())

	lastIndexConflict := meta.LastIndex != nil && index > *meta.LastIndex
	lastFlagConflict := s.LastInSlot() && index < meta.Received
	if lastIndexConflict || lastFlagConflict {
		var conflictIndex uint64
		if lastIndexConflict {
			conflictIndex = *meta.LastIndex
		} else {
			conflictIndex = meta.Received - 1
		}
		conflict, err := bs.findShredPayload(ctx, ws, proto.ShredID{
			Slot: slot, Index: uint32(conflictIndex), Type: proto.ShredTypeData,
		})
		if err != nil {
			return err
		}
		if conflict != nil {
			ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
				Kind:     DuplicateLastIndexConflict,
				Shred:    s,
				Conflict: util.CopyBytes(conflict),
			})
			bs.recordDuplicateProof(ctx, ws, batch, slot, conflict, s.Payload())
		}
		return apierrors.ErrInvalidShred
	}

	if meta.ParentSlot == nil {
		return apierrors.ErrInvalidShred
	}
	if !verifyShredSlots(slot, *meta.ParentSlot, bs.MaxRoot()) {
		return apierrors.ErrInvalidShred
	}
	return nil
}

// insertCodeShred validates and stages one code shred, updating the
// erasure metadata and index working entries.
func (bs *Blockstore) insertCodeShred(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, s *shred.Shred, trusted bool) error {
	m := bs.metrics
	slot, index := s.Slot(), uint64(s.Index())

	if !trusted {
		if slot <= bs.MaxRoot() {
			// code shreds for rooted slots are useless
			m.NumCodeShredsInvalid.Inc()
			return apierrors.ErrInvalidShred
		}
		if err := s.Sanitize(); err != nil {
			m.NumCodeShredsInvalid.Inc()
			return apierrors.ErrInvalidShred
		}
	}

	indexStart := time.Now()
	idxEntry, err := bs.getIndexEntry(ctx, ws, slot)
	if err != nil {
		return err
	}
	m.IndexMetaTimeUS.Add(util.SinceMicros(indexStart))

	setID := s.ErasureSetID()
	emEntry, err := bs.getErasureMetaEntry(ctx, ws, setID)
	if err != nil {
		return err
	}
	mrmEntry, err := bs.getMerkleRootMetaEntry(ctx, ws, setID)
	if err != nil {
		return err
	}

	if !trusted {
		// conflicting commitments and geometries are equivocation
		// evidence and take precedence over plain re-sends
		if mrmEntry != nil {
			if err := bs.checkMerkleRootConsistency(ctx, ws, batch, s, setID, mrmEntry.meta); err != nil {
				m.NumCodeShredsInvalid.Inc()
				return err
			}
		}
		if emEntry != nil && !emEntry.meta.CheckCodeShred(s) {
			m.NumCodeShredsInvalidErasureConfig.Inc()
			conflict, err := bs.findShredPayload(ctx, ws, proto.ShredID{
				Slot: slot, Index: emEntry.meta.FirstCodeIndex, Type: proto.ShredTypeCode,
			})
			if err != nil {
				return err
			}
			if conflict != nil {
				ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
					Kind:     DuplicateErasureConflict,
					Shred:    s,
					Conflict: util.CopyBytes(conflict),
				})
				bs.recordDuplicateProof(ctx, ws, batch, slot, conflict, s.Payload())
			}
			return apierrors.ErrInvalidShred
		}
		if idxEntry.index.Code.Contains(index) {
			m.NumCodeShredsExists.Inc()
			ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
				Kind:  DuplicateExists,
				Shred: s,
			})
			return apierrors.ErrShredExists
		}
	}

	if emEntry == nil {
		meta, err := ErasureMetaFromCodeShred(s)
		if err != nil {
			m.NumCodeShredsInvalid.Inc()
			return apierrors.ErrInvalidShred
		}
		emEntry = &erasureMetaEntry{id: setID, meta: meta, dirty: true}
		ws.putErasureMeta(emEntry)
	}

	batch.Put(codeShredCF, bs.keys.encodeShredKey(slot, index), s.Payload())
	idxEntry.index.Code.Insert(index)
	idxEntry.didInsert = true

	ws.justInserted[s.ID()] = s
	if mrmEntry == nil {
		ws.merkleRootMetas[setID] = &merkleRootMetaEntry{meta: MerkleRootMetaFromShred(s), dirty: true}
	}
	return nil
}

// checkMerkleRootConsistency compares a shred's commitment against the
// one recorded for its erasure set. Legacy shreds (no commitment) only
// match legacy records.
func (bs *Blockstore) checkMerkleRootConsistency(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, s *shred.Shred, setID proto.ErasureSetID, mrm *MerkleRootMeta) error {
	root, ok := s.MerkleRoot()
	if merkleRootsMatch(mrm.MerkleRoot, root, ok) {
		return nil
	}
	conflict, err := bs.findShredPayload(ctx, ws, proto.ShredID{
		Slot:  setID.Slot,
		Index: mrm.FirstReceivedShredIndex,
		Type:  mrm.FirstReceivedShredType,
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		ws.duplicates = append(ws.duplicates, PossibleDuplicateShred{
			Kind:     DuplicateMerkleRootConflict,
			Shred:    s,
			Conflict: util.CopyBytes(conflict),
		})
		bs.recordDuplicateProof(ctx, ws, batch, setID.Slot, conflict, s.Payload())
	}
	return apierrors.ErrInvalidShred
}

func merkleRootsMatch(recorded *[32]byte, root [32]byte, ok bool) bool {
	if recorded == nil {
		return !ok
	}
	return ok && *recorded == root
}

// recordDuplicateProof persists an equivocation proof for the slot
// unless one is already recorded.
func (bs *Blockstore) recordDuplicateProof(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch, slot uint64, stored, incoming []byte) {
	if ws.dupProofs[slot] || bs.hasDuplicateSlotProof(ctx, slot) {
		return
	}
	proof := &DuplicateSlotProof{
		Shred1: util.CopyBytes(stored),
		Shred2: util.CopyBytes(incoming),
	}
	data, err := proof.Marshal()
	if err != nil {
		return
	}
	batch.Put(duplicateSlotsCF, bs.keys.encodeSlotKey(slot), data)
	ws.dupProofs[slot] = true
}

// commitWorkingSets flushes every dirty working entry into the batch.
func (bs *Blockstore) commitWorkingSets(ctx context.Context, ws *workingSet, batch kvstore.WriteBatch) error {
	var firstErr error
	ws.erasureMetas.Ascend(func(item btree.Item) bool {
		entry := item.(*erasureMetaEntry)
		if !entry.dirty {
			return true
		}
		data, err := entry.meta.Marshal()
		if err != nil {
			firstErr = err
			return false
		}
		batch.Put(erasureMetaCF, bs.keys.encodeErasureSetKey(entry.id.Slot, entry.id.FECSetIndex), data)
		return true
	})
	if firstErr != nil {
		return firstErr
	}
	for id, entry := range ws.merkleRootMetas {
		if !entry.dirty {
			continue
		}
		data, err := entry.meta.Marshal()
		if err != nil {
			return err
		}
		batch.Put(merkleRootMetaCF, bs.keys.encodeErasureSetKey(id.Slot, id.FECSetIndex), data)
	}
	for slot, entry := range ws.slotMetas {
		if !entry.dirty && !entry.didInsert {
			continue
		}
		data, err := entry.meta.Marshal()
		if err != nil {
			return err
		}
		batch.Put(slotMetaCF, bs.keys.encodeSlotKey(slot), data)
	}
	for slot, entry := range ws.indexes {
		if !entry.didInsert {
			continue
		}
		data, err := entry.index.Marshal()
		if err != nil {
			return err
		}
		batch.Put(indexCF, bs.keys.encodeSlotKey(slot), data)
	}
	return nil
}

// verifyShredSlots checks the slot ordering invariant: the parent lies
// at or above the last root and strictly below the shred's slot. The
// all-zero genesis case is allowed.
func verifyShredSlots(slot, parent, root uint64) bool {
	if slot == 0 && parent == 0 && root == 0 {
		return true
	}
	return root <= parent && parent < slot
}
