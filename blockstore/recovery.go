package blockstore

import (
	"context"

	"github.com/blockdeck/shreddb/leadersched"
	"github.com/blockdeck/shreddb/proto"
	"github.com/blockdeck/shreddb/shred"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/util/btree"
	"github.com/klauspost/reedsolomon"
)

// tryShredRecovery runs Reed-Solomon reconstruction over every erasure
// set in the working set that can currently be recovered. Recovered
// data shreds are verified against the slot leader before they are
// returned for re-admission. Decoders are cached per geometry for the
// duration of the call.
func (bs *Blockstore) tryShredRecovery(ctx context.Context, ws *workingSet, decoders map[proto.ErasureConfig]reedsolomon.Encoder, leaders leadersched.Provider) ([]*shred.Shred, error) {
	type candidate struct {
		id   proto.ErasureSetID
		meta *ErasureMeta
	}
	var candidates []candidate
	ws.erasureMetas.Ascend(func(item btree.Item) bool {
		entry := item.(*erasureMetaEntry)
		idxEntry, ok := ws.indexes[entry.id.Slot]
		if !ok {
			return true
		}
		if entry.meta.Status(idxEntry.index) == ErasureCanRecover {
			candidates = append(candidates, candidate{id: entry.id, meta: entry.meta})
		}
		return true
	})

	var recovered []*shred.Shred
	for _, c := range candidates {
		shreds, err := bs.recoverErasureSet(ctx, ws, c.id, c.meta, decoders, leaders)
		if err != nil {
			// store failures abort the call; decode failures were
			// already swallowed per set
			return nil, err
		}
		recovered = append(recovered, shreds...)
	}
	return recovered, nil
}

// recoverErasureSet rebuilds the missing data shreds of one set from
// the union of just-inserted and stored payloads.
func (bs *Blockstore) recoverErasureSet(ctx context.Context, ws *workingSet, id proto.ErasureSetID, meta *ErasureMeta, decoders map[proto.ErasureConfig]reedsolomon.Encoder, leaders leadersched.Provider) ([]*shred.Shred, error) {
	m := bs.metrics
	numData, numCode := int(meta.Config.NumData), int(meta.Config.NumCode)
	shards := make([][]byte, numData+numCode)

	idxEntry := ws.indexes[id.Slot]
	dataBegin, dataEnd := meta.DataShredsIndices()
	missing := make([]int, 0, numData)
	for i := dataBegin; i < dataEnd; i++ {
		if !idxEntry.index.Data.Contains(i) {
			missing = append(missing, int(i-dataBegin))
			continue
		}
		payload, err := bs.findShredPayload(ctx, ws, proto.ShredID{
			Slot: id.Slot, Index: uint32(i), Type: proto.ShredTypeData,
		})
		if err != nil {
			return nil, err
		}
		shards[i-dataBegin] = payload
	}
	if len(missing) == 0 {
		return nil, nil
	}

	codeBegin, codeEnd := meta.CodeShredsIndices()
	for i := codeBegin; i < codeEnd; i++ {
		if !idxEntry.index.Code.Contains(i) {
			continue
		}
		payload, err := bs.findShredPayload(ctx, ws, proto.ShredID{
			Slot: id.Slot, Index: uint32(i), Type: proto.ShredTypeCode,
		})
		if err != nil {
			return nil, err
		}
		if parity := codeShredParity(payload); parity != nil {
			shards[numData+int(i-codeBegin)] = parity
		}
	}

	span := trace.SpanFromContextSafe(ctx)
	dec, ok := decoders[meta.Config]
	if !ok {
		var err error
		dec, err = reedsolomon.New(numData, numCode)
		if err != nil {
			span.Warnf("bad erasure geometry (%d, %d): %s", numData, numCode, err)
			return nil, nil
		}
		decoders[meta.Config] = dec
	}
	if err := dec.ReconstructData(shards); err != nil {
		// decode failures are swallowed for the set
		span.Warnf("reconstruct set (%d, %d) failed: %s", id.Slot, id.FECSetIndex, err)
		return nil, nil
	}

	leader, hasLeader := leaders.SlotLeader(id.Slot)

	recovered := make([]*shred.Shred, 0, len(missing))
	for _, i := range missing {
		s, err := shred.FromPayload(shards[i])
		if err != nil || s.Sanitize() != nil || s.Slot() != id.Slot {
			m.NumRecoveredFailedInvalid.Inc()
			continue
		}
		if !hasLeader {
			continue
		}
		if !s.VerifyWithLeader(leader) {
			m.NumRecoveredFailedSig.Inc()
			continue
		}
		recovered = append(recovered, s)
	}
	return recovered, nil
}

// codeShredParity extracts the Reed-Solomon parity shard of a code
// shred payload: the full-width region after the code header.
func codeShredParity(payload []byte) []byte {
	if len(payload) < shred.CodeHeaderSize+shred.DataShredSize {
		return nil
	}
	return payload[shred.CodeHeaderSize : shred.CodeHeaderSize+shred.DataShredSize]
}
