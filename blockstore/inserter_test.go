package blockstore

import (
	"context"
	"crypto/rand"
	"os"
	"testing"

	"github.com/blockdeck/shreddb/common/kvstore"
	apierrors "github.com/blockdeck/shreddb/errors"
	"github.com/blockdeck/shreddb/leadersched"
	"github.com/blockdeck/shreddb/metrics"
	"github.com/blockdeck/shreddb/proto"
	"github.com/blockdeck/shreddb/shred"
	"github.com/blockdeck/shreddb/util"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

type testEnv struct {
	bs       *Blockstore
	shredder *shred.Shredder
	leader   ed25519.PublicKey
}

func newTestEnv(t *testing.T) *testEnv {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	bs, err := Open(context.TODO(), Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() {
		bs.Close()
		os.RemoveAll(path)
	})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testEnv{
		bs:       bs,
		shredder: shred.NewShredder(priv, 1),
		leader:   pub,
	}
}

func (e *testEnv) leaders() leadersched.Provider {
	leader := e.leader
	return leadersched.ProviderFunc(func(slot uint64) (ed25519.PublicKey, bool) {
		return leader, true
	})
}

func (e *testEnv) makeSet(t *testing.T, opts shred.SetOptions, entriesLen int) (data, code []*shred.Shred) {
	entries := make([]byte, entriesLen)
	_, err := rand.Read(entries)
	require.NoError(t, err)
	data, code, err = e.shredder.MakeErasureSet(opts, entries)
	require.NoError(t, err)
	return data, code
}

// makeSlot builds one full merkle erasure set for a slot.
func (e *testEnv) makeSlot(t *testing.T, slot, parent uint64, numData uint16, last bool) (data, code []*shred.Shred) {
	return e.makeSet(t, shred.SetOptions{
		Slot:       slot,
		ParentSlot: parent,
		Config:     proto.ErasureConfig{NumData: numData, NumCode: numData},
		Merkle:     true,
		LastInSlot: last,
	}, 512)
}

func (e *testEnv) insert(t *testing.T, shreds ...*shred.Shred) *InsertResults {
	res, err := e.bs.InsertShreds(context.TODO(), shreds, nil, nil)
	require.NoError(t, err)
	return res
}

// Single data shred round-trip: payload, index and slot meta state.
func TestInsertSingleDataShred(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data, _ := e.makeSlot(t, 1, 0, 2, false)
	s := data[0]

	res := e.insert(t, s)
	require.Empty(t, res.DuplicateShreds)
	require.Empty(t, res.CompletedDataSets)

	payload, err := e.bs.DataShredBytes(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, s.Payload(), payload)

	index, err := e.bs.Index(ctx, 1)
	require.NoError(t, err)
	require.True(t, index.Data.Contains(0))
	require.Equal(t, 1, index.Data.Len())
	require.Equal(t, 0, index.Code.Len())

	meta, err := e.bs.SlotMeta(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, meta.ParentSlot)
	require.EqualValues(t, 0, *meta.ParentSlot)
	require.EqualValues(t, 1, meta.Received)
	require.EqualValues(t, 1, meta.ConsecutiveReceived)
	require.Nil(t, meta.LastIndex)
	require.False(t, meta.IsOrphan())
	require.NotZero(t, meta.FirstShredTimestampMilli)
}

// Inserting the same shred twice stores one payload and reports one
// exists duplicate; received does not move.
func TestInsertIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data, _ := e.makeSlot(t, 1, 0, 2, false)

	res := e.insert(t, data[0])
	require.Empty(t, res.DuplicateShreds)
	before, err := e.bs.SlotMeta(ctx, 1)
	require.NoError(t, err)

	res = e.insert(t, data[0])
	require.Len(t, res.DuplicateShreds, 1)
	require.Equal(t, DuplicateExists, res.DuplicateShreds[0].Kind)
	require.Nil(t, res.DuplicateShreds[0].Conflict)

	after, err := e.bs.SlotMeta(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, before.Received, after.Received)
	require.Equal(t, before.ConsecutiveReceived, after.ConsecutiveReceived)
}

// Duplicate detection also fires within a single call.
func TestInsertDuplicateWithinCall(t *testing.T) {
	e := newTestEnv(t)

	data, _ := e.makeSlot(t, 1, 0, 2, false)
	res := e.insert(t, data[0], data[0])
	require.Len(t, res.DuplicateShreds, 1)
	require.Equal(t, DuplicateExists, res.DuplicateShreds[0].Kind)
}

// Disjoint shred sets commute: A then B equals B then A.
func TestInsertCommutes(t *testing.T) {
	a := newTestEnv(t)
	ctx := context.TODO()

	dataX, codeX := a.makeSlot(t, 11, 10, 4, true)
	dataY, codeY := a.makeSlot(t, 12, 11, 4, true)
	setA := append(append([]*shred.Shred{}, dataX...), codeX...)
	setB := append(append([]*shred.Shred{}, dataY...), codeY...)

	b := newTestEnv(t)
	b.shredder = a.shredder

	a.insert(t, setA...)
	a.insert(t, setB...)
	b.insert(t, setB...)
	b.insert(t, setA...)

	for _, slot := range []uint64{11, 12} {
		metaA, err := a.bs.SlotMeta(ctx, slot)
		require.NoError(t, err)
		metaB, err := b.bs.SlotMeta(ctx, slot)
		require.NoError(t, err)
		metaA.FirstShredTimestampMilli = 0
		metaB.FirstShredTimestampMilli = 0
		require.Equal(t, metaA, metaB)

		indexA, err := a.bs.Index(ctx, slot)
		require.NoError(t, err)
		indexB, err := b.bs.Index(ctx, slot)
		require.NoError(t, err)
		require.Equal(t, indexA, indexB)
	}
}

// Index coherence: every stored shred key is tracked by the slot index.
func TestIndexCoherence(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data, code := e.makeSlot(t, 3, 2, 8, true)
	e.insert(t, append(data, code...)...)

	index, err := e.bs.Index(ctx, 3)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := e.bs.DataShredBytes(ctx, 3, uint64(i))
		require.NoError(t, err)
		require.True(t, index.Data.Contains(uint64(i)))
		_, err = e.bs.CodeShredBytes(ctx, 3, uint64(i))
		require.NoError(t, err)
		require.True(t, index.Code.Contains(uint64(i)))
	}
}

// A full erasure set of code shreds alone recovers every data shred.
func TestRecovery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data, code := e.makeSet(t, shred.SetOptions{
		Slot:       9,
		ParentSlot: 8,
		Config:     proto.ErasureConfig{NumData: 34, NumCode: 34},
		Merkle:     true,
		LastInSlot: true,
	}, 30000)

	var retransmitted [][]byte
	res, err := e.bs.InsertShreds(ctx, code, nil, &InsertOptions{
		Leaders: e.leaders(),
		Retransmit: func(payloads [][]byte) {
			retransmitted = payloads
		},
	})
	require.NoError(t, err)

	for i, d := range data {
		payload, err := e.bs.DataShredBytes(ctx, 9, uint64(i))
		require.NoError(t, err)
		require.Equal(t, d.Payload(), payload)
	}
	require.EqualValues(t, 34, metrics.CounterValue(e.bs.metrics.NumRecovered))
	require.Len(t, retransmitted, 34)

	meta, err := e.bs.SlotMeta(ctx, 9)
	require.NoError(t, err)
	require.True(t, meta.IsFull())
	require.Len(t, res.CompletedDataSets, 1)
	require.Equal(t, proto.CompletedDataSetInfo{Slot: 9, StartIndex: 0, EndIndex: 33}, res.CompletedDataSets[0])
}

// Recovery is skipped without a leader provider.
func TestRecoveryNeedsLeaders(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	_, code := e.makeSlot(t, 9, 8, 4, false)
	e.insert(t, code...)

	_, err := e.bs.DataShredBytes(ctx, 9, 0)
	require.Equal(t, kvstore.ErrNotFound, err)
}

// Recovered shreds failing leader verification are dropped.
func TestRecoveryBadLeader(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, code := e.makeSlot(t, 9, 8, 4, false)
	_, err = e.bs.InsertShreds(ctx, code, nil, &InsertOptions{
		Leaders: leadersched.ProviderFunc(func(slot uint64) (ed25519.PublicKey, bool) {
			return otherPub, true
		}),
	})
	require.NoError(t, err)

	_, err = e.bs.DataShredBytes(ctx, 9, 0)
	require.Equal(t, kvstore.ErrNotFound, err)
	require.EqualValues(t, 4, metrics.CounterValue(e.bs.metrics.NumRecoveredFailedSig))
}

// A conflicting merkle root on the same erasure set is rejected and
// reported with the stored conflicting payload.
func TestMerkleRootConflict(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	_, codeA := e.makeSlot(t, 2, 1, 4, false)
	_, codeB := e.makeSlot(t, 2, 1, 4, false)
	c1, c2 := codeA[0], codeB[0]

	res := e.insert(t, c1)
	require.Empty(t, res.DuplicateShreds)

	res = e.insert(t, c2)
	require.Len(t, res.DuplicateShreds, 1)
	dup := res.DuplicateShreds[0]
	require.Equal(t, DuplicateMerkleRootConflict, dup.Kind)
	require.Equal(t, c2, dup.Shred)
	require.Equal(t, c1.Payload(), dup.Conflict)

	// the recorded commitment still matches the first shred
	mrm, err := e.bs.MerkleRootMeta(ctx, 2, 0)
	require.NoError(t, err)
	wantRoot, ok := c1.MerkleRoot()
	require.True(t, ok)
	require.NotNil(t, mrm.MerkleRoot)
	require.Equal(t, wantRoot, *mrm.MerkleRoot)

	// and the rejected shred did not replace the stored one
	payload, err := e.bs.CodeShredBytes(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, c1.Payload(), payload)

	proof, err := e.bs.DuplicateSlotProof(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, c1.Payload(), proof.Shred1)
	require.Equal(t, c2.Payload(), proof.Shred2)
}

// A code shred disagreeing with the set's erasure config is rejected
// with an erasure conflict and an equivocation proof.
func TestErasureConfigConflict(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	_, codeA := e.makeSet(t, shred.SetOptions{
		Slot: 2, ParentSlot: 1,
		Config: proto.ErasureConfig{NumData: 4, NumCode: 4},
	}, 256)
	_, codeB := e.makeSet(t, shred.SetOptions{
		Slot: 2, ParentSlot: 1,
		Config: proto.ErasureConfig{NumData: 4, NumCode: 8},
	}, 256)

	e.insert(t, codeA[0])
	res := e.insert(t, codeB[1])
	require.Len(t, res.DuplicateShreds, 1)
	dup := res.DuplicateShreds[0]
	require.Equal(t, DuplicateErasureConflict, dup.Kind)
	require.Equal(t, codeA[0].Payload(), dup.Conflict)

	_, err := e.bs.DuplicateSlotProof(ctx, 2)
	require.NoError(t, err)

	// stored config is unchanged
	em, err := e.bs.ErasureMeta(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, proto.ErasureConfig{NumData: 4, NumCode: 4}, em.Config)
}

// A data shred beyond the recorded last index is equivocation.
func TestLastIndexConflict(t *testing.T) {
	e := newTestEnv(t)

	data, _ := e.makeSlot(t, 4, 3, 2, true)
	e.insert(t, data...)

	other, _ := e.makeSet(t, shred.SetOptions{
		Slot: 4, ParentSlot: 3, FECSetIndex: 2, FirstCodeIndex: 2,
		Config: proto.ErasureConfig{NumData: 2, NumCode: 2},
		Merkle: true,
	}, 256)

	res := e.insert(t, other[0])
	require.Len(t, res.DuplicateShreds, 1)
	dup := res.DuplicateShreds[0]
	require.Equal(t, DuplicateLastIndexConflict, dup.Kind)
	require.Equal(t, data[1].Payload(), dup.Conflict)

	ok, err := e.bs.IsDead(context.TODO(), 4)
	require.NoError(t, err)
	require.False(t, ok)
}

// A last-in-slot flag below already received indices marks the slot
// dead: a shorter alternative version exists.
func TestDeadSlotDetection(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data, _ := e.makeSet(t, shred.SetOptions{
		Slot: 5, ParentSlot: 4,
		Config: proto.ErasureConfig{NumData: 8, NumCode: 8},
	}, 2048)
	e.insert(t, data[0], data[1], data[2])

	short, _ := e.makeSet(t, shred.SetOptions{
		Slot: 5, ParentSlot: 4,
		Config:     proto.ErasureConfig{NumData: 2, NumCode: 2},
		LastInSlot: true,
	}, 64)

	res := e.insert(t, short[1])
	require.NotEmpty(t, res.DuplicateShreds)

	dead, err := e.bs.IsDead(ctx, 5)
	require.NoError(t, err)
	require.True(t, dead)

	meta, err := e.bs.SlotMeta(ctx, 5)
	require.NoError(t, err)
	require.False(t, meta.IsFull())
	require.EqualValues(t, 3, meta.Received)
}

// Bulk ingest: contiguous data shreds over two chained sets round-trip
// byte-identically.
func TestBulkIngest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data1, code1 := e.makeSet(t, shred.SetOptions{
		Slot: 20, ParentSlot: 19,
		Config: proto.ErasureConfig{NumData: 50, NumCode: 50},
		Merkle: true,
	}, 40000)
	root1, ok := data1[0].MerkleRoot()
	require.True(t, ok)
	data2, code2 := e.makeSet(t, shred.SetOptions{
		Slot: 20, ParentSlot: 19, FECSetIndex: 50, FirstCodeIndex: 50,
		Config:      proto.ErasureConfig{NumData: 50, NumCode: 50},
		ChainedRoot: &root1,
		LastInSlot:  true,
	}, 40000)

	all := append(append([]*shred.Shred{}, data1...), data2...)
	all = append(all, code1...)
	all = append(all, code2...)
	res := e.insert(t, all...)
	require.Empty(t, res.DuplicateShreds)

	want := append(append([]*shred.Shred{}, data1...), data2...)
	for i, d := range want {
		payload, err := e.bs.DataShredBytes(ctx, 20, uint64(i))
		require.NoError(t, err)
		require.Equal(t, d.Payload(), payload)
	}

	meta, err := e.bs.SlotMeta(ctx, 20)
	require.NoError(t, err)
	require.True(t, meta.IsFull())
	require.EqualValues(t, 100, meta.Received)
	require.EqualValues(t, 200, metrics.CounterValue(e.bs.metrics.NumInserted))
	require.EqualValues(t, 200, metrics.CounterValue(e.bs.metrics.NumShreds))
}

// Code shreds at or below the max root are rejected outright.
func TestCodeShredBelowRoot(t *testing.T) {
	e := newTestEnv(t)

	e.bs.SetMaxRoot(10)
	_, code := e.makeSlot(t, 9, 8, 4, false)
	res := e.insert(t, code[0])
	require.Empty(t, res.DuplicateShreds)
	require.EqualValues(t, 1, metrics.CounterValue(e.bs.metrics.NumCodeShredsInvalid))

	_, err := e.bs.CodeShredBytes(context.TODO(), 9, 0)
	require.Equal(t, kvstore.ErrNotFound, err)
}

// Data shreds whose parent contradicts the root bound are invalid.
func TestDataShredSlotBounds(t *testing.T) {
	e := newTestEnv(t)

	e.bs.SetMaxRoot(10)
	// parent 8 < root 10
	data, _ := e.makeSlot(t, 12, 8, 2, false)
	e.insert(t, data[0])
	require.EqualValues(t, 1, metrics.CounterValue(e.bs.metrics.NumDataShredsInvalid))

	_, err := e.bs.DataShredBytes(context.TODO(), 12, 0)
	require.Equal(t, kvstore.ErrNotFound, err)
}

// Genesis: slot 0 with parent 0 sanitises and is accepted.
func TestGenesisShred(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.TODO()

	data, _ := e.makeSlot(t, 0, 0, 2, false)
	require.NoError(t, data[0].Sanitize())
	res := e.insert(t, data[0])
	require.Empty(t, res.DuplicateShreds)

	meta, err := e.bs.SlotMeta(ctx, 0)
	require.NoError(t, err)
	require.False(t, meta.IsOrphan())
}

// Repaired shreds are counted separately.
func TestRepairedMetric(t *testing.T) {
	e := newTestEnv(t)

	data, _ := e.makeSlot(t, 1, 0, 4, false)
	_, err := e.bs.InsertShreds(context.TODO(), data[:2], []bool{false, true}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, metrics.CounterValue(e.bs.metrics.NumRepair))
	require.EqualValues(t, 2, metrics.CounterValue(e.bs.metrics.NumInserted))

	_, err = e.bs.InsertShreds(context.TODO(), data[2:], []bool{true}, nil)
	require.Equal(t, apierrors.ErrRepairInfoMismatch, err)
}
