package blockstore

import (
	"sort"

	"github.com/blockdeck/shreddb/common/codec"
	"github.com/blockdeck/shreddb/proto"
	"github.com/blockdeck/shreddb/shred"
)

// ShredIndexSet is a sorted set of shred indices. It backs the per-slot
// index records and stays ordered so the consecutive-prefix scan and
// range checks are cheap.
type ShredIndexSet struct {
	idx []uint64
}

func (s *ShredIndexSet) search(v uint64) int {
	return sort.Search(len(s.idx), func(i int) bool { return s.idx[i] >= v })
}

func (s *ShredIndexSet) Contains(v uint64) bool {
	i := s.search(v)
	return i < len(s.idx) && s.idx[i] == v
}

// Insert adds v and reports whether it was absent.
func (s *ShredIndexSet) Insert(v uint64) bool {
	i := s.search(v)
	if i < len(s.idx) && s.idx[i] == v {
		return false
	}
	s.idx = append(s.idx, 0)
	copy(s.idx[i+1:], s.idx[i:])
	s.idx[i] = v
	return true
}

func (s *ShredIndexSet) Len() int { return len(s.idx) }

// CountInRange reports how many indices fall in [begin, end).
func (s *ShredIndexSet) CountInRange(begin, end uint64) int {
	if end <= begin {
		return 0
	}
	return s.search(end) - s.search(begin)
}

// IsRangePresent reports whether every index of [begin, end) is set.
func (s *ShredIndexSet) IsRangePresent(begin, end uint64) bool {
	if end <= begin {
		return true
	}
	return s.CountInRange(begin, end) == int(end-begin)
}

// NextAbsent returns the smallest value >= from that is not in the set.
func (s *ShredIndexSet) NextAbsent(from uint64) uint64 {
	i := s.search(from)
	for ; i < len(s.idx) && s.idx[i] == from; i++ {
		from++
	}
	return from
}

func (s *ShredIndexSet) marshal(e *codec.Encoder) {
	e.PutUint64Seq(s.idx)
}

func (s *ShredIndexSet) unmarshal(d *codec.Decoder) {
	s.idx = d.Uint64Seq()
}

// Index records which shred indices of one slot are stored.
type Index struct {
	Slot uint64
	Data ShredIndexSet
	Code ShredIndexSet
}

func NewIndex(slot uint64) *Index {
	return &Index{Slot: slot}
}

func (x *Index) Marshal() ([]byte, error) {
	e := codec.NewEncoder(16 + 8*(x.Data.Len()+x.Code.Len()))
	e.PutUint64(x.Slot)
	x.Data.marshal(e)
	x.Code.marshal(e)
	return e.Bytes(), nil
}

func (x *Index) Unmarshal(data []byte) error {
	d := codec.NewDecoder(data)
	x.Slot = d.Uint64()
	x.Data.unmarshal(d)
	x.Code.unmarshal(d)
	return d.Err()
}

// SlotMeta is the per-slot bookkeeping record.
type SlotMeta struct {
	Slot uint64
	// Received is one past the highest data index ever observed.
	Received uint64
	// ConsecutiveReceived is the length of the received prefix
	// starting from index zero.
	ConsecutiveReceived      uint64
	FirstShredTimestampMilli uint64
	// LastIndex is set once a last-in-slot data shred arrives.
	LastIndex  *uint64
	ParentSlot *uint64
	NextSlots  []uint64
	// CompletedDataIndexes holds the indices at which a data set
	// boundary closes, in ascending order.
	CompletedDataIndexes []uint32
	IsConnected          bool
	IsParentConnected    bool
}

// NewSlotMeta creates the record for a slot first observed now. A nil
// parent makes the slot an orphan placeholder.
func NewSlotMeta(slot uint64, parent *uint64) *SlotMeta {
	m := &SlotMeta{Slot: slot, ParentSlot: parent}
	if slot == 0 {
		// genesis anchors the connected chain
		m.IsParentConnected = true
	}
	return m
}

// IsFull reports whether every data shred of the slot is stored.
func (m *SlotMeta) IsFull() bool {
	return m.LastIndex != nil && m.ConsecutiveReceived == *m.LastIndex+1
}

func (m *SlotMeta) IsOrphan() bool {
	return m.ParentSlot == nil
}

// AddNextSlot appends a child with set semantics.
func (m *SlotMeta) AddNextSlot(slot uint64) bool {
	for _, s := range m.NextSlots {
		if s == slot {
			return false
		}
	}
	m.NextSlots = append(m.NextSlots, slot)
	return true
}

func (m *SlotMeta) Marshal() ([]byte, error) {
	e := codec.NewEncoder(64 + 8*len(m.NextSlots) + 4*len(m.CompletedDataIndexes))
	e.PutUint64(m.Slot)
	e.PutUint64(m.Received)
	e.PutUint64(m.ConsecutiveReceived)
	e.PutUint64(m.FirstShredTimestampMilli)
	e.PutOptionUint64(m.LastIndex)
	e.PutOptionUint64(m.ParentSlot)
	e.PutUint64Seq(m.NextSlots)
	e.PutUint32Seq(m.CompletedDataIndexes)
	e.PutBool(m.IsConnected)
	e.PutBool(m.IsParentConnected)
	return e.Bytes(), nil
}

func (m *SlotMeta) Unmarshal(data []byte) error {
	d := codec.NewDecoder(data)
	m.Slot = d.Uint64()
	m.Received = d.Uint64()
	m.ConsecutiveReceived = d.Uint64()
	m.FirstShredTimestampMilli = d.Uint64()
	m.LastIndex = d.OptionUint64()
	m.ParentSlot = d.OptionUint64()
	m.NextSlots = d.Uint64Seq()
	m.CompletedDataIndexes = d.Uint32Seq()
	m.IsConnected = d.Bool()
	m.IsParentConnected = d.Bool()
	return d.Err()
}

// Clone deep-copies the record; the working set keeps the loaded state
// aside to detect transitions during chaining.
func (m *SlotMeta) Clone() *SlotMeta {
	c := *m
	if m.LastIndex != nil {
		v := *m.LastIndex
		c.LastIndex = &v
	}
	if m.ParentSlot != nil {
		v := *m.ParentSlot
		c.ParentSlot = &v
	}
	c.NextSlots = append([]uint64(nil), m.NextSlots...)
	c.CompletedDataIndexes = append([]uint32(nil), m.CompletedDataIndexes...)
	return &c
}

// ErasureStatus classifies an erasure set against the stored indices.
type ErasureStatus int

const (
	ErasureStillNeed ErasureStatus = iota
	ErasureCanRecover
	ErasureDataFull
)

// ErasureMeta pins the Reed-Solomon geometry of one erasure set. The
// first code shred of the set fixes the config; it is never mutated
// afterwards.
type ErasureMeta struct {
	SetIndex       uint32
	FirstCodeIndex uint32
	Config         proto.ErasureConfig
}

// ErasureMetaFromCodeShred derives the set's metadata from its first
// observed code shred.
func ErasureMetaFromCodeShred(s *shred.Shred) (*ErasureMeta, error) {
	cfg, err := s.ErasureConfig()
	if err != nil {
		return nil, err
	}
	first, err := s.FirstCodeIndex()
	if err != nil {
		return nil, err
	}
	return &ErasureMeta{
		SetIndex:       s.FECSetIndex(),
		FirstCodeIndex: first,
		Config:         cfg,
	}, nil
}

// DataShredsIndices is the half-open data index range the set covers.
func (e *ErasureMeta) DataShredsIndices() (begin, end uint64) {
	return uint64(e.SetIndex), uint64(e.SetIndex) + uint64(e.Config.NumData)
}

// CodeShredsIndices is the half-open code index range the set covers.
func (e *ErasureMeta) CodeShredsIndices() (begin, end uint64) {
	return uint64(e.FirstCodeIndex), uint64(e.FirstCodeIndex) + uint64(e.Config.NumCode)
}

// NextFECSetIndex is where the following set of the slot starts.
func (e *ErasureMeta) NextFECSetIndex() uint32 {
	return e.SetIndex + uint32(e.Config.NumData)
}

// CheckCodeShred reports whether a code shred is consistent with the
// set's recorded geometry.
func (e *ErasureMeta) CheckCodeShred(s *shred.Shred) bool {
	cfg, err := s.ErasureConfig()
	if err != nil {
		return false
	}
	if cfg != e.Config {
		return false
	}
	first, err := s.FirstCodeIndex()
	if err != nil {
		return false
	}
	return first == e.FirstCodeIndex
}

// Status classifies the set: full, recoverable, or still short.
func (e *ErasureMeta) Status(index *Index) ErasureStatus {
	dataBegin, dataEnd := e.DataShredsIndices()
	numData := index.Data.CountInRange(dataBegin, dataEnd)
	if numData == int(e.Config.NumData) {
		return ErasureDataFull
	}
	codeBegin, codeEnd := e.CodeShredsIndices()
	numCode := index.Code.CountInRange(codeBegin, codeEnd)
	if numData+numCode >= int(e.Config.NumData) {
		return ErasureCanRecover
	}
	return ErasureStillNeed
}

func (e *ErasureMeta) Marshal() ([]byte, error) {
	enc := codec.NewEncoder(12)
	enc.PutUint32(e.SetIndex)
	enc.PutUint32(e.FirstCodeIndex)
	enc.PutUint16(e.Config.NumData)
	enc.PutUint16(e.Config.NumCode)
	return enc.Bytes(), nil
}

func (e *ErasureMeta) Unmarshal(data []byte) error {
	d := codec.NewDecoder(data)
	e.SetIndex = d.Uint32()
	e.FirstCodeIndex = d.Uint32()
	e.Config.NumData = d.Uint16()
	e.Config.NumCode = d.Uint16()
	return d.Err()
}

// MerkleRootMeta records the commitment carried by the first shred of
// an erasure set; every later shred of the set must agree with it.
type MerkleRootMeta struct {
	// MerkleRoot is nil for legacy shreds.
	MerkleRoot              *[32]byte
	FirstReceivedShredIndex uint32
	FirstReceivedShredType  proto.ShredType
}

func MerkleRootMetaFromShred(s *shred.Shred) *MerkleRootMeta {
	m := &MerkleRootMeta{
		FirstReceivedShredIndex: s.Index(),
		FirstReceivedShredType:  s.Type(),
	}
	if root, ok := s.MerkleRoot(); ok {
		m.MerkleRoot = &root
	}
	return m
}

func (m *MerkleRootMeta) Marshal() ([]byte, error) {
	e := codec.NewEncoder(40)
	e.PutOptionHash(m.MerkleRoot)
	e.PutUint32(m.FirstReceivedShredIndex)
	e.PutUint8(uint8(m.FirstReceivedShredType))
	return e.Bytes(), nil
}

func (m *MerkleRootMeta) Unmarshal(data []byte) error {
	d := codec.NewDecoder(data)
	m.MerkleRoot = d.OptionHash()
	m.FirstReceivedShredIndex = d.Uint32()
	m.FirstReceivedShredType = proto.ShredType(d.Uint8())
	return d.Err()
}

// DuplicateSlotProof holds two conflicting payloads from the same
// leader, evidence of equivocation.
type DuplicateSlotProof struct {
	Shred1 []byte
	Shred2 []byte
}

func (p *DuplicateSlotProof) Marshal() ([]byte, error) {
	e := codec.NewEncoder(len(p.Shred1) + len(p.Shred2) + 8)
	e.PutBytes(p.Shred1)
	e.PutBytes(p.Shred2)
	return e.Bytes(), nil
}

func (p *DuplicateSlotProof) Unmarshal(data []byte) error {
	d := codec.NewDecoder(data)
	p.Shred1 = d.Bytes()
	p.Shred2 = d.Bytes()
	return d.Err()
}

// updateCompletedDataIndexes records a data-set boundary at index when
// dataComplete is set and returns the ranges newly closed by this
// shred, each as an inclusive [start, end] pair.
//
// A range closes when every index between two adjacent boundaries is
// present in the received set.
func updateCompletedDataIndexes(meta *SlotMeta, index uint32, dataComplete bool, received *ShredIndexSet) []proto.CompletedDataSetInfo {
	c := meta.CompletedDataIndexes
	pos := sort.Search(len(c), func(i int) bool { return c[i] >= index })

	// boundaries of candidate ranges around the new shred
	var begin uint32
	if pos > 0 {
		begin = c[pos-1] + 1
	}
	bounds := make([][2]uint32, 0, 3)
	if dataComplete {
		bounds = append(bounds, [2]uint32{begin, index})
		if pos < len(c) && c[pos] != index {
			bounds = append(bounds, [2]uint32{index + 1, c[pos]})
		}
		if !(pos < len(c) && c[pos] == index) {
			meta.CompletedDataIndexes = append(meta.CompletedDataIndexes, 0)
			copy(meta.CompletedDataIndexes[pos+1:], meta.CompletedDataIndexes[pos:])
			meta.CompletedDataIndexes[pos] = index
		}
	} else if pos < len(c) {
		bounds = append(bounds, [2]uint32{begin, c[pos]})
	}

	var completed []proto.CompletedDataSetInfo
	for _, b := range bounds {
		if received.IsRangePresent(uint64(b[0]), uint64(b[1])+1) {
			completed = append(completed, proto.CompletedDataSetInfo{
				Slot:       meta.Slot,
				StartIndex: b[0],
				EndIndex:   b[1],
			})
		}
	}
	return completed
}
