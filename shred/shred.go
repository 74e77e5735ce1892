// Package shred implements the wire schema of block fragments: typed
// data and code shreds, their headers and merkle commitment tails, and
// leader signature verification.
package shred

import (
	"encoding/binary"

	apierrors "github.com/blockdeck/shreddb/errors"
	"github.com/blockdeck/shreddb/proto"
	"golang.org/x/crypto/ed25519"
)

const (
	// SignatureSize is the leader signature prefix of every shred.
	SignatureSize = 64

	sizeOfCommonHeader = SignatureSize + 1 + 8 + 4 + 2 + 4
	sizeOfDataHeader   = sizeOfCommonHeader + 2 + 1 + 2
	sizeOfCodeHeader   = sizeOfCommonHeader + 2 + 2 + 2

	// CodeHeaderSize is where a code shred's parity shard begins.
	CodeHeaderSize = sizeOfCodeHeader

	// DataShredSize is the full payload size of a data shred. The
	// merkle commitment tail is carved from the end, so the payload
	// is also the Reed-Solomon shard.
	DataShredSize = 1228

	// MerkleRootSize is both the merkle commitment and the chained
	// root length appended to merkle-variant payloads.
	MerkleRootSize = 32

	// MaxShredsPerSlot bounds the data and the code index space of a
	// single slot.
	MaxShredsPerSlot = 32768

	offVariant     = SignatureSize
	offSlot        = offVariant + 1
	offIndex       = offSlot + 8
	offVersion     = offIndex + 4
	offFECSetIndex = offVersion + 2

	offParentOffset = sizeOfCommonHeader
	offFlags        = offParentOffset + 2
	offSize         = offFlags + 1

	offNumData  = sizeOfCommonHeader
	offNumCode  = offNumData + 2
	offPosition = offNumCode + 2

	flagLastInSlot    = 0x80
	flagDataComplete  = 0x40
	referenceTickMask = 0x3F

	variantLegacyData = 0xA5
	variantLegacyCode = 0x5A

	variantMerkleData        = 0x8
	variantMerkleDataChained = 0x9
	variantMerkleCode        = 0x4
	variantMerkleCodeChained = 0x6
)

// Shred is the parsed, owning form of one shred. The payload slice is
// owned by the Shred and never aliases network buffers.
type Shred struct {
	payload []byte

	typ     proto.ShredType
	merkle  bool
	chained bool

	slot        uint64
	index       uint32
	version     uint16
	fecSetIndex uint32
}

// FromPayload parses a shred from its wire payload. The payload bytes
// are copied.
func FromPayload(payload []byte) (*Shred, error) {
	if len(payload) < sizeOfCommonHeader {
		return nil, apierrors.ErrInvalidShredPayload
	}
	typ, merkle, chained, err := parseVariant(payload[offVariant])
	if err != nil {
		return nil, err
	}
	s := &Shred{
		payload:     append([]byte(nil), payload...),
		typ:         typ,
		merkle:      merkle,
		chained:     chained,
		slot:        binary.LittleEndian.Uint64(payload[offSlot:]),
		index:       binary.LittleEndian.Uint32(payload[offIndex:]),
		version:     binary.LittleEndian.Uint16(payload[offVersion:]),
		fecSetIndex: binary.LittleEndian.Uint32(payload[offFECSetIndex:]),
	}
	if len(s.payload) != s.expectedPayloadSize() {
		return nil, apierrors.ErrInvalidShredPayload
	}
	return s, nil
}

func parseVariant(b byte) (typ proto.ShredType, merkle, chained bool, err error) {
	switch b {
	case variantLegacyData:
		return proto.ShredTypeData, false, false, nil
	case variantLegacyCode:
		return proto.ShredTypeCode, false, false, nil
	}
	switch b >> 4 {
	case variantMerkleData:
		return proto.ShredTypeData, true, false, nil
	case variantMerkleDataChained:
		return proto.ShredTypeData, true, true, nil
	case variantMerkleCode:
		return proto.ShredTypeCode, true, false, nil
	case variantMerkleCodeChained:
		return proto.ShredTypeCode, true, true, nil
	}
	return 0, false, false, apierrors.ErrInvalidShredVariant
}

func (s *Shred) tailLen() int {
	if !s.merkle {
		return 0
	}
	if s.chained {
		return 2 * MerkleRootSize
	}
	return MerkleRootSize
}

func (s *Shred) expectedPayloadSize() int {
	if s.typ == proto.ShredTypeData {
		return DataShredSize
	}
	return sizeOfCodeHeader + DataShredSize + s.tailLen()
}

func (s *Shred) Type() proto.ShredType { return s.typ }
func (s *Shred) IsData() bool          { return s.typ == proto.ShredTypeData }
func (s *Shred) IsCode() bool          { return s.typ == proto.ShredTypeCode }
func (s *Shred) Slot() uint64          { return s.slot }
func (s *Shred) Index() uint32         { return s.index }
func (s *Shred) Version() uint16       { return s.version }
func (s *Shred) FECSetIndex() uint32   { return s.fecSetIndex }

// Payload returns the shred's owned wire bytes. Callers must not
// mutate the returned slice.
func (s *Shred) Payload() []byte { return s.payload }

func (s *Shred) ID() proto.ShredID {
	return proto.ShredID{Slot: s.slot, Index: s.index, Type: s.typ}
}

func (s *Shred) ErasureSetID() proto.ErasureSetID {
	return proto.ErasureSetID{Slot: s.slot, FECSetIndex: s.fecSetIndex}
}

func (s *Shred) Signature() []byte { return s.payload[:SignatureSize] }

// ParentSlot derives the parent from the data header offset. Only
// valid for data shreds.
func (s *Shred) ParentSlot() (uint64, error) {
	if !s.IsData() {
		return 0, apierrors.ErrInvalidShred
	}
	off := uint64(binary.LittleEndian.Uint16(s.payload[offParentOffset:]))
	if s.slot == 0 && off == 0 {
		return 0, nil
	}
	if off == 0 || off > s.slot {
		return 0, apierrors.ErrInvalidParentOffset
	}
	return s.slot - off, nil
}

func (s *Shred) flags() byte { return s.payload[offFlags] }

func (s *Shred) LastInSlot() bool {
	return s.IsData() && s.flags()&flagLastInSlot != 0
}

func (s *Shred) DataComplete() bool {
	return s.IsData() && s.flags()&flagDataComplete != 0
}

func (s *Shred) ReferenceTick() uint8 {
	if !s.IsData() {
		return 0
	}
	return s.flags() & referenceTickMask
}

// Data returns the data section of a data shred.
func (s *Shred) Data() ([]byte, error) {
	if !s.IsData() {
		return nil, apierrors.ErrInvalidShred
	}
	size := int(binary.LittleEndian.Uint16(s.payload[offSize:]))
	if size < sizeOfDataHeader || size > DataShredSize-s.tailLen() {
		return nil, apierrors.ErrInvalidShredPayload
	}
	return s.payload[sizeOfDataHeader:size], nil
}

// ErasureConfig reads the code header geometry. Only valid for code
// shreds.
func (s *Shred) ErasureConfig() (proto.ErasureConfig, error) {
	if !s.IsCode() {
		return proto.ErasureConfig{}, apierrors.ErrInvalidShred
	}
	return proto.ErasureConfig{
		NumData: binary.LittleEndian.Uint16(s.payload[offNumData:]),
		NumCode: binary.LittleEndian.Uint16(s.payload[offNumCode:]),
	}, nil
}

func (s *Shred) Position() (uint16, error) {
	if !s.IsCode() {
		return 0, apierrors.ErrInvalidShred
	}
	return binary.LittleEndian.Uint16(s.payload[offPosition:]), nil
}

// FirstCodeIndex is the index of position zero of this shred's
// erasure set within the slot's code index space.
func (s *Shred) FirstCodeIndex() (uint32, error) {
	pos, err := s.Position()
	if err != nil {
		return 0, err
	}
	if uint32(pos) > s.index {
		return 0, apierrors.ErrInvalidShredIndex
	}
	return s.index - uint32(pos), nil
}

// MerkleRoot returns the erasure set commitment carried by merkle
// variants. Legacy shreds carry none.
func (s *Shred) MerkleRoot() ([32]byte, bool) {
	var root [32]byte
	if !s.merkle {
		return root, false
	}
	copy(root[:], s.payload[len(s.payload)-s.tailLen():])
	return root, true
}

// ChainedMerkleRoot returns the previous set's commitment for chained
// variants.
func (s *Shred) ChainedMerkleRoot() ([32]byte, bool) {
	var root [32]byte
	if !s.chained {
		return root, false
	}
	copy(root[:], s.payload[len(s.payload)-MerkleRootSize:])
	return root, true
}

// signedMessage is what the leader signs: the merkle root for merkle
// variants, the post-signature payload for legacy ones.
func (s *Shred) signedMessage() []byte {
	if s.merkle {
		off := len(s.payload) - s.tailLen()
		return s.payload[off : off+MerkleRootSize]
	}
	return s.payload[SignatureSize:]
}

// VerifyWithLeader checks the shred signature against the slot
// leader's public key.
func (s *Shred) VerifyWithLeader(leader ed25519.PublicKey) bool {
	if len(leader) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(leader, s.signedMessage(), s.Signature())
}

// Sanitize validates the header fields beyond what parsing checks.
func (s *Shred) Sanitize() error {
	if s.index >= MaxShredsPerSlot {
		return apierrors.ErrInvalidShredIndex
	}
	switch s.typ {
	case proto.ShredTypeData:
		if s.index < s.fecSetIndex {
			return apierrors.ErrInvalidShredIndex
		}
		if _, err := s.ParentSlot(); err != nil {
			return err
		}
		if _, err := s.Data(); err != nil {
			return err
		}
		if s.flags()&flagLastInSlot != 0 && s.flags()&flagDataComplete == 0 {
			return apierrors.ErrInvalidShredPayload
		}
	case proto.ShredTypeCode:
		cfg, err := s.ErasureConfig()
		if err != nil {
			return err
		}
		if cfg.NumData == 0 || cfg.NumCode == 0 || int(cfg.NumData)+int(cfg.NumCode) > 256 {
			return apierrors.ErrInvalidErasureConfig
		}
		pos, _ := s.Position()
		if pos >= cfg.NumCode {
			return apierrors.ErrInvalidShredIndex
		}
		if _, err := s.FirstCodeIndex(); err != nil {
			return err
		}
	}
	return nil
}
