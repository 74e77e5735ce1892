package shred

import (
	"crypto/sha256"
	"encoding/binary"

	apierrors "github.com/blockdeck/shreddb/errors"
	"github.com/blockdeck/shreddb/proto"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/ed25519"
)

// Shredder turns entry bytes into a signed erasure set: the data
// shreds carrying the entries and the Reed-Solomon code shreds
// protecting them. The parity shard of each code shred covers the
// full payload of one data shred, so recovery reproduces complete,
// signature-verifiable data shreds.
type Shredder struct {
	signer  ed25519.PrivateKey
	version uint16
}

func NewShredder(signer ed25519.PrivateKey, version uint16) *Shredder {
	return &Shredder{signer: signer, version: version}
}

// SetOptions describes one erasure set to build.
type SetOptions struct {
	Slot       uint64
	ParentSlot uint64
	// FECSetIndex is also the index of the first data shred.
	FECSetIndex uint32
	// FirstCodeIndex positions the code shreds in the slot's code
	// index space.
	FirstCodeIndex uint32
	Config         proto.ErasureConfig
	ReferenceTick  uint8
	Merkle         bool
	// ChainedRoot commits to the previous set; implies Merkle.
	ChainedRoot *[32]byte
	LastInSlot   bool
}

func (o *SetOptions) tailLen() int {
	if o.ChainedRoot != nil {
		return 2 * MerkleRootSize
	}
	if o.Merkle {
		return MerkleRootSize
	}
	return 0
}

func (o *SetOptions) dataVariant() byte {
	if o.ChainedRoot != nil {
		return variantMerkleDataChained << 4
	}
	if o.Merkle {
		return variantMerkleData << 4
	}
	return variantLegacyData
}

func (o *SetOptions) codeVariant() byte {
	if o.ChainedRoot != nil {
		return variantMerkleCodeChained << 4
	}
	if o.Merkle {
		return variantMerkleCode << 4
	}
	return variantLegacyCode
}

// MakeErasureSet builds and signs the data and code shreds of one set.
// The entries are split across the configured number of data shreds;
// short entries leave trailing shreds with empty data sections.
func (sh *Shredder) MakeErasureSet(opts SetOptions, entries []byte) (data []*Shred, code []*Shred, err error) {
	numData, numCode := int(opts.Config.NumData), int(opts.Config.NumCode)
	if numData == 0 || numCode == 0 || numData+numCode > 256 {
		return nil, nil, apierrors.ErrInvalidErasureConfig
	}
	tailLen := opts.tailLen()
	capacity := DataShredSize - sizeOfDataHeader - tailLen
	if len(entries) > capacity*numData {
		return nil, nil, apierrors.ErrInvalidShredPayload
	}

	shards := make([][]byte, numData+numCode)
	for i := 0; i < numData; i++ {
		chunk := entries
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		entries = entries[len(chunk):]

		p := make([]byte, DataShredSize)
		p[offVariant] = opts.dataVariant()
		binary.LittleEndian.PutUint64(p[offSlot:], opts.Slot)
		binary.LittleEndian.PutUint32(p[offIndex:], opts.FECSetIndex+uint32(i))
		binary.LittleEndian.PutUint16(p[offVersion:], sh.version)
		binary.LittleEndian.PutUint32(p[offFECSetIndex:], opts.FECSetIndex)
		binary.LittleEndian.PutUint16(p[offParentOffset:], uint16(opts.Slot-opts.ParentSlot))

		flags := opts.ReferenceTick & referenceTickMask
		if i == numData-1 {
			flags |= flagDataComplete
			if opts.LastInSlot {
				flags |= flagLastInSlot
			}
		}
		p[offFlags] = flags
		binary.LittleEndian.PutUint16(p[offSize:], uint16(sizeOfDataHeader+len(chunk)))
		copy(p[sizeOfDataHeader:], chunk)
		shards[i] = p
	}

	var root [32]byte
	if opts.Merkle || opts.ChainedRoot != nil {
		root = setMerkleRoot(shards[:numData], tailLen)
		for i := 0; i < numData; i++ {
			writeTail(shards[i], root, opts.ChainedRoot)
		}
	}
	for i := 0; i < numData; i++ {
		sh.sign(shards[i], opts, root)
	}

	for i := 0; i < numCode; i++ {
		shards[numData+i] = make([]byte, DataShredSize)
	}
	enc, err := reedsolomon.New(numData, numCode)
	if err != nil {
		return nil, nil, err
	}
	if err = enc.Encode(shards); err != nil {
		return nil, nil, err
	}

	data = make([]*Shred, 0, numData)
	for i := 0; i < numData; i++ {
		s, err := FromPayload(shards[i])
		if err != nil {
			return nil, nil, err
		}
		data = append(data, s)
	}

	code = make([]*Shred, 0, numCode)
	for i := 0; i < numCode; i++ {
		p := make([]byte, sizeOfCodeHeader+DataShredSize+tailLen)
		p[offVariant] = opts.codeVariant()
		binary.LittleEndian.PutUint64(p[offSlot:], opts.Slot)
		binary.LittleEndian.PutUint32(p[offIndex:], opts.FirstCodeIndex+uint32(i))
		binary.LittleEndian.PutUint16(p[offVersion:], sh.version)
		binary.LittleEndian.PutUint32(p[offFECSetIndex:], opts.FECSetIndex)
		binary.LittleEndian.PutUint16(p[offNumData:], opts.Config.NumData)
		binary.LittleEndian.PutUint16(p[offNumCode:], opts.Config.NumCode)
		binary.LittleEndian.PutUint16(p[offPosition:], uint16(i))
		copy(p[sizeOfCodeHeader:], shards[numData+i])
		if opts.Merkle || opts.ChainedRoot != nil {
			writeTail(p, root, opts.ChainedRoot)
		}
		sh.sign(p, opts, root)

		s, err := FromPayload(p)
		if err != nil {
			return nil, nil, err
		}
		code = append(code, s)
	}
	return data, code, nil
}

// setMerkleRoot commits to the content regions of the data shreds:
// everything after the signature and before the tail. Parity and tail
// bytes are excluded so the root is known before either is written.
func setMerkleRoot(dataShards [][]byte, tailLen int) [32]byte {
	h := sha256.New()
	for _, p := range dataShards {
		leaf := sha256.Sum256(p[SignatureSize : len(p)-tailLen])
		h.Write(leaf[:])
	}
	var root [32]byte
	copy(root[:], h.Sum(nil))
	return root
}

func writeTail(p []byte, root [32]byte, chained *[32]byte) {
	if chained != nil {
		copy(p[len(p)-2*MerkleRootSize:], root[:])
		copy(p[len(p)-MerkleRootSize:], chained[:])
		return
	}
	copy(p[len(p)-MerkleRootSize:], root[:])
}

func (sh *Shredder) sign(p []byte, opts SetOptions, root [32]byte) {
	var msg []byte
	if opts.Merkle || opts.ChainedRoot != nil {
		msg = root[:]
	} else {
		msg = p[SignatureSize:]
	}
	copy(p[:SignatureSize], ed25519.Sign(sh.signer, msg))
}
