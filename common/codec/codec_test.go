// Copyright 2024 The ShredDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	last := uint64(31)
	hash := [32]byte{9, 8, 7}

	e := NewEncoder(64)
	e.PutUint64(12345)
	e.PutUint32(678)
	e.PutUint16(90)
	e.PutUint8(7)
	e.PutBool(true)
	e.PutOptionUint64(&last)
	e.PutOptionUint64(nil)
	e.PutOptionHash(&hash)
	e.PutOptionHash(nil)
	e.PutUint64Seq([]uint64{1, 2, 3})
	e.PutUint32Seq(nil)
	e.PutBytes([]byte("payload"))

	d := NewDecoder(e.Bytes())
	require.EqualValues(t, 12345, d.Uint64())
	require.EqualValues(t, 678, d.Uint32())
	require.EqualValues(t, 90, d.Uint16())
	require.EqualValues(t, 7, d.Uint8())
	require.True(t, d.Bool())
	got := d.OptionUint64()
	require.NotNil(t, got)
	require.EqualValues(t, 31, *got)
	require.Nil(t, d.OptionUint64())
	gotHash := d.OptionHash()
	require.NotNil(t, gotHash)
	require.Equal(t, hash, *gotHash)
	require.Nil(t, d.OptionHash())
	require.Equal(t, []uint64{1, 2, 3}, d.Uint64Seq())
	require.Empty(t, d.Uint32Seq())
	require.Equal(t, []byte("payload"), d.Bytes())
	require.NoError(t, d.Err())
}

func TestLittleEndianFixedWidth(t *testing.T) {
	e := NewEncoder(8)
	e.PutUint32(0x01020304)
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, e.Bytes())
}

func TestDecoderShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	d.Uint64()
	require.Equal(t, ErrShortBuffer, d.Err())

	// errors are sticky
	require.EqualValues(t, 0, d.Uint32())
	require.Equal(t, ErrShortBuffer, d.Err())
}

func TestDecoderBadOption(t *testing.T) {
	d := NewDecoder([]byte{7})
	require.Nil(t, d.OptionUint64())
	require.Equal(t, ErrBadOption, d.Err())
}

func TestDecoderHostileSeqLength(t *testing.T) {
	// a huge claimed length must not allocate
	e := NewEncoder(16)
	e.PutUvarint(1 << 40)
	d := NewDecoder(e.Bytes())
	require.Nil(t, d.Uint64Seq())
	require.Equal(t, ErrShortBuffer, d.Err())
}
