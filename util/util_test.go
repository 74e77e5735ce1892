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

package util

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestBytesString(t *testing.T) {
	s := "shred"
	b := StringsToBytes(s)
	require.Equal(t, []byte("shred"), b)
	require.Equal(t, s, BytesToString(b))
}

func TestCopyBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	dst := CopyBytes(src)
	require.Equal(t, src, dst)
	src[0] = 9
	require.Equal(t, byte(1), dst[0])
	require.Nil(t, CopyBytes(nil))
}
