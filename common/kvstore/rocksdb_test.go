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

package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/blockdeck/shreddb/util"
	"github.com/stretchr/testify/require"
)

type testEg struct {
	engine Store
	path   string
	opt    *Option
}

func newEngine(ctx context.Context, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	var _opt *Option
	if opt != nil {
		_opt = opt
	} else {
		_opt = new(Option)
	}
	_opt.CreateIfMissing = true
	_opt.Sync = true
	engine, err := newRocksdb(ctx, path, _opt)
	if err != nil {
		return nil, err
	}
	return &testEg{
		engine: engine,
		path:   path,
		opt:    _opt,
	}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := new(Option)
	opt.CreateIfMissing = true
	opt.BlockSize = 1 << 20
	opt.BlockCache = 1 << 20
	opt.MaxBackgroundJobs = 8
	opt.KeepLogFileNum = 10000
	opt.MaxLogFileSize = 1 << 30
	opt.ColumnFamily = []CF{"a", "b", "c"}
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()
}

func TestInstance_SetGetRaw(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, &Option{ColumnFamily: []CF{"meta"}})
	require.NoError(t, err)
	defer eg.close()

	err = eg.engine.SetRaw(ctx, "meta", []byte("k1"), []byte("v1"), nil)
	require.NoError(t, err)

	v, err := eg.engine.GetRaw(ctx, "meta", []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	_, err = eg.engine.GetRaw(ctx, "meta", []byte("missing"), nil)
	require.Equal(t, ErrNotFound, err)

	ok, err := eg.engine.Contains(ctx, "meta", []byte("k1"), nil)
	require.NoError(t, err)
	require.True(t, ok)

	err = eg.engine.Delete(ctx, "meta", []byte("k1"), nil)
	require.NoError(t, err)
	ok, err = eg.engine.Contains(ctx, "meta", []byte("k1"), nil)
	require.NoError(t, err)
	require.False(t, ok)

	// deleting an absent key is not an error
	err = eg.engine.Delete(ctx, "meta", []byte("missing"), nil)
	require.NoError(t, err)
}

func TestInstance_WriteBatch(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, &Option{ColumnFamily: []CF{"a", "b"}})
	require.NoError(t, err)
	defer eg.close()

	batch := eg.engine.NewWriteBatch()
	batch.Put("a", []byte("k1"), []byte("v1"))
	batch.Put("b", []byte("k2"), []byte("v2"))
	batch.Delete("a", []byte("k3"))
	require.Equal(t, 3, batch.Count())
	require.NoError(t, eg.engine.Write(ctx, batch, nil))
	batch.Close()

	v, err := eg.engine.GetRaw(ctx, "a", []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	v, err = eg.engine.GetRaw(ctx, "b", []byte("k2"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestInstance_ListSeekForPrev(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, &Option{ColumnFamily: []CF{"meta"}})
	require.NoError(t, err)
	defer eg.close()

	key := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b
	}
	for _, v := range []uint64{10, 20, 30} {
		require.NoError(t, eg.engine.SetRaw(ctx, "meta", key(v), key(v), nil))
	}

	lr := eg.engine.List(ctx, "meta", nil, nil, nil)
	defer lr.Close()

	// forward scan sees keys in numeric order
	var got []uint64
	for {
		kg, vg, err := lr.ReadNext()
		require.NoError(t, err)
		if kg == nil {
			break
		}
		got = append(got, binary.BigEndian.Uint64(kg.Key()))
		kg.Close()
		vg.Close()
	}
	require.Equal(t, []uint64{10, 20, 30}, got)

	// SeekForPrev lands on the largest key <= target
	require.NoError(t, lr.SeekForPrev(key(25)))
	kg, vg, err := lr.ReadPrev()
	require.NoError(t, err)
	require.NotNil(t, kg)
	require.Equal(t, uint64(20), binary.BigEndian.Uint64(kg.Key()))
	kg.Close()
	vg.Close()

	require.NoError(t, lr.SeekForPrev(key(5)))
	kg, _, err = lr.ReadPrev()
	require.NoError(t, err)
	require.Nil(t, kg)
}
