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

// Package kvstore wraps an ordered key-value engine behind typed
// column families, point operations and atomic cross-family write
// batches. Keys are caller-encoded; big-endian integer encodings keep
// lexicographic byte order aligned with numeric order.
package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")

	FIFOStyle      = CompactionStyle("fifo")
	LevelStyle     = CompactionStyle("level")
	UniversalStyle = CompactionStyle("universal")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF              string
	LsmKVType       string
	CompactionStyle string

	Store interface {
		NewSnapshot() Snapshot
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		// Get returns a zero-copy view of the value; the caller must
		// Close it. A missing key yields ErrNotFound.
		Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value ValueGetter, err error)
		// GetRaw returns an owned copy of the value.
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error
		// Delete removes key if present. It does not report whether
		// the key existed.
		Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error
		Contains(ctx context.Context, col CF, key []byte, readOpt ReadOption) (bool, error)
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		// Write applies the batch atomically across column families.
		Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error
		NewReadOption() (readOption ReadOption)
		NewWriteOption() (writeOption WriteOption)
		NewWriteBatch() (writeBatch WriteBatch)
		FlushCF(ctx context.Context, col CF) error
		Close()
	}
	ListReader interface {
		ReadNext() (key KeyGetter, val ValueGetter, err error)
		ReadNextCopy() (key []byte, value []byte, err error)
		ReadPrev() (key KeyGetter, val ValueGetter, err error)
		SeekTo(key []byte)
		// SeekForPrev positions the reader at the largest key that is
		// less than or equal to the given key.
		SeekForPrev(key []byte) error
		Close()
	}
	KeyGetter interface {
		Key() []byte
		Close()
	}
	ValueGetter interface {
		Value() []byte
		Size() int
		Close()
	}
	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapShot(snap Snapshot)
		Close()
	}
	WriteOption interface {
		SetSync(value bool)
		DisableWAL(value bool)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Option struct {
		Sync                 bool
		DisableWal           bool
		ColumnFamily         []CF `json:"column_family"`
		CreateIfMissing      bool
		BlockSize            int
		BlockCache           uint64
		EnablePipelinedWrite bool
		MaxBackgroundJobs    int
		MaxOpenFiles         int
		MaxWriteBufferNumber int
		WriteBufferSize      int
		KeepLogFileNum       int
		MaxLogFileSize       int
		CompactionStyle      CompactionStyle
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
