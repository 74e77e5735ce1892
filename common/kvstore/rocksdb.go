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
	"errors"
	"os"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	snapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
	}
	readOption struct {
		db   *rdb.DB
		snap *rdb.Snapshot
		opt  *rdb.ReadOptions
	}
	writeOption struct {
		opt *rdb.WriteOptions
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
	keyGetter struct {
		key *rdb.Slice
	}
	valueGetter struct {
		value *rdb.Slice
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cfNum := len(option.ColumnFamily) + 1
	cols := make([]CF, 0, cfNum)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	cfNames := make([]string, 0, cfNum)
	cfOpts := make([]*rdb.Options, 0, cfNum)
	for i := 0; i < cfNum; i++ {
		cfNames = append(cfNames, cols[i].String())
		cfOpts = append(cfOpts, dbOpt)
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}

	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle)
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	if option.Sync {
		wo.SetSync(option.Sync)
	}
	if option.DisableWal {
		wo.DisableWAL(option.DisableWal)
	}
	ro := rdb.NewDefaultReadOptions()

	ins := &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   ro,
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}
	return ins, nil
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	s.lock.RLock()
	h := s.cfHandles[col]
	s.lock.RUnlock()
	if h == nil {
		return s.cfHandles[defaultCF]
	}
	return h
}

func (s *rocksdb) NewSnapshot() Snapshot {
	return &snapshot{db: s.db, snap: s.db.NewSnapshot()}
}

func (s *rocksdb) NewReadOption() ReadOption {
	opt := rdb.NewDefaultReadOptions()
	return &readOption{
		db:  s.db,
		opt: opt,
	}
}

func (s *rocksdb) NewWriteOption() WriteOption {
	return &writeOption{
		opt: rdb.NewDefaultWriteOptions(),
	}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{
		s:     s,
		batch: rdb.NewWriteBatch(),
	}
}

func (s *rocksdb) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cfHandles {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *rocksdb) CheckColumns(col CF) bool {
	s.lock.RLock()
	_, ok := s.cfHandles[col]
	s.lock.RUnlock()
	return ok
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value ValueGetter, err error) {
	var v *rdb.Slice
	cf := s.getColumnFamily(col)
	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	if v, err = s.db.GetCF(ro, cf, key); err != nil {
		return nil, err
	}
	if !v.Exists() {
		v.Free()
		return nil, ErrNotFound
	}
	value = &valueGetter{value: v}
	return value, nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error) {
	var v *rdb.Slice
	cf := s.getColumnFamily(col)
	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	if v, err = s.db.GetCF(ro, cf, key); err != nil {
		return nil, err
	}
	if !v.Exists() {
		v.Free()
		return nil, ErrNotFound
	}
	value = make([]byte, v.Size())
	copy(value, v.Data())
	v.Free()
	return value, nil
}

func (s *rocksdb) Contains(ctx context.Context, col CF, key []byte, readOpt ReadOption) (bool, error) {
	vg, err := s.Get(ctx, col, key, readOpt)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	vg.Close()
	return true, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	wo := s.writeOpt
	cf := s.getColumnFamily(col)
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.PutCF(wo, cf, key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	wo := s.writeOpt
	cf := s.getColumnFamily(col)
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.DeleteCF(wo, cf, key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	cf := s.getColumnFamily(col)

	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	t := s.db.NewIteratorCF(ro, cf)
	if len(marker) > 0 {
		t.Seek(marker)
	} else {
		if prefix != nil {
			t.Seek(prefix)
		} else {
			t.SeekToFirst()
		}
	}

	lr := &listReader{
		iterator: t,
		prefix:   prefix,
		isFirst:  true,
	}
	return lr
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	_batch := batch.(*writeBatch)
	return s.db.Write(wo, _batch.batch)
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	cf := s.getColumnFamily(col)
	return s.db.FlushCF(s.flushOpt, cf)
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.opt.Destroy()
	s.flushOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
}

func (ss *snapshot) Close() {
	ss.db.ReleaseSnapshot(ss.snap)
}

func (ro *readOption) SetSnapShot(snap Snapshot) {
	ro.snap = snap.(*snapshot).snap
	ro.opt.SetSnapshot(ro.snap)
}

func (ro *readOption) Close() {
	ro.opt.Destroy()
}

func (wo *writeOption) SetSync(value bool) {
	wo.opt.SetSync(value)
}

func (wo *writeOption) DisableWAL(value bool) {
	wo.opt.DisableWAL(value)
}

func (wo *writeOption) Close() {
	wo.opt.Destroy()
}

func (kg keyGetter) Key() []byte {
	return kg.key.Data()
}

func (kg keyGetter) Close() {
	kg.key.Free()
}

func (vg *valueGetter) Value() []byte {
	return vg.value.Data()
}

func (vg *valueGetter) Size() int {
	return vg.value.Size()
}

func (vg *valueGetter) Close() {
	vg.value.Free()
}

func (lr *listReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return keyGetter{key: lr.iterator.Key()}, &valueGetter{value: lr.iterator.Value()}, nil
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil {
		return nil, nil, err
	}
	if kg != nil && vg != nil {
		key = make([]byte, len(kg.Key()))
		value = make([]byte, vg.Size())
		copy(key, kg.Key())
		copy(value, vg.Value())
		kg.Close()
		vg.Close()
	}
	return
}

func (lr *listReader) ReadPrev() (key KeyGetter, val ValueGetter, err error) {
	if !lr.isFirst {
		lr.iterator.Prev()
	}
	lr.isFirst = false
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return keyGetter{key: lr.iterator.Key()}, &valueGetter{value: lr.iterator.Value()}, nil
}

func (lr *listReader) SeekTo(key []byte) {
	lr.isFirst = true
	lr.iterator.Seek(key)
}

func (lr *listReader) SeekForPrev(key []byte) error {
	lr.isFirst = true
	lr.iterator.SeekForPrev(key)
	return lr.iterator.Err()
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	cf := w.s.getColumnFamily(col)
	w.batch.PutCF(cf, key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	cf := w.s.getColumnFamily(col)
	w.batch.DeleteCF(cf, key)
}

func (w *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	cf := w.s.getColumnFamily(col)
	w.batch.DeleteRangeCF(cf, startKey, endKey)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	opts.SetCreateIfMissingColumnFamilies(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	opts.SetEnablePipelinedWrite(opt.EnablePipelinedWrite)
	if opt.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundCompactions(opt.MaxBackgroundJobs)
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(opt.MaxWriteBufferNumber)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.KeepLogFileNum > 0 {
		opts.SetKeepLogFileNum(opt.KeepLogFileNum)
	}
	if opt.MaxLogFileSize > 0 {
		opts.SetMaxLogFileSize(opt.MaxLogFileSize)
	}
	if len(opt.CompactionStyle) > 0 {
		switch opt.CompactionStyle {
		case FIFOStyle:
			opts.SetCompactionStyle(rdb.FIFOCompactionStyle)
		case LevelStyle:
			opts.SetCompactionStyle(rdb.LevelCompactionStyle)
		case UniversalStyle:
			opts.SetCompactionStyle(rdb.UniversalCompactionStyle)
		default:
		}
	}
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	return opts
}
