/*
 *
 * Copyright 2024 ShredDB authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ShredDB: a ledger store for erasure-coded block fragments

ShredDB ingests shreds - erasure-coded block fragments arriving out of
order from the network - validates them against per-slot metadata,
reconstructs missing data with Reed-Solomon forward error correction,
detects leader equivocation, and commits the resulting state atomically
to a column-family key/value store.

## Data Model

* Shred, the smallest unit of block propagation; either carries slot
  data (data shred) or Reed-Solomon parity (code shred).

* Erasure set, the group of data and code shreds whose coding is
  computed together, identified by (slot, fec_set_index).

* SlotMeta, per-slot bookkeeping: received/consecutive counters, the
  last index, parent and children, the connected flags.

* Merkle root meta, the commitment carried by the first shred of each
  erasure set; later shreds must agree, and chained variants commit to
  the previous set's root.

## Architecture

* blockstore - the insertion core: admission, recovery, slot chaining,
  merkle-root chaining, atomic batch commit.

* shred - wire schema, parsing, signing and the shredder.

* common/kvstore - column families, point ops and write batches over
  RocksDB.

* leadersched - slot leader resolution for recovered shred
  verification.

## Building Blocks

* Rocksdb
* Reed-Solomon (klauspost/reedsolomon)
* Prometheus

*/

package shreddb
