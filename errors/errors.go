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

package errors

import "errors"

var (
	ErrShredExists  = errors.New("shred already exists")
	ErrInvalidShred = errors.New("invalid shred")

	ErrInvalidShredPayload  = errors.New("invalid shred payload")
	ErrInvalidShredVariant  = errors.New("invalid shred variant")
	ErrInvalidParentOffset  = errors.New("invalid parent slot offset")
	ErrInvalidShredIndex    = errors.New("invalid shred index")
	ErrInvalidErasureConfig = errors.New("invalid erasure config")

	ErrSlotRooted = errors.New("slot is at or below the max root")

	ErrSignatureMismatch = errors.New("shred signature does not verify against the slot leader")

	ErrRepairInfoMismatch = errors.New("shreds and repair markers have different lengths")

	ErrUnknownLeader = errors.New("no leader known for slot")
)
