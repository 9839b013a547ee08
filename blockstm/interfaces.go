// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package blockstm

import (
	"context"

	"github.com/holiman/uint256"
)

// Transaction is opaque to the core engine; only the VM collaborator knows
// its concrete shape.
type Transaction any

// BaseView is the read-only state the block executes against. It is shared,
// immutable, for the duration of block execution.
type BaseView interface {
	// Get returns the raw value for key, or ok==false if absent.
	Get(ctx context.Context, key StateKey) (value []byte, ok bool, err error)
	// GetMetadata returns out-of-band metadata for key (e.g. a resource
	// group's member layout), independent of Get.
	GetMetadata(ctx context.Context, key StateKey) (metadata []byte, ok bool, err error)
}

// ExecContext is per-transaction context handed to the VM collaborator
// (block height, timestamp, and similar read-only ambient parameters); the
// core engine treats it as opaque.
type ExecContext any

// VM is the external collaborator: it turns a transaction and a read
// view into an output. It must be deterministic given the same
// view-observable state, and must not retain the view after returning.
type VM interface {
	Execute(ctx context.Context, txn Transaction, view ReadView, execCtx ExecContext) (VMOutput, error)
}

// ReadView is the CapturedView handed to the VM: every read goes
// through MVHashMap at a fixed TxnIndex and is appended to the in-progress
// CapturedReads for the current incarnation.
type ReadView interface {
	Get(ctx context.Context, key StateKey) ([]byte, bool, error)
	GetMetadata(ctx context.Context, key StateKey) ([]byte, bool, error)
	Exists(ctx context.Context, key StateKey) (bool, error)
	Size(ctx context.Context, key StateKey) (int, bool, error)
	// DeltaResolved snapshot-reads a delta-valued counter, materializing it
	// from the predecessor chain without committing a concrete value.
	DeltaResolved(ctx context.Context, key StateKey) (value *uint256.Int, ok bool, err error)
}
