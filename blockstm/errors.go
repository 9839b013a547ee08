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
	"fmt"

	"github.com/pkg/errors"
)

// dependencySignal is raised internally by a CapturedView when a read
// observes Estimate; it never escapes the executor loop.
type dependencySignal struct {
	Blocker TxnIndex
}

func (e *dependencySignal) Error() string {
	return fmt.Sprintf("blockstm: read depends on unresolved writer %d", e.Blocker)
}

// ErrDeltaApplicationFailure is a normal, non-fatal outcome: a delta read or
// materialization would over/underflow its bounds.
type ErrDeltaApplicationFailure struct {
	Key StateKey
}

func (e *ErrDeltaApplicationFailure) Error() string {
	return fmt.Sprintf("blockstm: delta application failed for key %q", e.Key)
}

// ErrModulePathReadWrite is structural: a committed txn both reads module
// code written by an earlier txn in a way the optimistic model can't safely
// validate. It is routed to the Fallback Driver, never to the caller
// directly unless fallback is disallowed.
type ErrModulePathReadWrite struct {
	Reader TxnIndex
	Writer TxnIndex
}

func (e *ErrModulePathReadWrite) Error() string {
	return fmt.Sprintf("blockstm: module read by txn %d conflicts with module write by txn %d", e.Reader, e.Writer)
}

// newInternalInvariantError builds the fatal internal-invariant error: it
// halts the engine and no partial outputs are emitted. Always wrapped with a stack trace via pkg/errors so that a
// report can point at the exact call site that detected the corruption.
func newInternalInvariantError(format string, args ...any) error {
	return errors.Wrap(fmt.Errorf(format, args...), "blockstm: internal invariant violated")
}

