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

import "github.com/erigontech/bsc-blockstm/satmath"

// gasLimiter accumulates committed gas in TxnIndex order and reports the
// first index that must be truncated. It is driven from the same
// goroutine that observes commit-idx advancing, so no locking is needed
// beyond what the scheduler already provides for reading committed slots.
type gasLimiter struct {
	limit     *uint64
	committed uint64
}

func newGasLimiter(limit *uint64) *gasLimiter {
	return &gasLimiter{limit: limit}
}

// Admit reports whether txn i can be folded into the running total: a txn
// is admitted as long as the gas committed by every txn *before* it had not
// yet crossed the limit, even though folding its own gas in may push the
// running total past the limit; the first over-limit txn and everything
// after it is truncated. On overflow of the running total itself the
// limiter treats it as "over limit" rather than wrapping silently.
func (g *gasLimiter) Admit(gas uint64) (admitted bool, truncate bool) {
	if g.limit == nil {
		return true, false
	}
	if *g.limit == 0 {
		return false, true
	}
	if g.committed > *g.limit {
		return false, true
	}
	sum, overflow := satmath.SafeAdd(g.committed, gas)
	if overflow {
		return false, true
	}
	g.committed = sum
	return true, false
}
