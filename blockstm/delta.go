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
	"errors"

	"github.com/holiman/uint256"
)

// errDeltaBounds is the internal sentinel returned by applyDelta; callers
// that know the offending StateKey wrap it into ErrDeltaApplicationFailure.
var errDeltaBounds = errors.New("blockstm: delta application out of bounds")

// applyDelta applies d on top of cur, checked against 256-bit overflow and
// against d's own [Lo, Hi] bounds. A nil bound means unbounded on that side.
func applyDelta(cur *uint256.Int, d DeltaOp) (*uint256.Int, error) {
	out := new(uint256.Int)
	var overflow bool
	switch d.Kind {
	case DeltaAdd:
		_, overflow = out.AddOverflow(cur, d.Amount)
	case DeltaSub:
		_, overflow = out.SubOverflow(cur, d.Amount)
	}
	if overflow {
		return nil, errDeltaBounds
	}
	if d.Lo != nil && out.Lt(d.Lo) {
		return nil, errDeltaBounds
	}
	if d.Hi != nil && out.Gt(d.Hi) {
		return nil, errDeltaBounds
	}
	return out, nil
}

// valueAsUint256 decodes a concrete value Entry's bytes as an unsigned
// 256-bit integer; the convention used by every delta-compatible key in this
// engine (a plain value write that a later delta chain accumulates on top
// of must itself be numeric).
func valueAsUint256(e Entry) *uint256.Int {
	v := new(uint256.Int)
	if len(e.Value) > 0 {
		v.SetBytes(e.Value)
	}
	return v
}

// resolveDeltaChain applies a run of deltas, oldest-first, on top of a
// terminal concrete value. It is the materialize-on-read / materialize-at-
// commit primitive: walk predecessors accumulating deltas until a concrete
// value or the base view is reached, then apply them in the order they were
// committed so that bound violations are caught exactly as a sequential
// execution would have caught them.
func resolveDeltaChain(terminal *uint256.Int, deltasOldestFirst []DeltaOp) (*uint256.Int, error) {
	cur := terminal
	for _, d := range deltasOldestFirst {
		next, err := applyDelta(cur, d)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
