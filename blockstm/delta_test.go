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
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u256(v uint64) *uint256.Int { return new(uint256.Int).SetUint64(v) }

func TestApplyDeltaAddWithinBounds(t *testing.T) {
	out, err := applyDelta(u256(10), DeltaOp{Kind: DeltaAdd, Amount: u256(5), Lo: u256(0), Hi: u256(50)})
	require.NoError(t, err)
	require.Equal(t, uint64(15), out.Uint64())
}

func TestApplyDeltaExceedsUpperBound(t *testing.T) {
	_, err := applyDelta(u256(48), DeltaOp{Kind: DeltaAdd, Amount: u256(5), Lo: u256(0), Hi: u256(50)})
	require.ErrorIs(t, err, errDeltaBounds)
}

func TestApplyDeltaSubUnderflowsBelowLowerBound(t *testing.T) {
	_, err := applyDelta(u256(3), DeltaOp{Kind: DeltaSub, Amount: u256(5), Lo: u256(0)})
	require.Error(t, err)
}

func TestResolveDeltaChainAppliesOldestFirst(t *testing.T) {
	deltas := []DeltaOp{
		{Kind: DeltaAdd, Amount: u256(1)},
		{Kind: DeltaAdd, Amount: u256(1)},
		{Kind: DeltaSub, Amount: u256(1), Lo: u256(0)},
	}
	out, err := resolveDeltaChain(u256(0), deltas)
	require.NoError(t, err)
	require.Equal(t, uint64(1), out.Uint64())
}

func TestResolveDeltaChainStopsAtFirstFailure(t *testing.T) {
	deltas := []DeltaOp{
		{Kind: DeltaSub, Amount: u256(1), Lo: u256(0)},
	}
	_, err := resolveDeltaChain(u256(0), deltas)
	require.Error(t, err)
}
