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

package demovm

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/bsc-blockstm/blockstm"
)

// mapView is a plain, non-versioned blockstm.ReadView for exercising the
// demo VM in isolation from the engine.
type mapView struct {
	values map[blockstm.StateKey][]byte
}

func (v mapView) Get(_ context.Context, key blockstm.StateKey) ([]byte, bool, error) {
	val, ok := v.values[key]
	return val, ok, nil
}

func (v mapView) GetMetadata(_ context.Context, _ blockstm.StateKey) ([]byte, bool, error) {
	return nil, false, nil
}

func (v mapView) Exists(ctx context.Context, key blockstm.StateKey) (bool, error) {
	_, ok, err := v.Get(ctx, key)
	return ok, err
}

func (v mapView) Size(ctx context.Context, key blockstm.StateKey) (int, bool, error) {
	val, ok, err := v.Get(ctx, key)
	return len(val), ok, err
}

func (v mapView) DeltaResolved(ctx context.Context, key blockstm.StateKey) (*uint256.Int, bool, error) {
	raw, ok, err := v.Get(ctx, key)
	if err != nil || !ok {
		return new(uint256.Int), ok, err
	}
	return new(uint256.Int).SetBytes(raw), true, nil
}

func TestTransferMovesBalance(t *testing.T) {
	vm := New()
	view := mapView{values: map[blockstm.StateKey][]byte{
		"accounts:alice": new(uint256.Int).SetUint64(100).Bytes(),
	}}

	out, err := vm.Execute(context.Background(), Txn{Kind: KindTransfer, From: "alice", To: "bob", Amount: 30, Gas: 21000}, view, nil)
	require.NoError(t, err)
	require.Equal(t, blockstm.StatusKeep, out.Status.Kind)
	require.Equal(t, uint64(21000), out.Gas)

	from := new(uint256.Int).SetBytes(out.Writes["accounts:alice"].Value)
	to := new(uint256.Int).SetBytes(out.Writes["accounts:bob"].Value)
	require.Equal(t, uint64(70), from.Uint64())
	require.Equal(t, uint64(30), to.Uint64())
}

func TestTransferAbortsOnInsufficientBalance(t *testing.T) {
	vm := New()
	view := mapView{values: map[blockstm.StateKey][]byte{}}

	out, err := vm.Execute(context.Background(), Txn{Kind: KindTransfer, From: "alice", To: "bob", Amount: 1, Gas: 21000}, view, nil)
	require.NoError(t, err)
	require.Equal(t, blockstm.StatusAbort, out.Status.Kind)
	require.Empty(t, out.Writes)
}

func TestCounterAddEmitsBoundedDelta(t *testing.T) {
	vm := New()
	hi := uint64(50)
	view := mapView{values: map[blockstm.StateKey][]byte{}}

	out, err := vm.Execute(context.Background(), Txn{Kind: KindCounterAdd, To: "counter", Amount: 1, DeltaHi: &hi}, view, nil)
	require.NoError(t, err)

	entry := out.Writes["accounts:counter"]
	require.Equal(t, blockstm.EntryDelta, entry.Kind)
	require.Equal(t, blockstm.DeltaAdd, entry.Delta.Kind)
	require.Equal(t, uint64(50), entry.Delta.Hi.Uint64())
}

func TestGroupOpsMapOntoStorageDomain(t *testing.T) {
	vm := New()
	view := mapView{values: map[blockstm.StateKey][]byte{}}

	out, err := vm.Execute(context.Background(), Txn{Kind: KindGroupNew, Group: "slot", Member: "res", Value: "v"}, view, nil)
	require.NoError(t, err)
	require.Len(t, out.GroupOps, 1)
	require.Equal(t, blockstm.StateKey("storage:slot"), out.GroupOps[0].Group)
	require.Equal(t, blockstm.GroupOpNew, out.GroupOps[0].Kind)
}

func TestUnknownKindIsAnError(t *testing.T) {
	vm := New()
	_, err := vm.Execute(context.Background(), Txn{Kind: "mint"}, mapView{}, nil)
	require.Error(t, err)
}
