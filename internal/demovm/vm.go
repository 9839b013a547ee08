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

// Package demovm is a minimal external VM collaborator used by the
// cmd/blockstm-run fixture runner and the fixture loader. It
// never ships as part of the core engine; it exists only to exercise it.
package demovm

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/erigontech/bsc-blockstm/blockstm"
	"github.com/erigontech/bsc-blockstm/kvdomain"
)

// Kind discriminates the handful of operations the demo VM understands.
type Kind string

const (
	KindTransfer      Kind = "transfer"
	KindCounterAdd    Kind = "counter_add"
	KindCounterSub    Kind = "counter_sub"
	KindPublishModule Kind = "publish_module"
	KindCallModule    Kind = "call_module"
	KindGroupNew      Kind = "group_new"
	KindGroupModify   Kind = "group_modify"
	KindGroupDelete   Kind = "group_delete"
)

// Txn is the demo VM's transaction shape, also the JSON schema the fixture
// loader parses a block out of.
type Txn struct {
	Kind   Kind   `json:"kind"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount,omitempty"`
	Gas    uint64 `json:"gas"`

	Module string `json:"module,omitempty"`

	Group  string `json:"group,omitempty"`
	Member string `json:"member,omitempty"`
	Value  string `json:"value,omitempty"`

	DeltaLo *uint64 `json:"delta_lo,omitempty"`
	DeltaHi *uint64 `json:"delta_hi,omitempty"`
}

// VM interprets Txn values against a blockstm.ReadView.
type VM struct{}

func New() *VM { return &VM{} }

var _ blockstm.VM = (*VM)(nil)

func accountKey(addr string) blockstm.StateKey {
	return blockstm.StateKey(kvdomain.Key(kvdomain.AccountsDomain, addr))
}

func moduleKey(name string) blockstm.StateKey {
	return blockstm.StateKey(kvdomain.Key(kvdomain.CodeDomain, name))
}

func (vm *VM) Execute(ctx context.Context, rawTxn blockstm.Transaction, view blockstm.ReadView, execCtx blockstm.ExecContext) (blockstm.VMOutput, error) {
	txn, ok := rawTxn.(Txn)
	if !ok {
		return blockstm.VMOutput{}, fmt.Errorf("demovm: unexpected transaction type %T", rawTxn)
	}

	switch txn.Kind {
	case KindTransfer:
		return vm.execTransfer(ctx, txn, view)
	case KindCounterAdd, KindCounterSub:
		return vm.execCounter(ctx, txn, view)
	case KindPublishModule:
		return blockstm.VMOutput{
			ModuleWrites: map[blockstm.StateKey]blockstm.Entry{moduleKey(txn.Module): blockstm.NewValueEntry([]byte(txn.Value), nil)},
			Gas:          txn.Gas,
			Status:       blockstm.KeepStatus("published"),
		}, nil
	case KindCallModule:
		_, _, err := view.Get(ctx, moduleKey(txn.Module))
		if err != nil {
			return blockstm.VMOutput{}, err
		}
		return blockstm.VMOutput{Gas: txn.Gas, Status: blockstm.KeepStatus("called"), ReadsModule: true}, nil
	case KindGroupNew, KindGroupModify, KindGroupDelete:
		return vm.execGroupOp(txn), nil
	default:
		return blockstm.VMOutput{}, fmt.Errorf("demovm: unknown kind %q", txn.Kind)
	}
}

func (vm *VM) execTransfer(ctx context.Context, txn Txn, view blockstm.ReadView) (blockstm.VMOutput, error) {
	fromKey := accountKey(txn.From)
	toKey := accountKey(txn.To)

	fromRaw, _, err := view.Get(ctx, fromKey)
	if err != nil {
		return blockstm.VMOutput{}, err
	}
	toRaw, _, err := view.Get(ctx, toKey)
	if err != nil {
		return blockstm.VMOutput{}, err
	}

	from := new(uint256.Int).SetBytes(fromRaw)
	to := new(uint256.Int).SetBytes(toRaw)
	amount := new(uint256.Int).SetUint64(txn.Amount)

	if from.Lt(amount) {
		return blockstm.VMOutput{Gas: txn.Gas, Status: blockstm.AbortStatus("insufficient_balance")}, nil
	}
	from.Sub(from, amount)
	to.Add(to, amount)

	return blockstm.VMOutput{
		Writes: map[blockstm.StateKey]blockstm.Entry{
			fromKey: blockstm.NewValueEntry(from.Bytes(), nil),
			toKey:   blockstm.NewValueEntry(to.Bytes(), nil),
		},
		Gas:    txn.Gas,
		Status: blockstm.KeepStatus("ok"),
	}, nil
}

func (vm *VM) execCounter(ctx context.Context, txn Txn, view blockstm.ReadView) (blockstm.VMOutput, error) {
	key := accountKey(txn.To)

	var lo, hi *uint256.Int
	if txn.DeltaLo != nil {
		lo = new(uint256.Int).SetUint64(*txn.DeltaLo)
	}
	if txn.DeltaHi != nil {
		hi = new(uint256.Int).SetUint64(*txn.DeltaHi)
	}

	kind := blockstm.DeltaAdd
	if txn.Kind == KindCounterSub {
		kind = blockstm.DeltaSub
	}

	op := blockstm.DeltaOp{Kind: kind, Amount: new(uint256.Int).SetUint64(txn.Amount), Lo: lo, Hi: hi}

	// A snapshot read records the counter's resolved value, so validation
	// re-walks the predecessor chain and detects any change to it.
	_, _, err := view.DeltaResolved(ctx, key)
	if err != nil {
		return blockstm.VMOutput{}, err
	}

	return blockstm.VMOutput{
		Writes: map[blockstm.StateKey]blockstm.Entry{key: blockstm.NewDeltaEntry(op)},
		Gas:    txn.Gas,
		Status: blockstm.KeepStatus("ok"),
	}, nil
}

func (vm *VM) execGroupOp(txn Txn) blockstm.VMOutput {
	var kind blockstm.GroupOpKind
	switch txn.Kind {
	case KindGroupNew:
		kind = blockstm.GroupOpNew
	case KindGroupModify:
		kind = blockstm.GroupOpModify
	case KindGroupDelete:
		kind = blockstm.GroupOpDelete
	}
	return blockstm.VMOutput{
		GroupOps: []blockstm.GroupOp{{
			Group:  blockstm.StateKey(kvdomain.Key(kvdomain.StorageDomain, txn.Group)),
			Member: blockstm.StateKey(txn.Member),
			Kind:   kind,
			Value:  []byte(txn.Value),
		}},
		Gas:    txn.Gas,
		Status: blockstm.KeepStatus("ok"),
	}
}
