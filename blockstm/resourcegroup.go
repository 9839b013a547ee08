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
	"encoding/json"
)

// groupTxnOp pairs a GroupOp with the committed txn that issued it, needed
// so a violated invariant can be attributed back to that txn.
type groupTxnOp struct {
	Txn TxnIndex
	Op  GroupOp
}

// resourceGroupCoalescer reassembles per-member operations on a shared
// storage slot into a single blob write, in one of two mutually exclusive
// modes.
type resourceGroupCoalescer struct {
	mode ResourceGroupMode
}

func newResourceGroupCoalescer(mode ResourceGroupMode) *resourceGroupCoalescer {
	return &resourceGroupCoalescer{mode: mode}
}

// coalesceResult is the outcome of reassembling one group.
type coalesceResult struct {
	Writes     map[StateKey]Entry
	FailedTxns map[TxnIndex]struct{}
}

// Coalesce reassembles every group touched by ops, which must already be in
// committed TxnIndex order. Ops on txns recorded in FailedTxns violated an
// existence precondition (New on a present member, Modify/Delete on an
// absent one) and must be converted to Abort by the finalizer; the
// remainder of that txn's group ops are skipped, consistent with aborting
// the whole incarnation rather than partially applying it.
//
// V0 and V1 are handled identically here: in both modes existence is
// checked once, at finalization, against the base blob plus the earlier
// committed ops in commit order, and the mode value does not change the
// result. No existence check runs during execution. One coalescer is built
// per run from a single mode, so modes are never mixed within one run.
func (c *resourceGroupCoalescer) Coalesce(ctx context.Context, base BaseView, ops []groupTxnOp) (coalesceResult, error) {
	byGroup := make(map[StateKey][]groupTxnOp)
	var order []StateKey
	for _, op := range ops {
		if _, seen := byGroup[op.Op.Group]; !seen {
			order = append(order, op.Op.Group)
		}
		byGroup[op.Op.Group] = append(byGroup[op.Op.Group], op)
	}

	result := coalesceResult{Writes: make(map[StateKey]Entry), FailedTxns: make(map[TxnIndex]struct{})}

	for _, group := range order {
		members, err := loadGroupBlob(ctx, base, group)
		if err != nil {
			return coalesceResult{}, err
		}

		for _, gop := range byGroup[group] {
			if _, failed := result.FailedTxns[gop.Txn]; failed {
				continue
			}
			_, present := members[string(gop.Op.Member)]
			switch gop.Op.Kind {
			case GroupOpNew:
				if present {
					result.FailedTxns[gop.Txn] = struct{}{}
					continue
				}
				members[string(gop.Op.Member)] = gop.Op.Value
			case GroupOpModify:
				if !present {
					result.FailedTxns[gop.Txn] = struct{}{}
					continue
				}
				members[string(gop.Op.Member)] = gop.Op.Value
			case GroupOpDelete:
				if !present {
					result.FailedTxns[gop.Txn] = struct{}{}
					continue
				}
				delete(members, string(gop.Op.Member))
			}
		}

		blob, err := json.Marshal(members)
		if err != nil {
			return coalesceResult{}, newInternalInvariantError("resource group %q failed to serialize: %v", group, err)
		}
		result.Writes[group] = NewValueEntry(blob, nil)
	}

	return result, nil
}

func loadGroupBlob(ctx context.Context, base BaseView, group StateKey) (map[string][]byte, error) {
	members := make(map[string][]byte)
	if base == nil {
		return members, nil
	}
	raw, ok, err := base.Get(ctx, group)
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return members, nil
	}
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, newInternalInvariantError("resource group %q has a corrupt blob: %v", group, err)
	}
	return members, nil
}
