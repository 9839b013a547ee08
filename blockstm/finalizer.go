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
	"errors"
)

// BlockResult is the core's output: an ordered, possibly
// truncated list of TxnOutput plus the aggregate reconfiguration flag.
type BlockResult struct {
	Outputs                 []TxnOutput
	ReconfigurationDetected bool
}

// finalize runs once the scheduler reports Done: walk the committed prefix
// in order, resolve delta writes against the committed predecessor state,
// coalesce resource groups, and flag reconfiguration events.
func finalize(ctx context.Context, sched *Scheduler, mv *MVHashMap, base BaseView, cfg Config) (BlockResult, error) {
	if err := sched.FatalErr(); err != nil {
		return BlockResult{}, err
	}

	committedCount := int(sched.CommitIndex())
	outputs := make([]TxnOutput, 0, committedCount)
	reconfigured := false

	moduleWriters := make(map[StateKey]TxnIndex)

	for i := 0; i < committedCount; i++ {
		idx := TxnIndex(i)
		out, committed := sched.Slot(idx)
		if !committed {
			return BlockResult{}, newInternalInvariantError("txn %d is in the committed prefix but not Committed", idx)
		}

		if hz := detectModuleHazard(idx, out, moduleWriters); hz != nil {
			return BlockResult{}, hz
		}
		for key := range out.ModuleWrites {
			moduleWriters[key] = idx
		}

		out, err := resolveCommittedDeltas(ctx, mv, base, idx, out)
		if err != nil {
			return BlockResult{}, err
		}

		for _, ev := range out.Events {
			if cfg.ReconfigurationEvent != "" && ev.Tag == cfg.ReconfigurationEvent {
				reconfigured = true
			}
		}

		outputs = append(outputs, out)
	}

	if err := applyGroupCoalescing(ctx, base, cfg.ResourceGroupMode, outputs); err != nil {
		return BlockResult{}, err
	}

	return BlockResult{Outputs: outputs, ReconfigurationDetected: reconfigured}, nil
}

// applyGroupCoalescing merges every committed member-level group op into a
// single slot write per group, rewriting txns that violated an
// existence precondition to Abort. Shared by the parallel finalizer and
// the sequential fallback so the two paths emit identical group writes.
func applyGroupCoalescing(ctx context.Context, base BaseView, mode ResourceGroupMode, outputs []TxnOutput) error {
	var groupOps []groupTxnOp
	for i := range outputs {
		for _, gop := range outputs[i].GroupOps {
			groupOps = append(groupOps, groupTxnOp{Txn: TxnIndex(i), Op: gop})
		}
	}
	if len(groupOps) == 0 {
		return nil
	}

	coalescer := newResourceGroupCoalescer(mode)
	result, err := coalescer.Coalesce(ctx, base, groupOps)
	if err != nil {
		return err
	}
	for i := range outputs {
		if _, failed := result.FailedTxns[TxnIndex(i)]; failed {
			outputs[i] = abortOutput(outputs[i], "resource_group_violation")
			continue
		}
		if len(outputs[i].GroupOps) == 0 {
			continue
		}
		for key, entry := range result.Writes {
			if outputs[i].Writes == nil {
				outputs[i].Writes = make(map[StateKey]Entry)
			}
			outputs[i].Writes[key] = entry
		}
	}
	return nil
}

func detectModuleHazard(reader TxnIndex, out TxnOutput, moduleWriters map[StateKey]TxnIndex) error {
	if !out.ReadsModule {
		return nil
	}
	for _, writer := range moduleWriters {
		if writer < reader {
			return &ErrModulePathReadWrite{Reader: reader, Writer: writer}
		}
	}
	return nil
}

// resolveCommittedDeltas materializes any still-symbolic delta writes in
// out.Writes by walking the MVHashMap chain for that key down through the
// already-committed predecessor entries (commit only ever advances one
// TxnIndex at a time, so everything below idx is final by the time finalize
// reaches it) rather than this txn's own CapturedReads — a delta write with
// no preceding read (the blind hot-counter case) must still resolve
// against whatever predecessors actually committed, not a zero base. This
// reuses MVHashMap.Read's delta-chain walk, which idx's own still-installed
// Delta entry is itself a part of. On materialization failure the txn is
// rewritten to Abort-with-DeltaApplicationFailure.
func resolveCommittedDeltas(ctx context.Context, mv *MVHashMap, base BaseView, idx TxnIndex, out TxnOutput) (TxnOutput, error) {
	var deltaKeys []StateKey
	for key, entry := range out.Writes {
		if entry.Kind == EntryDelta {
			deltaKeys = append(deltaKeys, key)
		}
	}
	for _, key := range deltaKeys {
		res, err := mv.Read(ctx, key, idx+1, base)
		if err != nil {
			var deltaErr *ErrDeltaApplicationFailure
			if errors.As(err, &deltaErr) {
				// An aborted txn applied nothing, so its deltas must not
				// feed later materializations on the same chain.
				mv.Remove(idx, deltaKeys)
				return abortOutput(out, "delta_application_failure"), nil
			}
			return out, err
		}
		if res.Kind != ReadResolvedDelta {
			return out, newInternalInvariantError(
				"committed delta write at key %q for txn %d resolved to unexpected kind %d", key, idx, res.Kind)
		}
		out.Writes[key] = NewValueEntry(res.ResolvedValue.Bytes(), out.Writes[key].Metadata)
	}
	return out, nil
}

func abortOutput(out TxnOutput, code string) TxnOutput {
	out.Status = AbortStatus(code)
	out.Writes = nil
	out.GroupOps = nil
	return out
}
