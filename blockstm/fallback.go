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

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// fallbackOverlay is the ephemeral write layer the fallback driver runs
// against: one map, no MVHashMap, no speculation. Every later
// transaction sees every earlier one's writes immediately, exactly as a
// strictly sequential execution would.
type fallbackOverlay struct {
	base  BaseView
	layer map[StateKey]Entry
}

func newFallbackOverlay(base BaseView) *fallbackOverlay {
	return &fallbackOverlay{base: base, layer: make(map[StateKey]Entry)}
}

func (o *fallbackOverlay) get(ctx context.Context, key StateKey) ([]byte, bool, error) {
	if e, ok := o.layer[key]; ok {
		if e.Kind == EntryDeletion {
			return nil, false, nil
		}
		return e.Value, true, nil
	}
	if o.base == nil {
		return nil, false, nil
	}
	return o.base.Get(ctx, key)
}

func (o *fallbackOverlay) getMetadata(ctx context.Context, key StateKey) ([]byte, bool, error) {
	if e, ok := o.layer[key]; ok {
		return e.Metadata, e.Metadata != nil, nil
	}
	if o.base == nil {
		return nil, false, nil
	}
	return o.base.GetMetadata(ctx, key)
}

// fallbackReadView adapts fallbackOverlay to ReadView. Deltas are not kept
// symbolic in fallback mode (there is only ever one writer in flight);
// DeltaResolved decodes whatever plain value is currently visible.
type fallbackReadView struct {
	overlay *fallbackOverlay
}

func (v *fallbackReadView) Get(ctx context.Context, key StateKey) ([]byte, bool, error) {
	return v.overlay.get(ctx, key)
}

func (v *fallbackReadView) GetMetadata(ctx context.Context, key StateKey) ([]byte, bool, error) {
	return v.overlay.getMetadata(ctx, key)
}

func (v *fallbackReadView) Exists(ctx context.Context, key StateKey) (bool, error) {
	_, ok, err := v.overlay.get(ctx, key)
	return ok, err
}

func (v *fallbackReadView) Size(ctx context.Context, key StateKey) (int, bool, error) {
	val, ok, err := v.overlay.get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	return len(val), true, nil
}

func (v *fallbackReadView) DeltaResolved(ctx context.Context, key StateKey) (*uint256.Int, bool, error) {
	raw, ok, err := v.overlay.get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return valueAsUint256(NewValueEntry(raw, nil)), true, nil
}

// runFallback re-executes the block with a single worker and no
// speculation, honoring the same gas-limit, SkipRest, delta and
// resource-group semantics as the parallel path. Only the base-view
// adapter is expected to produce a transient error (flaky underlying
// storage); retrying Execute is safe because nothing is written to the
// overlay until the attempt succeeds, so a retried read observes exactly
// the same state as the failed one.
func runFallback(ctx context.Context, cfg Config, base BaseView, vm VM, block []Transaction, execCtxFor func(TxnIndex) ExecContext, log *zap.Logger) (BlockResult, error) {
	if execCtxFor == nil {
		execCtxFor = func(TxnIndex) ExecContext { return nil }
	}
	overlay := newFallbackOverlay(base)
	limiter := newGasLimiter(cfg.BlockGasLimit)
	outputs := make([]TxnOutput, 0, len(block))
	reconfigured := false

	for i, txn := range block {
		idx := TxnIndex(i)
		view := &fallbackReadView{overlay: overlay}

		var out VMOutput
		attempt := func() error {
			var err error
			out, err = vm.Execute(ctx, txn, view, execCtxFor(idx))
			return err
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(attempt, bo); err != nil {
			log.Error("fallback execution failed", zap.Int("txn", i), zap.Error(err))
			return BlockResult{}, err
		}

		if admitted, truncate := limiter.Admit(out.Gas); truncate || !admitted {
			break
		}

		// There is only one writer in flight, so deltas materialize against
		// the concrete predecessor value right away.
		for key, entry := range out.Writes {
			if entry.Kind != EntryDelta {
				continue
			}
			raw, _, gerr := overlay.get(ctx, key)
			if gerr != nil {
				return BlockResult{}, gerr
			}
			next, derr := applyDelta(valueAsUint256(NewValueEntry(raw, nil)), entry.Delta)
			if derr != nil {
				out.Writes = nil
				out.GroupOps = nil
				out.Status = AbortStatus("delta_application_failure")
				break
			}
			out.Writes[key] = NewValueEntry(next.Bytes(), entry.Metadata)
		}

		for key, entry := range out.Writes {
			overlay.layer[key] = entry
		}
		for key, entry := range out.ModuleWrites {
			overlay.layer[key] = entry
		}
		for _, ev := range out.Events {
			if cfg.ReconfigurationEvent != "" && ev.Tag == cfg.ReconfigurationEvent {
				reconfigured = true
			}
		}
		outputs = append(outputs, TxnOutput{VMOutput: out})
		if out.Status.Kind == StatusSkipRest {
			break
		}
	}

	if err := applyGroupCoalescing(ctx, base, cfg.ResourceGroupMode, outputs); err != nil {
		return BlockResult{}, err
	}

	return BlockResult{Outputs: outputs, ReconfigurationDetected: reconfigured}, nil
}
