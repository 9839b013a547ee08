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

	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// CapturedView is the read proxy handed to the VM for one incarnation
//. Every read consults the MVHashMap at a fixed TxnIndex and
// is appended to an in-progress CapturedReads; a read that observes
// Estimate raises *dependencySignal rather than falling through.
type CapturedView struct {
	mv     *MVHashMap
	base   BaseView
	index  TxnIndex
	deltas bool
	reads  CapturedReads
}

func newCapturedView(mv *MVHashMap, base BaseView, index TxnIndex, deltaLayerEnabled bool) *CapturedView {
	return &CapturedView{mv: mv, base: base, index: index, deltas: deltaLayerEnabled}
}

func (v *CapturedView) Get(ctx context.Context, key StateKey) ([]byte, bool, error) {
	res, err := v.mv.Read(ctx, key, v.index, v.base)
	if err != nil {
		return nil, false, err
	}
	switch res.Kind {
	case ReadIsDependency:
		return nil, false, &dependencySignal{Blocker: res.Blocker}
	case ReadFromWriter:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindValue, Source: ReadSource{Writer: res.Writer}})
		if res.Entry.Kind == EntryDeletion {
			return nil, false, nil
		}
		return res.Entry.Value, true, nil
	default: // ReadFromBase
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindValue, Source: ReadSource{FromBase: true}})
		if v.base == nil {
			return nil, false, nil
		}
		val, ok, err := v.base.Get(ctx, key)
		return val, ok, err
	}
}

func (v *CapturedView) GetMetadata(ctx context.Context, key StateKey) ([]byte, bool, error) {
	res, err := v.mv.Read(ctx, key, v.index, v.base)
	if err != nil {
		return nil, false, err
	}
	switch res.Kind {
	case ReadIsDependency:
		return nil, false, &dependencySignal{Blocker: res.Blocker}
	case ReadFromWriter:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindMetadata, Source: ReadSource{Writer: res.Writer}})
		return res.Entry.Metadata, res.Entry.Metadata != nil, nil
	default:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindMetadata, Source: ReadSource{FromBase: true}})
		if v.base == nil {
			return nil, false, nil
		}
		meta, ok, err := v.base.GetMetadata(ctx, key)
		return meta, ok, err
	}
}

func (v *CapturedView) Exists(ctx context.Context, key StateKey) (bool, error) {
	_, ok, err := v.Get(ctx, key)
	return ok, err
}

func (v *CapturedView) Size(ctx context.Context, key StateKey) (int, bool, error) {
	val, ok, err := v.Get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	return len(val), true, nil
}

// DeltaResolved performs a snapshot read of a delta-valued counter:
// the resolved value is recorded without committing a concrete write.
func (v *CapturedView) DeltaResolved(ctx context.Context, key StateKey) (*uint256.Int, bool, error) {
	if !v.deltas {
		raw, ok, err := v.Get(ctx, key)
		if err != nil || !ok {
			return nil, ok, err
		}
		return valueAsUint256(NewValueEntry(raw, nil)), true, nil
	}

	res, err := v.mv.Read(ctx, key, v.index, v.base)
	if err != nil {
		return nil, false, err
	}
	switch res.Kind {
	case ReadIsDependency:
		return nil, false, &dependencySignal{Blocker: res.Blocker}
	case ReadResolvedDelta:
		v.reads = append(v.reads, ReadDescriptor{
			Key: key, Kind: ReadKindDeltaResolved, Source: res.SnapshotWriter,
			ResolvedValue: res.ResolvedValue,
		})
		return res.ResolvedValue, true, nil
	case ReadFromWriter:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindDeltaResolved, Source: ReadSource{Writer: res.Writer}})
		if res.Entry.Kind == EntryDeletion {
			return nil, false, nil
		}
		return valueAsUint256(res.Entry), true, nil
	default:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindDeltaResolved, Source: ReadSource{FromBase: true}})
		if v.base == nil {
			return new(uint256.Int), true, nil
		}
		raw, ok, err := v.base.Get(ctx, key)
		if err != nil || !ok {
			return new(uint256.Int), ok, err
		}
		return valueAsUint256(NewValueEntry(raw, nil)), true, nil
	}
}

// Executor runs the per-worker loop: pull a task, run it to completion
// without holding any scheduler lock, report back.
type Executor struct {
	sched      *Scheduler
	mv         *MVHashMap
	base       BaseView
	vm         VM
	block      []Transaction
	cfg        Config
	execCtxFor func(TxnIndex) ExecContext
	log        *zap.Logger
	metrics    *Metrics
}

// NewExecutor wires a worker loop against the given scheduler and store.
func NewExecutor(sched *Scheduler, mv *MVHashMap, base BaseView, vm VM, block []Transaction, cfg Config, execCtxFor func(TxnIndex) ExecContext, log *zap.Logger, metrics *Metrics) *Executor {
	if execCtxFor == nil {
		execCtxFor = func(TxnIndex) ExecContext { return nil }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{sched: sched, mv: mv, base: base, vm: vm, block: block, cfg: cfg, execCtxFor: execCtxFor, log: log, metrics: metrics}
}

// RunWorker pulls tasks until the scheduler reports Done. Safe to invoke
// concurrently from many goroutines against the same Executor.
func (e *Executor) RunWorker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task := e.sched.NextTask()
		switch task.Kind {
		case TaskDone:
			return nil
		case TaskNone:
			continue
		case TaskExecute:
			if err := e.runExecute(ctx, task.Index, task.Incarnation); err != nil {
				return err
			}
		case TaskValidate:
			e.runValidate(ctx, task.Index, task.Incarnation, task.Wave)
		}
	}
}

func (e *Executor) runExecute(ctx context.Context, i TxnIndex, k Incarnation) error {
	for {
		if e.metrics != nil {
			e.metrics.Executions.Inc()
		}
		view := newCapturedView(e.mv, e.base, i, e.cfg.DeltaLayerEnabled)
		out, err := e.vm.Execute(ctx, e.block[i], view, e.execCtxFor(i))
		if err == nil && !e.cfg.DeltaLayerEnabled {
			out, err = concretizeDeltaWrites(ctx, view, out)
		}
		if err != nil {
			var dep *dependencySignal
			if errors.As(err, &dep) {
				if parked := e.sched.AddDependency(i, dep.Blocker); parked {
					return nil
				}
				// Blocker already settled between the read and here: retry
				// as the same incarnation instead of reporting a result.
				continue
			}
			e.sched.SetFatal(err) // base-view I/O failure: fatal to the block
			return err
		}

		version := Version{TxnIndex: i, Incarnation: k}
		for key, entry := range out.Writes {
			if werr := e.mv.Write(key, version, entry); werr != nil {
				e.sched.SetFatal(werr)
				return werr
			}
		}
		for key, entry := range out.ModuleWrites {
			if werr := e.mv.Write(key, version, entry); werr != nil {
				e.sched.SetFatal(werr)
				return werr
			}
		}

		e.sched.FinishExecution(e.mv, i, k, TxnOutput{VMOutput: out, Reads: view.reads})
		return nil
	}
}

// concretizeDeltaWrites rewrites an output's delta writes into ordinary
// read-then-write values, used when the delta layer is disabled: the
// predecessor value is read through the captured view, so validation treats
// the counter like any other contended key.
func concretizeDeltaWrites(ctx context.Context, view *CapturedView, out VMOutput) (VMOutput, error) {
	for key, entry := range out.Writes {
		if entry.Kind != EntryDelta {
			continue
		}
		cur, ok, err := view.DeltaResolved(ctx, key)
		if err != nil {
			return out, err
		}
		if !ok || cur == nil {
			cur = new(uint256.Int)
		}
		next, derr := applyDelta(cur, entry.Delta)
		if derr != nil {
			out.Writes = nil
			out.GroupOps = nil
			out.Status = AbortStatus("delta_application_failure")
			return out, nil
		}
		out.Writes[key] = NewValueEntry(next.Bytes(), entry.Metadata)
	}
	return out, nil
}

func (e *Executor) runValidate(ctx context.Context, i TxnIndex, k Incarnation, wave uint64) {
	if e.metrics != nil {
		e.metrics.Validations.Inc()
	}
	output, _ := e.sched.Slot(i)
	ok := e.revalidate(ctx, i, output.Reads)
	if !ok {
		e.log.Debug("validation failed, re-incarnating",
			zap.Int("txn", int(i)), zap.Int("incarnation", int(k)))
		if e.metrics != nil {
			e.metrics.ValidationFails.Inc()
			e.metrics.Aborts.Inc()
		}
	}
	e.sched.FinishValidation(e.mv, i, k, wave, ok)
}

// revalidate re-runs only the captured reads: every recorded read is
// re-issued against the MVHashMap at the same index and compared against
// what was recorded.
func (e *Executor) revalidate(ctx context.Context, i TxnIndex, reads CapturedReads) bool {
	for _, rd := range reads {
		res, err := e.mv.Read(ctx, rd.Key, i, e.base)
		if err != nil {
			return false
		}
		if res.Kind == ReadIsDependency {
			return false
		}
		if !sourcesEqual(rd.Source, res, rd.Kind) {
			return false
		}
		if rd.Kind == ReadKindDeltaResolved {
			if res.Kind != ReadResolvedDelta {
				// Same writer or base as recorded (sourcesEqual above); only a
				// read that had resolved through a delta chain has changed.
				if rd.ResolvedValue != nil {
					return false
				}
				continue
			}
			if rd.ResolvedValue == nil || res.ResolvedValue == nil || rd.ResolvedValue.Cmp(res.ResolvedValue) != 0 {
				return false
			}
		}
	}
	return true
}

func sourcesEqual(recorded ReadSource, res ReadResult, kind ReadKind) bool {
	switch res.Kind {
	case ReadFromBase:
		return recorded.FromBase
	case ReadFromWriter:
		return !recorded.FromBase && recorded.Writer == res.Writer
	case ReadResolvedDelta:
		return !recorded.FromBase == !res.SnapshotWriter.FromBase && recorded.Writer == res.SnapshotWriter.Writer
	default:
		return false
	}
}
