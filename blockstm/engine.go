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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the façade over the whole component graph:
// scheduler, MVHashMap, executor pool, gas limiter, finalizer and fallback
// driver wired together behind one entry point.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithMetrics attaches a Metrics instance the engine updates as it runs.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine validates cfg and returns a reusable engine. One Engine may
// run many blocks sequentially; it holds no per-block state itself.
func NewEngine(cfg Config, log *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs block against base with vm as the transaction semantics
// collaborator, returning the sequential-equivalent BlockResult.
func (e *Engine) Execute(ctx context.Context, block []Transaction, base BaseView, vm VM, execCtxFor func(TxnIndex) ExecContext) (BlockResult, error) {
	if len(block) == 0 {
		return BlockResult{}, nil
	}
	if e.metrics != nil {
		start := time.Now()
		defer func() { e.metrics.BlockDuration.Observe(time.Since(start).Seconds()) }()
	}

	result, err := e.executeParallel(ctx, block, base, vm, execCtxFor)
	if err == nil {
		return result, nil
	}

	var hazard *ErrModulePathReadWrite
	if !errors.As(err, &hazard) {
		return BlockResult{}, err
	}

	if e.cfg.DiscardFailedBlocks {
		return BlockResult{}, err
	}
	if !e.cfg.AllowFallback {
		return BlockResult{}, err
	}

	e.log.Warn("module read-write hazard detected, falling back to sequential execution",
		zap.Int("txn_reader", int(hazard.Reader)), zap.Int("txn_writer", int(hazard.Writer)))
	if e.metrics != nil {
		e.metrics.Fallbacks.Inc()
	}
	return runFallback(ctx, e.cfg, base, vm, block, execCtxFor, e.log)
}

func (e *Engine) executeParallel(ctx context.Context, block []Transaction, base BaseView, vm VM, execCtxFor func(TxnIndex) ExecContext) (BlockResult, error) {
	n := len(block)
	sched := NewScheduler(n)
	mv := NewMVHashMap()

	if e.cfg.BlockGasLimit != nil {
		limiter := newGasLimiter(e.cfg.BlockGasLimit)
		sched.SetGasAdmitter(limiter.Admit)
	}

	executor := NewExecutor(sched, mv, base, vm, block, e.cfg, execCtxFor, e.log, e.metrics)

	workers := e.cfg.ConcurrencyLevel
	group, gctx := errgroup.WithContext(ctx)
	// Workers blocked inside NextTask cannot observe ctx; halting the
	// scheduler on cancellation unblocks them with a Done task.
	stop := context.AfterFunc(gctx, sched.Halt)
	defer stop()
	for w := 0; w < workers; w++ {
		group.Go(func() error {
			return executor.RunWorker(gctx)
		})
	}

	if err := group.Wait(); err != nil {
		sched.SetFatal(err)
		return BlockResult{}, err
	}

	result, err := finalize(ctx, sched, mv, base, e.cfg)
	if err != nil {
		return BlockResult{}, err
	}
	if e.metrics != nil {
		e.metrics.CommittedTxns.Add(float64(len(result.Outputs)))
	}
	return result, nil
}
