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
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scenarioTxn lets each end-to-end scenario describe its own VM
// behavior inline instead of standing up a full transaction language.
type scenarioTxn struct {
	run func(ctx context.Context, view ReadView) (VMOutput, error)
}

type scenarioVM struct{}

func (scenarioVM) Execute(ctx context.Context, txn Transaction, view ReadView, _ ExecContext) (VMOutput, error) {
	return txn.(scenarioTxn).run(ctx, view)
}

func writeTxn(key StateKey, value string) scenarioTxn {
	return scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		return VMOutput{Writes: map[StateKey]Entry{key: NewValueEntry([]byte(value), nil)}, Status: KeepStatus("ok")}, nil
	}}
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)
	return e
}

// Scenario 1: disjoint writers, no re-executions required.
func TestScenarioDisjointWriters(t *testing.T) {
	e := mustEngine(t, Config{ConcurrencyLevel: 4})
	block := []Transaction{
		writeTxn("a", "1"),
		writeTxn("b", "2"),
		writeTxn("c", "3"),
	}
	result, err := e.Execute(context.Background(), block, &fakeBase{values: map[StateKey][]byte{}}, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 3)
	require.Equal(t, []byte("1"), result.Outputs[0].Writes["a"].Value)
	require.Equal(t, []byte("2"), result.Outputs[1].Writes["b"].Value)
	require.Equal(t, []byte("3"), result.Outputs[2].Writes["c"].Value)
}

// Scenario 2: read-after-write; any schedule that observed x=0 must be
// invalidated and re-run so that y ends up 11.
func TestScenarioReadAfterWrite(t *testing.T) {
	e := mustEngine(t, Config{ConcurrencyLevel: 4})
	base := &fakeBase{values: map[StateKey][]byte{"x": u256(0).Bytes()}}

	t0 := scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		return VMOutput{Writes: map[StateKey]Entry{"x": NewValueEntry(u256(10).Bytes(), nil)}, Status: KeepStatus("ok")}, nil
	}}
	t1 := scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		raw, _, err := view.Get(ctx, "x")
		if err != nil {
			return VMOutput{}, err
		}
		y := u256(0).SetBytes(raw).Uint64() + 1
		return VMOutput{Writes: map[StateKey]Entry{"y": NewValueEntry(u256(y).Bytes(), nil)}, Status: KeepStatus("ok")}, nil
	}}

	result, err := e.Execute(context.Background(), []Transaction{t0, t1}, base, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	require.Equal(t, uint64(11), u256(0).SetBytes(result.Outputs[1].Writes["y"].Value).Uint64())
}

// Scenario 3: a hot counter touched by many txns via the delta layer must
// materialize to the sequential sum with nothing left symbolic.
func TestScenarioHotCounterViaDelta(t *testing.T) {
	const n = 50
	e := mustEngine(t, Config{ConcurrencyLevel: 8, DeltaLayerEnabled: true})
	base := &fakeBase{values: map[StateKey][]byte{"counter": u256(0).Bytes()}}

	block := make([]Transaction, n)
	for i := range block {
		block[i] = scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
			_, _, err := view.DeltaResolved(ctx, "counter")
			if err != nil {
				return VMOutput{}, err
			}
			op := DeltaOp{Kind: DeltaAdd, Amount: u256(1)}
			return VMOutput{Writes: map[StateKey]Entry{"counter": NewDeltaEntry(op)}, Status: KeepStatus("ok")}, nil
		}}
	}

	result, err := e.Execute(context.Background(), block, base, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, n)
	last := result.Outputs[n-1].Writes["counter"]
	require.Equal(t, EntryValue, last.Kind, "no delta may remain symbolic in the emitted write")
	require.Equal(t, uint64(n), u256(0).SetBytes(last.Value).Uint64())
}

// Scenario 4: once a bounded counter's upper bound would be crossed, every
// further txn is rewritten to Abort via DeltaApplicationFailure; the block
// itself is not truncated.
func TestScenarioOverflowDeltaAborts(t *testing.T) {
	const n = 10
	const bound = 5
	e := mustEngine(t, Config{ConcurrencyLevel: 4, DeltaLayerEnabled: true})
	base := &fakeBase{values: map[StateKey][]byte{"counter": u256(0).Bytes()}}

	block := make([]Transaction, n)
	for i := range block {
		block[i] = scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
			op := DeltaOp{Kind: DeltaAdd, Amount: u256(1), Lo: u256(0), Hi: u256(bound)}
			return VMOutput{Writes: map[StateKey]Entry{"counter": NewDeltaEntry(op)}, Status: KeepStatus("ok")}, nil
		}}
	}

	result, err := e.Execute(context.Background(), block, base, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, n)

	committed := 0
	for _, out := range result.Outputs {
		if out.Status.Kind == StatusKeep {
			committed++
		}
	}
	require.LessOrEqual(t, committed, bound)
}

// A committed txn whose delta fails materialization is rewritten to Abort
// and its delta drops out of the chain: a later delta on the same counter
// must resolve exactly as a sequential run would.
func TestScenarioFailedDeltaDoesNotPoisonLaterDeltas(t *testing.T) {
	e := mustEngine(t, Config{ConcurrencyLevel: 2, DeltaLayerEnabled: true})
	base := &fakeBase{values: map[StateKey][]byte{"counter": u256(5).Bytes()}}

	mk := func(op DeltaOp) Transaction {
		return scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
			return VMOutput{Writes: map[StateKey]Entry{"counter": NewDeltaEntry(op)}, Status: KeepStatus("ok")}, nil
		}}
	}
	block := []Transaction{
		mk(DeltaOp{Kind: DeltaAdd, Amount: u256(1), Lo: u256(0), Hi: u256(5)}), // 5+1 > 5: aborts
		mk(DeltaOp{Kind: DeltaSub, Amount: u256(1), Lo: u256(0), Hi: u256(5)}), // 5-1 = 4
	}

	result, err := e.Execute(context.Background(), block, base, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	require.Equal(t, StatusAbort, result.Outputs[0].Status.Kind)
	require.Equal(t, StatusKeep, result.Outputs[1].Status.Kind)
	require.Equal(t, uint64(4), u256(0).SetBytes(result.Outputs[1].Writes["counter"].Value).Uint64())
}

// Scenario 5: a module hazard triggers the fallback driver when allowed.
func TestScenarioModuleHazardFallback(t *testing.T) {
	e := mustEngine(t, Config{ConcurrencyLevel: 4, AllowFallback: true})

	publish := scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		return VMOutput{ModuleWrites: map[StateKey]Entry{"m": NewValueEntry([]byte("code"), nil)}, Status: KeepStatus("published")}, nil
	}}
	call := scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		_, _, err := view.Get(ctx, "m")
		if err != nil {
			return VMOutput{}, err
		}
		return VMOutput{Status: KeepStatus("called"), ReadsModule: true}, nil
	}}

	result, err := e.Execute(context.Background(), []Transaction{publish, call}, &fakeBase{values: map[StateKey][]byte{}}, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
}

// Scenario 6: a configured gas limit truncates the committed suffix.
func TestScenarioGasLimitTruncation(t *testing.T) {
	const perTxnGas = 10
	limit := uint64(25)
	e := mustEngine(t, Config{ConcurrencyLevel: 1, BlockGasLimit: &limit})

	block := make([]Transaction, 10)
	for i := range block {
		key := StateKey(rune('a' + i))
		block[i] = scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
			return VMOutput{Writes: map[StateKey]Entry{key: NewValueEntry([]byte("v"), nil)}, Gas: perTxnGas, Status: KeepStatus("ok")}, nil
		}}
	}

	result, err := e.Execute(context.Background(), block, &fakeBase{values: map[StateKey][]byte{}}, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 3, "10+10+10 > 25 must truncate at txn 3")
}

func TestScenarioEmptyBlock(t *testing.T) {
	e := mustEngine(t, Config{ConcurrencyLevel: 4})
	result, err := e.Execute(context.Background(), nil, &fakeBase{values: map[StateKey][]byte{}}, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Empty(t, result.Outputs)
}

// A SkipRest status commits its own txn and truncates everything after it.
func TestScenarioSkipRestTruncatesBlock(t *testing.T) {
	e := mustEngine(t, Config{ConcurrencyLevel: 2})

	skip := scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		return VMOutput{Writes: map[StateKey]Entry{"b": NewValueEntry([]byte("2"), nil)}, Status: SkipRestStatus()}, nil
	}}
	block := []Transaction{writeTxn("a", "1"), skip, writeTxn("c", "3"), writeTxn("d", "4")}

	result, err := e.Execute(context.Background(), block, &fakeBase{values: map[StateKey][]byte{}}, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	require.Equal(t, StatusSkipRest, result.Outputs[1].Status.Kind)
}

// With the delta layer disabled, aggregator updates degrade to ordinary
// read-then-writes: the emitted values are concrete and still sum correctly.
func TestScenarioCounterWithDeltaLayerDisabled(t *testing.T) {
	const n = 20
	e := mustEngine(t, Config{ConcurrencyLevel: 4, DeltaLayerEnabled: false})
	base := &fakeBase{values: map[StateKey][]byte{"counter": u256(0).Bytes()}}

	block := make([]Transaction, n)
	for i := range block {
		block[i] = scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
			op := DeltaOp{Kind: DeltaAdd, Amount: u256(1)}
			return VMOutput{Writes: map[StateKey]Entry{"counter": NewDeltaEntry(op)}, Status: KeepStatus("ok")}, nil
		}}
	}

	result, err := e.Execute(context.Background(), block, base, scenarioVM{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outputs, n)
	last := result.Outputs[n-1].Writes["counter"]
	require.Equal(t, EntryValue, last.Kind)
	require.Equal(t, uint64(n), u256(0).SetBytes(last.Value).Uint64())
}

// Determinism under scheduling: the same block must produce identical
// outputs at every concurrency level.
func TestScenarioDeterminismAcrossConcurrencyLevels(t *testing.T) {
	makeBlock := func() []Transaction {
		block := make([]Transaction, 12)
		for i := range block {
			readKey := StateKey([]string{"p", "q", "r"}[i%3])
			writeKey := StateKey([]string{"q", "r", "p"}[i%3])
			block[i] = scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
				raw, _, err := view.Get(ctx, readKey)
				if err != nil {
					return VMOutput{}, err
				}
				next := u256(0).SetBytes(raw).Uint64() + 1
				return VMOutput{Writes: map[StateKey]Entry{writeKey: NewValueEntry(u256(next).Bytes(), nil)}, Status: KeepStatus("ok")}, nil
			}}
		}
		return block
	}

	var reference BlockResult
	for levelIdx, level := range []int{1, 2, 8} {
		e := mustEngine(t, Config{ConcurrencyLevel: level})
		base := &fakeBase{values: map[StateKey][]byte{}}
		result, err := e.Execute(context.Background(), makeBlock(), base, scenarioVM{}, nil)
		require.NoError(t, err)
		if levelIdx == 0 {
			reference = result
			continue
		}
		require.Len(t, result.Outputs, len(reference.Outputs))
		for i := range reference.Outputs {
			for key, entry := range reference.Outputs[i].Writes {
				require.Equal(t, entry.Value, result.Outputs[i].Writes[key].Value,
					"txn %d key %q diverged at concurrency %d", i, key, level)
			}
		}
	}
}
