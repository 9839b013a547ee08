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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// randomOp is a tiny read-modify-write against one of a small set of shared
// counters, generated so a rapid run can explore arbitrary read/write
// interleavings across the block.
type randomOp struct {
	readKey  StateKey
	writeKey StateKey
	delta    int64
}

func (op randomOp) toTxn() scenarioTxn {
	return scenarioTxn{run: func(ctx context.Context, view ReadView) (VMOutput, error) {
		raw, _, err := view.Get(ctx, op.readKey)
		if err != nil {
			return VMOutput{}, err
		}
		cur := int64(0)
		if len(raw) > 0 {
			cur = int64(u256(0).SetBytes(raw).Uint64())
		}
		next := cur + op.delta
		if next < 0 {
			next = 0
		}
		return VMOutput{
			Writes: map[StateKey]Entry{op.writeKey: NewValueEntry(u256(uint64(next)).Bytes(), nil)},
			Status: KeepStatus("ok"),
		}, nil
	}}
}

// TestParallelExecutionMatchesSequentialFallback checks the engine's core
// property: for any block built only from read-then-write operations (no module
// publishing, no resource groups, no gas limit), the engine's parallel
// result must be byte-identical, txn by txn, to a strictly sequential run.
func TestParallelExecutionMatchesSequentialFallback(t *testing.T) {
	keys := []StateKey{"k0", "k1", "k2", "k3"}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		block := make([]Transaction, n)
		for i := 0; i < n; i++ {
			op := randomOp{
				readKey:  keys[rapid.IntRange(0, len(keys)-1).Draw(rt, fmt.Sprintf("read%d", i))],
				writeKey: keys[rapid.IntRange(0, len(keys)-1).Draw(rt, fmt.Sprintf("write%d", i))],
				delta:    rapid.Int64Range(-5, 5).Draw(rt, fmt.Sprintf("delta%d", i)),
			}
			block[i] = op.toTxn()
		}

		base := &fakeBase{values: map[StateKey][]byte{}}
		e, err := NewEngine(Config{ConcurrencyLevel: 4}, nil)
		require.NoError(rt, err)

		parallel, err := e.Execute(context.Background(), block, base, scenarioVM{}, nil)
		require.NoError(rt, err)

		sequential, err := runFallback(context.Background(), Config{}, base, scenarioVM{}, block, noExecCtx, zap.NewNop())
		require.NoError(rt, err)

		require.Len(rt, parallel.Outputs, len(sequential.Outputs))
		for i := range sequential.Outputs {
			for key, entry := range sequential.Outputs[i].Writes {
				require.Equal(rt, entry.Value, parallel.Outputs[i].Writes[key].Value,
					"txn %d key %q diverged between parallel and sequential execution", i, key)
			}
		}
	})
}
