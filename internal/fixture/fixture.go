// Copyright 2015 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
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

// Package fixture loads a JSON block fixture for cmd/blockstm-run: a
// pre-state allocation plus an ordered list of demo-VM transactions,
// mirroring the general-state-test JSON shape (env/pre/transaction/post)
// trimmed to what this engine's demo VM understands.
package fixture

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/erigontech/bsc-blockstm/blockstm"
	"github.com/erigontech/bsc-blockstm/internal/demovm"
	"github.com/erigontech/bsc-blockstm/kvdomain"
)

// File is the on-disk fixture shape.
type File struct {
	Pre      map[string]string `json:"pre"` // account name -> hex-encoded balance
	Block    []demovm.Txn      `json:"block"`
	GasLimit *uint64           `json:"gas_limit,omitempty"`
}

// Result bundles what a loaded fixture hands to the Engine.
type Result struct {
	Base     *kvdomain.MapBaseView
	Block    []blockstm.Transaction
	GasLimit *uint64 // overrides the config's block gas limit when set
}

// Load reads and decodes a fixture from path.
func Load(path string, log *zap.Logger) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("fixture: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return Result{}, fmt.Errorf("fixture: parsing %s: %w", path, err)
	}

	values := make(map[string][]byte, len(f.Pre))
	for name, hexVal := range f.Pre {
		b, err := decodeHex(hexVal)
		if err != nil {
			return Result{}, fmt.Errorf("fixture: pre[%s]: %w", name, err)
		}
		values[kvdomain.Key(kvdomain.AccountsDomain, name)] = b
	}

	block := make([]blockstm.Transaction, len(f.Block))
	for i, txn := range f.Block {
		block[i] = txn
	}

	return Result{Base: kvdomain.NewMapBaseView(values, nil, log), Block: block, GasLimit: f.GasLimit}, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
