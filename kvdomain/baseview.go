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

package kvdomain

import (
	"context"

	"go.uber.org/zap"

	"github.com/erigontech/bsc-blockstm/blockstm"
)

// MapBaseView is a demo/fixture blockstm.BaseView: a fixed snapshot of
// domain-qualified keys to values, with optional per-read trace logging.
// It plays the role HistoryReaderV3 plays for erigon's state package, minus
// the temporal-tx plumbing: there is exactly one implicit "as-of" point,
// the one the block executes against.
type MapBaseView struct {
	values   map[string][]byte
	metadata map[string][]byte
	trace    bool
	log      *zap.Logger
}

// NewMapBaseView builds a base view over values; metadata may be nil.
func NewMapBaseView(values, metadata map[string][]byte, log *zap.Logger) *MapBaseView {
	if values == nil {
		values = make(map[string][]byte)
	}
	if metadata == nil {
		metadata = make(map[string][]byte)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MapBaseView{values: values, metadata: metadata, log: log}
}

// SetTrace toggles per-read debug logging.
func (v *MapBaseView) SetTrace(trace bool) { v.trace = trace }

func (v *MapBaseView) Get(ctx context.Context, key blockstm.StateKey) ([]byte, bool, error) {
	val, ok := v.values[string(key)]
	if v.trace {
		v.log.Debug("kvdomain base read", zap.String("key", string(key)), zap.Bool("found", ok))
	}
	return val, ok, nil
}

func (v *MapBaseView) GetMetadata(ctx context.Context, key blockstm.StateKey) ([]byte, bool, error) {
	meta, ok := v.metadata[string(key)]
	if v.trace {
		v.log.Debug("kvdomain metadata read", zap.String("key", string(key)), zap.Bool("found", ok))
	}
	return meta, ok, nil
}

var _ blockstm.BaseView = (*MapBaseView)(nil)
