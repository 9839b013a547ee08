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

// Package config loads the engine's external configuration surface
// from YAML, the way erigon's own node config is assembled: a typed struct
// with yaml tags, human-readable sizes via datasize, and sane defaults.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/erigontech/bsc-blockstm/blockstm"
)

// File is the on-disk shape of a run's configuration.
type File struct {
	ConcurrencyLevel     int    `yaml:"concurrency_level"`
	BlockGasLimit        string `yaml:"block_gas_limit"` // e.g. "30M"; empty means unlimited
	AllowFallback        bool   `yaml:"allow_fallback"`
	DiscardFailedBlocks  bool   `yaml:"discard_failed_blocks"`
	ResourceGroupMode    string `yaml:"resource_group_mode"` // "v0" | "v1"
	DeltaLayerEnabled    bool   `yaml:"delta_layer_enabled"`
	ReconfigurationEvent string `yaml:"reconfiguration_event"`
}

// Default returns the file-level defaults applied before YAML overrides.
func Default() File {
	return File{
		ConcurrencyLevel:    4,
		AllowFallback:       true,
		DiscardFailedBlocks: false,
		ResourceGroupMode:   "v0",
		DeltaLayerEnabled:   true,
	}
}

// Load reads and parses a YAML config file at path, starting from Default().
func Load(path string) (File, error) {
	f := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return f, nil
}

// ToEngineConfig translates the YAML surface into blockstm.Config.
func (f File) ToEngineConfig() (blockstm.Config, error) {
	cfg := blockstm.Config{
		ConcurrencyLevel:     f.ConcurrencyLevel,
		AllowFallback:        f.AllowFallback,
		DiscardFailedBlocks:  f.DiscardFailedBlocks,
		DeltaLayerEnabled:    f.DeltaLayerEnabled,
		ReconfigurationEvent: f.ReconfigurationEvent,
	}

	if f.BlockGasLimit != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(f.BlockGasLimit)); err != nil {
			return blockstm.Config{}, fmt.Errorf("config: block_gas_limit %q: %w", f.BlockGasLimit, err)
		}
		limit := sz.Bytes()
		cfg.BlockGasLimit = &limit
	}

	switch f.ResourceGroupMode {
	case "", "v0":
		cfg.ResourceGroupMode = blockstm.ResourceGroupV0
	case "v1":
		cfg.ResourceGroupMode = blockstm.ResourceGroupV1
	default:
		return blockstm.Config{}, fmt.Errorf("config: unknown resource_group_mode %q", f.ResourceGroupMode)
	}

	return cfg, nil
}
