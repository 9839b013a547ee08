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

// Command blockstm-run drives the parallel executor against a JSON block
// fixture, for manual inspection and as a smoke test independent of the
// unit test suite.
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/erigontech/bsc-blockstm/blockstm"
	"github.com/erigontech/bsc-blockstm/config"
	"github.com/erigontech/bsc-blockstm/internal/demovm"
	"github.com/erigontech/bsc-blockstm/internal/fixture"
)

func main() {
	app := &cli.App{
		Name:  "blockstm-run",
		Usage: "run a JSON block fixture through the parallel executor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "fixture", Required: true, Usage: "path to a block fixture JSON file"},
			&cli.StringFlag{Name: "config", Usage: "path to a YAML engine config file"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "blockstm-run:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := newLogger(c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfgFile := config.Default()
	if path := c.String("config"); path != "" {
		cfgFile, err = config.Load(path)
		if err != nil {
			return err
		}
	}
	engineCfg, err := cfgFile.ToEngineConfig()
	if err != nil {
		return err
	}

	loaded, err := fixture.Load(c.String("fixture"), log)
	if err != nil {
		return err
	}
	if loaded.GasLimit != nil {
		engineCfg.BlockGasLimit = loaded.GasLimit
	}

	metrics := blockstm.NewMetrics(prometheus.DefaultRegisterer)
	engine, err := blockstm.NewEngine(engineCfg, log, blockstm.WithMetrics(metrics))
	if err != nil {
		return err
	}

	result, err := engine.Execute(c.Context, loaded.Block, loaded.Base, demovm.New(), nil)
	if err != nil {
		return fmt.Errorf("block execution failed: %w", err)
	}

	log.Info("block executed",
		zap.Int("committed", len(result.Outputs)),
		zap.Bool("reconfiguration_detected", result.ReconfigurationDetected))

	for i, out := range result.Outputs {
		log.Info("txn output",
			zap.Int("index", i),
			zap.Int("status", int(out.Status.Kind)),
			zap.Uint64("gas", out.Gas),
			zap.Int("writes", len(out.Writes)))
	}

	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
