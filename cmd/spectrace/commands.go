// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/spectrace/pkg/logging"
	"github.com/AleutianAI/spectrace/pkg/ux"
	"github.com/AleutianAI/spectrace/services/spectrace/config"
	"github.com/AleutianAI/spectrace/services/spectrace/engine"
	"github.com/AleutianAI/spectrace/services/spectrace/telemetry"
	"github.com/spf13/cobra"
)

// app holds the global flags and the per-invocation output state.
type app struct {
	// --- Global flags ---
	configPath string
	dir        string
	logLevel   string
	logJSON    bool
	logDir     string
	trace      bool
	output     string

	// --- Command flags ---
	dryRun      bool
	metricsAddr string
	strict      bool
	level       string
	below       float64
	edgeKind    string
	compact     bool
	force       bool

	out    io.Writer
	errOut io.Writer

	metricsReady bool
	printer      *ux.Printer
	logger       *logging.Logger
	shutdown     func(context.Context) error
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if err != nil {
		if a.printer == nil {
			a.printer = ux.NewPrinter(out, errOut, ux.ModeMachine)
		}
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || exitErr.Err != nil {
			a.printer.Error(err.Error())
		}
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "spectrace",
		Short: "Trace requirements to code and tests",
		Long: `spectrace builds a traceability graph from requirement documents,
annotated code and tests, reports coverage and broken links, and writes
graph edits back into the source files.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default <dir>/"+config.FileName+")")
	flags.StringVarP(&a.dir, "dir", "C", ".", "repository root")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flags.BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")
	flags.StringVar(&a.logDir, "log-dir", "", "also append JSON logs to a daily file in this directory")
	flags.BoolVar(&a.trace, "trace", false, "export spans to stderr")
	flags.StringVar(&a.output, "output", "", "output style: rich, plain, machine (default: detected)")

	root.AddCommand(
		newInitCmd(a),
		newBuildCmd(a),
		newCheckCmd(a),
		newCoverageCmd(a),
		newShowCmd(a),
		newSearchCmd(a),
		newEditCmd(a),
		newWatchCmd(a),
	)
	return root
}

// setup installs logging, output styling and telemetry for one command.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:  level,
		JSON:   a.logJSON,
		LogDir: a.logDir,
		Writer: a.errOut,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger.Slog())

	mode := ux.ParseMode(a.output)
	if a.output == "" {
		mode = ux.ModeMachine
		if f, ok := a.out.(*os.File); ok {
			mode = ux.DetectMode(f)
		}
	}
	a.printer = ux.NewPrinter(a.out, a.errOut, mode)

	tcfg := telemetry.DefaultConfig()
	tcfg.Output = a.errOut
	if a.trace {
		tcfg.TraceExporter = telemetry.ExporterStdout
	}
	if cmd.Name() == "watch" && a.metricsAddr != "" {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
		a.metricsReady = true
	}
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) close() {
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// rootDir returns the positional directory when given, else --dir.
func (a *app) rootDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.dir
}

func (a *app) loadConfig(dir string) (config.Config, error) {
	if a.configPath != "" {
		return config.Load(a.configPath)
	}
	return config.LoadOrDefault(dir)
}

// openEngine loads the configuration of dir and builds its graph. Fragment
// errors are reported as warnings; the graph holds everything else.
func (a *app) openEngine(ctx context.Context, dir string) (*engine.Engine, error) {
	cfg, err := a.loadConfig(dir)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(dir, cfg)
	if err != nil {
		return nil, err
	}
	result, err := e.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building graph: %w", err)
	}
	for _, fe := range result.FileErrors {
		a.printer.Warning(fe.Error())
	}
	return e, nil
}
