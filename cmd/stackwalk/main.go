// Copyright 2023-2024 The Stackwalk Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polarmonk/stackwalk/flags"
	"github.com/polarmonk/stackwalk/pkg/profiler"
	"github.com/polarmonk/stackwalk/pkg/unwind"
)

// Set by goreleaser.
var version string

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	if f.Version {
		fmt.Printf("stackwalk %s\n", version)
		os.Exit(int(flags.ExitSuccess))
	}

	if code := f.Validate(); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	logger := f.Log.Logger()
	level.Info(logger).Log("msg", "starting stackwalk", "version", version)

	if code := mainWithExitCode(logger, f); code != flags.ExitSuccess {
		os.Exit(int(code))
	}
}

func mainWithExitCode(logger log.Logger, f flags.Flags) flags.ExitCode {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	statsInterval := f.StatsInterval
	if !f.VerboseLogging {
		statsInterval = 0
	}
	p := profiler.New(logger, reg, profiler.Config{
		FilterProcesses: f.FilterProcesses,
		AllowedPIDs:     f.Pids,
		StatsInterval:   statsInterval,
	}, nil)

	if f.TableDirectory != "" {
		if err := loadTables(logger, p, f.TableDirectory); err != nil {
			level.Error(logger).Log("msg", "failed to load unwind tables", "err", err)
			return flags.ExitFailure
		}
	}

	for _, pid := range f.Pids {
		missing, err := p.AddProcess(pid)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to add process", "pid", pid, "err", err)
			continue
		}
		for id, path := range missing {
			level.Warn(logger).Log("msg", "no unwind table for executable", "pid", pid, "executableID", id, "path", path)
		}
	}

	var g run.Group

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return p.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              f.HTTPAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			level.Info(logger).Log("msg", "http server listening", "addr", f.HTTPAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var signalErr run.SignalError
		if errors.As(err, &signalErr) {
			level.Info(logger).Log("msg", "terminating", "signal", signalErr.Signal)
			return flags.ExitSuccess
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			return flags.ExitSuccess
		}
		level.Error(logger).Log("msg", "terminating with error", "err", err)
		return flags.ExitFailure
	}
	return flags.ExitSuccess
}

// loadTables publishes every table file found in dir. Files are
// expected in the interchange format produced by unwind.WriteTable.
func loadTables(logger log.Logger, p *profiler.Profiler, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read table directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := loadTable(p, path); err != nil {
			return fmt.Errorf("load table %s: %w", path, err)
		}
		level.Debug(logger).Log("msg", "loaded unwind table", "path", path)
	}
	return nil
}

func loadTable(p *profiler.Profiler, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	executableID, table, err := unwind.ReadTable(f)
	if err != nil {
		return err
	}
	return p.PublishTable(executableID, table)
}
