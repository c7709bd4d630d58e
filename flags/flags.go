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

package flags

import (
	"time"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"
)

// Flags is the process-wide configuration. It is parsed once at startup
// and never mutated afterwards; components receive it by value.
type Flags struct {
	Log         FlagsLogs `embed:""                 prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7071" help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	FilterProcesses bool  `default:"false" help:"Only unwind stacks for the PIDs given with --pids."`
	Pids            []int `help:"PIDs to include when the process filter is enabled."`

	VerboseLogging bool `default:"false" help:"Log per-round unwinder statistics."`

	TableDirectory string        `default:""    help:"Directory with published unwind tables to load at startup."`
	StatsInterval  time.Duration `default:"10s" help:"How often to report unwinder statistics."`
}

func Parse() (Flags, error) {
	flags := Flags{}
	kong.Parse(&flags)
	flags.Log.ConfigureLogger()
	return flags, nil
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(msg string, args ...interface{}) ExitCode {
	log.Errorf(msg, args...)
	return ExitParseError
}

func Failure(msg string, args ...interface{}) ExitCode {
	log.Errorf(msg, args...)
	return ExitFailure
}

func (f Flags) Validate() ExitCode {
	if f.FilterProcesses && len(f.Pids) == 0 {
		return ParseError("--filter-processes requires at least one --pids entry")
	}

	if len(f.Pids) > 0 && !f.FilterProcesses {
		return ParseError("--pids has no effect without --filter-processes")
	}

	if f.StatsInterval <= 0 {
		return ParseError("Invalid argument for stats-interval: must be positive")
	}

	return ExitSuccess
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

func (f FlagsLogs) logrusLevel() log.Level {
	switch f.Level {
	case "error":
		return log.ErrorLevel
	case "warn":
		return log.WarnLevel
	case "info":
		return log.InfoLevel
	case "debug":
		return log.DebugLevel
	default:
		return log.InfoLevel
	}
}

func (f FlagsLogs) logrusFormatter() log.Formatter {
	switch f.Format {
	case "logfmt":
		return &log.TextFormatter{}
	case "json":
		return &log.JSONFormatter{}
	default:
		return &log.TextFormatter{}
	}
}

func (f FlagsLogs) ConfigureLogger() {
	log.SetLevel(f.logrusLevel())
	log.SetFormatter(f.logrusFormatter())
}
