// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for iommuctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/bittervan/iommu-driver/iommuctl/cmd"
	"github.com/bittervan/iommu-driver/iommuctl/cmd/util"
	"github.com/bittervan/iommu-driver/iommuctl/config"
	"github.com/bittervan/iommu-driver/pkg/log"
)

// version is set at link time with -X.
var version = "unknown"

var (
	showVersion = flag.Bool("version", false, "show version and exit.")
	logFile     = flag.String("log", "", "file to append logs to. Logs go to stderr if empty.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "iommuctl version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		defer f.Close()
		out = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** iommuctl ****************`
	log.Debugf(delimString)
	log.Debugf("Version %s, %s, %s, %s, PID %d", version, runtime.Version(), runtime.GOARCH, runtime.GOOS, os.Getpid())
	log.Debugf("Args: %v", os.Args)
	if conf.Debug {
		conf.Log()
	}
	log.Debugf(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Debugf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// iommuctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.ReplayCmd), "")
	cb(new(cmd.BenchCmd), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		l := logrus.New()
		l.SetOutput(logFile)
		return log.NewLogrusEmitter(l)
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
