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

// Package util groups helpers shared by iommuctl commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/bittervan/iommu-driver/pkg/log"
)

// ErrorLogger is where error messages are written to in addition to the
// debug log. It defaults to stderr.
var ErrorLogger io.Writer = os.Stderr

// Writef writes message to stdout and logs it to the log.
func Writef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debugf("%s", msg)
	fmt.Fprintln(os.Stdout, msg)
}

// Errorf logs error to the debug log and to ErrorLogger. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("%s", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "iommuctl: %s\n", msg)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}
