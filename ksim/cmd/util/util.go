// Copyright 2018 The gVisor Authors.
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

// Package util groups helpers shared by the ksim commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/xv6go/kmem/pkg/log"
)

// ErrorLogger is where error messages are copied to, in addition to stderr,
// when a log file is configured.
var ErrorLogger io.Writer

// Writef writes a message to stderr and to ErrorLogger.
func Writef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if _, err := fmt.Fprintln(os.Stderr, msg); err != nil {
		log.Warningf("Error writing to stderr: %v", err)
	}
	if ErrorLogger != nil {
		if _, err := fmt.Fprintln(ErrorLogger, msg); err != nil {
			log.Warningf("Error writing log: %v", err)
		}
	}
}

// Infof writes an informational message to stderr and to the log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	Writef(format, args...)
}

// Fatalf logs the same message as Writef and exits with a status that is
// unlikely to be confused with a command's own failure.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	Writef("ksim: "+format, args...)
	os.Exit(128)
}
