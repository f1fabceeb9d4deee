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

package log

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// glogTime is the timestamp layout of a glog header.
const glogTime = "0102 15:04:05.000000"

// pid is the right-aligned thread ID column of every header.
var pid = leftPad(strconv.Itoa(os.Getpid()), 7)

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

// levelChar returns the single character glog uses for l.
func levelChar(l Level) byte {
	switch l {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	default:
		return 'D'
	}
}

// callerLocation returns "file:line" for the caller depth frames above its
// own caller, with the directory trimmed.
func callerLocation(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is the level ('W', 'I' or 'D') and threadid is the space-padded
// process ID.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	b = append(b, levelChar(level))
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, callerLocation(depth+1)...)
	b = append(b, "] "...)

	// The header is not a format.
	header := strings.ReplaceAll(string(b), "%", "%%")
	g.Writer.Emit(depth, level, timestamp, header+format+"\n", args...)
}
