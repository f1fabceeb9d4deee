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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Time      time.Time `json:"time"`
	Level     Level     `json:"level"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
	Caller    string    `json:"caller,omitempty"`
}

var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts both
// level names and their integer values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		if _, ok := levelNames[Level(n)]; ok {
			*l = Level(n)
			return nil
		}
		return fmt.Errorf("unknown level %d", n)
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("unknown level %s", b)
	}
	for lv, s := range levelNames {
		if s == name {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", name)
}

// splitSubsystem splits a message of the form "pgalloc: msg" into its
// subsystem and the rest. Messages without such a prefix have no subsystem.
func splitSubsystem(msg string) (string, string) {
	prefix, rest, ok := strings.Cut(msg, ": ")
	if !ok || prefix == "" || strings.ContainsFunc(prefix, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	}) {
		return "", msg
	}
	return prefix, rest
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Time:   timestamp,
		Level:  level,
		Caller: callerLocation(depth + 1),
	}
	j.Subsystem, j.Msg = splitSubsystem(fmt.Sprintf(format, v...))
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
