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
	"path/filepath"
	"runtime"
	"time"
)

// levelNames are the spellings used for levels in structured output.
var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if s, ok := levelNames[l]; ok {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("unknown level %d", uint32(l))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	for level, name := range levelNames {
		if string(b) == name {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", b)
}

// jsonEntry is one line of JSONEmitter output.
type jsonEntry struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// JSONEmitter writes each statement as a JSON object on its own line. The
// source location of the statement goes in the caller field rather than
// being prefixed to the message.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := jsonEntry{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		// Only an unknown level can fail; keep the message anyway.
		entry.Level = Warning
		entry.Msg = fmt.Sprintf("(level %d) %s", uint32(level), entry.Msg)
		b, _ = json.Marshal(entry)
	}
	e.Writer.Write(b)
}
