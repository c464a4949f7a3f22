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
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	bl := &BasicLogger{Emitter: e, Level: Debug}
	bl.Debugf("hi")
	if got := buf.String(); !strings.Contains(got, "log_test.go") || !strings.HasSuffix(got, "] hi\n") {
		t.Errorf("unexpected line %q, want the caller log_test.go and message hi", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	bl := &BasicLogger{Emitter: &Writer{Next: &buf}, Level: Info}
	bl.Debugf("debug")
	bl.Infof("info")
	bl.Warningf("warning")
	if got, want := buf.String(), "info\nwarning\n"; got != want {
		t.Fatalf("got %q, wanted %q", got, want)
	}
	bl.SetLevel(Warning)
	bl.Infof("info")
	if got, want := buf.String(), "info\nwarning\n"; got != want {
		t.Errorf("after SetLevel(Warning) got %q, wanted %q", got, want)
	}
}

func TestRateLimited(t *testing.T) {
	var buf bytes.Buffer
	bl := &BasicLogger{Emitter: &Writer{Next: &buf}, Level: Debug}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Infof("info %d", i)
	}
	rl.Warningf("warning")

	want := "info 0\n(4 log statements dropped by rate limit)\nwarning\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, wanted %q", got, want)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	bl := &BasicLogger{Emitter: NewLogrusEmitter(l), Level: Debug}
	bl.Warningf("flush failed: %d", 7)
	got := buf.String()
	if !strings.Contains(got, "level=warning") || !strings.Contains(got, `msg="flush failed: 7"`) {
		t.Errorf("unexpected logrus output %q", got)
	}
}
