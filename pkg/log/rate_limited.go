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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedLogger returns a Logger that passes debug and info statements
// to logger at most once per every. Warnings are never dropped; the first
// warning after a drop reports how many statements were lost.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &throttled{
		next:    logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// BasicRateLimitedLogger is RateLimitedLogger over the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

type throttled struct {
	next    Logger
	limiter *rate.Limiter

	// dropped counts statements refused by limiter since the last warning.
	dropped atomic.Uint64
}

func (t *throttled) pass() bool {
	ok := t.limiter.Allow()
	if !ok {
		t.dropped.Add(1)
	}
	return ok
}

// Debugf implements Logger.Debugf.
func (t *throttled) Debugf(format string, v ...any) {
	if t.pass() {
		t.next.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (t *throttled) Infof(format string, v ...any) {
	if t.pass() {
		t.next.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (t *throttled) Warningf(format string, v ...any) {
	if n := t.dropped.Swap(0); n > 0 {
		t.next.Warningf("(%d log statements dropped by rate limit)", n)
	}
	t.next.Warningf(format, v...)
}

// IsLogging implements Logger.IsLogging.
func (t *throttled) IsLogging(level Level) bool {
	return t.next.IsLogging(level)
}
