/*
 *
 * Copyright 2020 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package prefixlog tags every log line with a caller-supplied prefix,
// mirroring the shape of grpc-go's internal/grpclog.PrefixLogger. That type
// is unexported from grpc-go's own module, so it isn't importable here;
// this is a small reimplementation.
package prefixlog

import "google.golang.org/grpc/grpclog"

// Logger wraps a grpclog.LoggerV2, prefixing every message.
type Logger struct {
	logger grpclog.LoggerV2
	prefix string
}

// New returns a Logger that writes to logger with every line tagged with
// prefix.
func New(logger grpclog.LoggerV2, prefix string) *Logger {
	return &Logger{logger: logger, prefix: prefix}
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Infof(l.prefix+format, args...)
}

func (l *Logger) Warningf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Warningf(l.prefix+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Errorf(l.prefix+format, args...)
}
