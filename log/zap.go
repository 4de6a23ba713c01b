// MIT License
//
// Copyright (c) 2022-2026 GoAkt Team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package log

import (
	"io"
	golog "log"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DefaultLogger writes info and above as JSON to os.Stdout.
	DefaultLogger = NewZap(InfoLevel, os.Stdout)

	// DebugLogger writes debug and above as JSON to os.Stdout.
	DebugLogger = NewZap(DebugLevel, os.Stdout)

	// DiscardLogger drops every entry. Fatal and Panic still exit and panic.
	DiscardLogger Logger = NewZap(PanicLevel, io.Discard)
)

const (
	fileBufferSize    = 256 * 1024
	fileFlushInterval = 30 * time.Second
)

// Zap implements Logger on top of zap's sugared logger.
//
// Writers that are regular files get a buffered syncer for entries below
// error level; stdout, stderr and any other io.Writer are written through.
// Call Flush before exiting to drain file buffers.
type Zap struct {
	logger   *zap.Logger
	sugar    *zap.SugaredLogger
	outputs  []io.Writer
	buffered *zapcore.BufferedWriteSyncer
}

var _ Logger = (*Zap)(nil)

// NewZap creates a JSON logger at the given level writing to writers.
// An out of range level falls back to debug.
func NewZap(level Level, writers ...io.Writer) *Zap {
	if len(writers) == 0 {
		writers = []io.Writer{os.Stdout}
	}

	zapLevel := toZapLevel(level)
	direct, files := partitionWriters(writers)
	encoder := zapcore.NewJSONEncoder(encoderConfig())

	var (
		cores    []zapcore.Core
		buffered *zapcore.BufferedWriteSyncer
	)

	if len(files) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zap.CombineWriteSyncers(direct...), zapLevel))
	} else {
		buffered = &zapcore.BufferedWriteSyncer{
			WS:            zap.CombineWriteSyncers(files...),
			Size:          fileBufferSize,
			FlushInterval: fileFlushInterval,
		}

		low := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapLevel && l < zapcore.ErrorLevel })
		high := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapLevel && l >= zapcore.ErrorLevel })

		if len(direct) > 0 {
			cores = append(cores, zapcore.NewCore(encoder, zap.CombineWriteSyncers(direct...), low))
		}
		cores = append(cores,
			zapcore.NewCore(encoder, buffered, low),
			zapcore.NewCore(encoder, zap.CombineWriteSyncers(append(direct, files...)...), high))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel))

	return &Zap{
		logger:   logger,
		sugar:    logger.Sugar(),
		outputs:  writers,
		buffered: buffered,
	}
}

// Debug starts a message with debug level
func (z *Zap) Debug(v ...any) { z.sugar.Debug(v...) }

// Debugf starts a message with debug level
func (z *Zap) Debugf(format string, v ...any) { z.sugar.Debugf(format, v...) }

// Info starts a message with info level
func (z *Zap) Info(v ...any) { z.sugar.Info(v...) }

// Infof starts a message with info level
func (z *Zap) Infof(format string, v ...any) { z.sugar.Infof(format, v...) }

// Warn starts a message with warn level
func (z *Zap) Warn(v ...any) { z.sugar.Warn(v...) }

// Warnf starts a message with warn level
func (z *Zap) Warnf(format string, v ...any) { z.sugar.Warnf(format, v...) }

// Error starts a new message with error level.
func (z *Zap) Error(v ...any) { z.sugar.Error(v...) }

// Errorf starts a new message with error level.
func (z *Zap) Errorf(format string, v ...any) { z.sugar.Errorf(format, v...) }

// Fatal starts a new message with fatal level. The os.Exit(1) function
// is called which terminates the program immediately.
func (z *Zap) Fatal(v ...any) { z.sugar.Fatal(v...) }

// Fatalf starts a new message with fatal level. The os.Exit(1) function
// is called which terminates the program immediately.
func (z *Zap) Fatalf(format string, v ...any) { z.sugar.Fatalf(format, v...) }

// Panic starts a new message with panic level. The panic() function
// is called which stops the ordinary flow of a goroutine.
func (z *Zap) Panic(v ...any) { z.sugar.Panic(v...) }

// Panicf starts a new message with panic level. The panic() function
// is called which stops the ordinary flow of a goroutine.
func (z *Zap) Panicf(format string, v ...any) { z.sugar.Panicf(format, v...) }

// Enabled reports whether the given level is enabled.
func (z *Zap) Enabled(level Level) bool {
	return z.logger.Core().Enabled(toZapLevel(level))
}

// With returns a Logger that includes the given key-value pairs in every
// subsequent entry. Non-string keys are skipped and a trailing value
// without key is recorded under "_".
func (z *Zap) With(keyValues ...any) Logger {
	fields := make([]zap.Field, 0, (len(keyValues)+1)/2)
	for i := 0; i < len(keyValues); i += 2 {
		if i+1 == len(keyValues) {
			fields = append(fields, zap.Any("_", keyValues[i]))
			break
		}
		key, ok := keyValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keyValues[i+1]))
	}

	if len(fields) == 0 {
		return z
	}

	child := z.logger.With(fields...)
	return &Zap{
		logger:   child,
		sugar:    child.Sugar(),
		outputs:  z.outputs,
		buffered: z.buffered,
	}
}

// LogLevel returns the log level that is used
func (z *Zap) LogLevel() Level {
	switch z.logger.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarningLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.PanicLevel:
		return PanicLevel
	case zapcore.FatalLevel:
		return FatalLevel
	default:
		return InvalidLevel
	}
}

// LogOutput returns the log output that is set
func (z *Zap) LogOutput() []io.Writer {
	return z.outputs
}

// StdLogger returns a standard library logger that writes into this logger
// at its configured level.
func (z *Zap) StdLogger() *golog.Logger {
	stdLogger, _ := zap.NewStdLogAt(z.logger, z.logger.Level())
	return stdLogger
}

// Flush drains the buffered file output and syncs the underlying files.
func (z *Zap) Flush() error {
	var err error
	if z.buffered != nil {
		err = multierr.Append(err, z.buffered.Sync())
	}

	for _, output := range z.outputs {
		file, ok := output.(*os.File)
		if !ok || isStdStream(file) {
			continue
		}
		err = multierr.Append(err, file.Sync())
	}
	return err
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func partitionWriters(writers []io.Writer) (direct, files []zapcore.WriteSyncer) {
	for _, writer := range writers {
		if file, ok := writer.(*os.File); ok && !isStdStream(file) {
			files = append(files, zapcore.AddSync(file))
			continue
		}
		direct = append(direct, zapcore.AddSync(writer))
	}
	return direct, files
}

func isStdStream(file *os.File) bool {
	if file == nil {
		return false
	}
	fd := file.Fd()
	return fd == os.Stdout.Fd() || fd == os.Stderr.Fd()
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case InfoLevel:
		return zapcore.InfoLevel
	case WarningLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case PanicLevel:
		return zapcore.PanicLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.DebugLevel
	}
}
