package logging

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// SinkFunc receives one rendered log line, without the trailing newline.
type SinkFunc func(line string)

// CallbackSink is a zapcore.Core that renders entries as plain console text
// and hands each line to a host-provided function. The function can be
// swapped at any time with Set; children created through With share it.
//
// Example:
//
//	sink := NewCallbackSink(zapcore.DebugLevel)
//	logger := NewLoggerFromCore(sink)
//	sink.Set(func(line string) { fmt.Fprintln(os.Stderr, line) })
type CallbackSink struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	fn  *atomic.Pointer[SinkFunc]
}

// NewCallbackSink creates a sink with no function installed. Until Set is
// called every entry is dropped.
func NewCallbackSink(level zapcore.LevelEnabler) *CallbackSink {
	cfg := NewConsoleEncoderConfig(false)
	cfg.CallerKey = ""
	return &CallbackSink{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(cfg),
		fn:           new(atomic.Pointer[SinkFunc]),
	}
}

// Set installs fn as the destination. A nil fn mutes the sink.
func (s *CallbackSink) Set(fn SinkFunc) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

// Installed reports whether a destination function is set.
func (s *CallbackSink) Installed() bool {
	return s.fn.Load() != nil
}

// With implements zapcore.Core.
func (s *CallbackSink) With(fields []zapcore.Field) zapcore.Core {
	clone := &CallbackSink{
		LevelEnabler: s.LevelEnabler,
		enc:          s.enc.Clone(),
		fn:           s.fn,
	}
	for i := range fields {
		fields[i].AddTo(clone.enc)
	}
	return clone
}

// Check implements zapcore.Core.
func (s *CallbackSink) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(ent.Level) && s.Installed() {
		return ce.AddCore(ent, s)
	}
	return ce
}

// Write implements zapcore.Core.
func (s *CallbackSink) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	fn := s.fn.Load()
	if fn == nil {
		return nil
	}

	buf, err := s.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	(*fn)(line)
	return nil
}

// Sync implements zapcore.Core. Lines are delivered synchronously.
func (s *CallbackSink) Sync() error {
	return nil
}
