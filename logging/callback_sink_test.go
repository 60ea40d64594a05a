package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCallbackSink_DeliversLines(t *testing.T) {
	sink := NewCallbackSink(zapcore.DebugLevel)
	logger := NewLoggerFromCore(sink)

	var lines []string
	sink.Set(func(line string) { lines = append(lines, line) })

	logger.Info("detect_markers", zap.Int("markers", 4))

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "detect_markers") {
		t.Errorf("line %q missing message", lines[0])
	}
	if !strings.Contains(lines[0], `"markers": 4`) {
		t.Errorf("line %q missing markers field", lines[0])
	}
	if strings.HasSuffix(lines[0], "\n") {
		t.Error("line should not end with a newline")
	}
	if strings.Contains(lines[0], "\x1b[") {
		t.Error("line should not contain ANSI colour escapes")
	}
}

func TestCallbackSink_NoFunctionDropsEntries(t *testing.T) {
	sink := NewCallbackSink(zapcore.DebugLevel)
	logger := NewLoggerFromCore(sink)

	if sink.Installed() {
		t.Fatal("fresh sink should have no function")
	}
	// Must not panic without a destination.
	logger.Info("nobody listening")

	var count int
	sink.Set(func(string) { count++ })
	logger.Info("one")
	sink.Set(nil)
	logger.Info("two")

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCallbackSink_RespectsLevel(t *testing.T) {
	sink := NewCallbackSink(zapcore.WarnLevel)
	logger := NewLoggerFromCore(sink)

	var lines []string
	sink.Set(func(line string) { lines = append(lines, line) })

	logger.Debug("too quiet")
	logger.Info("still too quiet")
	logger.Warn("loud enough")

	if len(lines) != 1 || !strings.Contains(lines[0], "loud enough") {
		t.Errorf("lines = %q, want only the warn entry", lines)
	}
}

func TestCallbackSink_WithSharesFunction(t *testing.T) {
	sink := NewCallbackSink(zapcore.DebugLevel)
	child := NewLoggerFromCore(sink).With(zap.String("session_id", "s-1"))

	// Installed after the child exists: the child must still see it.
	var lines []string
	sink.Set(func(line string) { lines = append(lines, line) })

	child.Debug("frame")

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "s-1") {
		t.Errorf("line %q missing inherited field", lines[0])
	}
}
