package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			if err := Initialize(tt.jsonOutput, zapcore.InfoLevel); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if Logger == nil {
				t.Fatal("Initialize() did not set global Logger")
			}
			if JSONOutput != tt.jsonOutput {
				t.Errorf("Initialize() JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
			}

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("debug"); got != zapcore.DebugLevel {
		t.Errorf("ParseLevel(debug) = %v", got)
	}
	if got := ParseLevel("warn"); got != zapcore.WarnLevel {
		t.Errorf("ParseLevel(warn) = %v", got)
	}
	if got := ParseLevel("loud"); got != zapcore.InfoLevel {
		t.Errorf("ParseLevel(loud) = %v, want info fallback", got)
	}
}

func TestVerbosityToLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		base      zapcore.Level
		want      zapcore.Level
	}{
		{0, zapcore.WarnLevel, zapcore.WarnLevel},
		{1, zapcore.WarnLevel, zapcore.InfoLevel},
		{2, zapcore.WarnLevel, zapcore.DebugLevel},
		{5, zapcore.InfoLevel, zapcore.DebugLevel},
		{1, zapcore.DebugLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		if got := VerbosityToLevel(tt.verbosity, tt.base); got != tt.want {
			t.Errorf("VerbosityToLevel(%d, %v) = %v, want %v", tt.verbosity, tt.base, got, tt.want)
		}
	}
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithExecutionID(WithWindowID(context.Background(), "20261019T140000Z"), "exec-1")
	FromContext(ctx, base).Infow("dispatched")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields[FieldWindowID] != "20261019T140000Z" {
		t.Errorf("window_id = %v", fields[FieldWindowID])
	}
	if fields[FieldExecutionID] != "exec-1" {
		t.Errorf("execution_id = %v", fields[FieldExecutionID])
	}
}

func TestFromContextWithoutFields(t *testing.T) {
	base := zap.NewNop().Sugar()
	if FromContext(context.Background(), base) != base {
		t.Error("expected base logger back when context carries no fields")
	}
}

func TestPulseSymbolField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	saved := Logger
	Logger = zap.New(core).Sugar()
	defer func() { Logger = saved }()

	PulseInfow("tick", FieldCount, 2)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields[FieldSymbol] != "꩜" {
		t.Errorf("symbol = %v", fields[FieldSymbol])
	}
	if fields[FieldCount] != int64(2) {
		t.Errorf("count = %v (%T)", fields[FieldCount], fields[FieldCount])
	}
}
