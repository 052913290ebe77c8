package pulse

import (
	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/logger"
)

// ProgressEmitter reports progress of long-running operations such as
// fragment ingestion. Domain packages call it; the CLI decides how it renders.
type ProgressEmitter interface {
	// EmitStage announces the start of a processing stage
	EmitStage(stage string, message string)

	// EmitProgress announces batch progress with count and optional metadata
	EmitProgress(count int, metadata map[string]interface{})

	// EmitComplete announces successful completion with summary
	EmitComplete(summary map[string]interface{})

	// EmitError announces an error during processing
	EmitError(stage string, err error)

	// EmitInfo emits general informational message
	EmitInfo(message string)
}

// LogEmitter writes progress as structured log lines
type LogEmitter struct {
	logger *zap.SugaredLogger
}

// NewLogEmitter creates an emitter backed by log
func NewLogEmitter(log *zap.SugaredLogger) *LogEmitter {
	return &LogEmitter{logger: logger.AddIXSymbol(log)}
}

func (e *LogEmitter) EmitStage(stage string, message string) {
	e.logger.Infow(message, "stage", stage)
}

func (e *LogEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	kv := []interface{}{logger.FieldCount, count}
	for k, v := range metadata {
		kv = append(kv, k, v)
	}
	e.logger.Debugw("Progress", kv...)
}

func (e *LogEmitter) EmitComplete(summary map[string]interface{}) {
	kv := make([]interface{}, 0, len(summary)*2)
	for k, v := range summary {
		kv = append(kv, k, v)
	}
	e.logger.Infow("Complete", kv...)
}

func (e *LogEmitter) EmitError(stage string, err error) {
	e.logger.Warnw("Stage error", "stage", stage, logger.FieldError, err)
}

func (e *LogEmitter) EmitInfo(message string) {
	e.logger.Infow(message)
}

// NopEmitter discards progress
type NopEmitter struct{}

func (NopEmitter) EmitStage(string, string)                 {}
func (NopEmitter) EmitProgress(int, map[string]interface{}) {}
func (NopEmitter) EmitComplete(map[string]interface{})      {}
func (NopEmitter) EmitError(string, error)                  {}
func (NopEmitter) EmitInfo(string)                          {}

var (
	_ ProgressEmitter = (*LogEmitter)(nil)
	_ ProgressEmitter = NopEmitter{}
)
