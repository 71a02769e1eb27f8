package activity

import (
	"context"

	"go.uber.org/zap"
)

// Recorder receives a human readable line for every successful mutation.
// Failures are reported to the caller but never undo the mutation.
// 操作記録の受け口
type Recorder interface {
	Log(ctx context.Context, actorID, message string) error
}

// ZapRecorder writes activity lines to a dedicated logger
// zapロガーに操作記録を出力
type ZapRecorder struct {
	logger *zap.Logger
}

// NewZapRecorder creates a recorder on logger
func NewZapRecorder(logger *zap.Logger) *ZapRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapRecorder{logger: logger.Named("activity")}
}

// Log 操作記録を出力
func (r *ZapRecorder) Log(ctx context.Context, actorID, message string) error {
	r.logger.Info(message, zap.String("actor_id", actorID))
	return nil
}
