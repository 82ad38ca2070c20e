// Package oplog adapts a zap logger to the credit services' operation log.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"go.uber.org/zap"
)

// ZapOperationLogger writes operation records as structured log lines.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// New wraps the given zap logger. A nil logger yields a no-op adapter.
func New(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger. Failed operations log at
// warn level, everything else at info.
func (adapter *ZapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.HoldID != "" {
		fields = append(fields, zap.String("hold_id", entry.HoldID))
	}
	if entry.Path != "" {
		fields = append(fields, zap.String("path", entry.Path))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("credit operation failed", fields...)
		return
	}
	adapter.logger.Info("credit operation", fields...)
}
