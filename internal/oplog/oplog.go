// Package oplog adapts ledger operation callbacks to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
)

const logMessage = "ledger operation"

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New wraps a zap logger; a nil logger discards events.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation writes one structured line per operation. Failures log at warn.
func (operationLogger *Logger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.Reference.IsZero() {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Pool != "" {
		fields = append(fields, zap.String("pool", entry.Pool.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_kobo", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn(logMessage, append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info(logMessage, fields...)
}
