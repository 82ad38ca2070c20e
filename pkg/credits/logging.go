package credits

import "context"

// OperationLogger records domain-level events emitted by the credit services.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing or admission-deciding operation.
type OperationLog struct {
	Operation string
	UserID    string
	HoldID    string
	Path      string
	Amount    Credits
	Status    string
	Error     error
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
