package notify

import (
	"context"
	"errors"
	"signal-engine-go/internal/models"

	"go.uber.org/zap"
)

// Notifier 告警通知渠道
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// LogNotifier 把告警写入结构化日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert models.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("rule", alert.RuleID),
		zap.String("severity", string(alert.Severity)),
		zap.String("action", alert.Action),
		zap.String("message", alert.Message),
	}
	switch alert.Severity {
	case models.SeverityCritical:
		n.logger.Error("告警触发", fields...)
	case models.SeverityWarning:
		n.logger.Warn("告警触发", fields...)
	default:
		n.logger.Info("告警触发", fields...)
	}
	return nil
}

// Multi 把告警扇出到多个渠道。单个渠道失败不影响其他渠道, 错误合并返回。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert models.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
