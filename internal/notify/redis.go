package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"signal-engine-go/internal/models"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultStream = "signal-engine:alerts"

// RedisNotifier 把告警追加到 Redis Stream, 供下游消费者订阅
type RedisNotifier struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logger *zap.Logger
}

// DialRedis 解析URL并确认连接可用
func DialRedis(cfg models.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisNotifier(client redis.Cmdable, stream string, maxLen int64, logger *zap.Logger) *RedisNotifier {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, alert models.Alert) error {
	values, err := streamValues(alert)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: values,
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	id, err := n.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("redis XADD failed: %w", err)
	}
	n.logger.Debug("告警已写入Redis Stream", zap.String("stream", n.stream), zap.String("entry_id", id))
	return nil
}

func streamValues(alert models.Alert) (map[string]interface{}, error) {
	snapshot, err := json.Marshal(alert.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}
	return map[string]interface{}{
		"id":           alert.ID,
		"rule_id":      alert.RuleID,
		"rule_name":    alert.RuleName,
		"severity":     string(alert.Severity),
		"action":       alert.Action,
		"message":      alert.Message,
		"triggered_at": alert.TriggeredAt.UTC().Format(time.RFC3339Nano),
		"snapshot":     string(snapshot),
	}, nil
}
