package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"signal-engine-go/internal/instrumentation"
	"signal-engine-go/internal/models"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait             = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultPingInterval   = 54 * time.Second
)

// ErrFeedClosed 行情源主动关闭连接
var ErrFeedClosed = errors.New("feed closed by server")

// Handler 处理一个解码后的tick
type Handler func(ctx context.Context, tick models.PriceTick)

// wireTick 行情推送的JSON格式, t 为毫秒时间戳
type wireTick struct {
	Symbol string      `json:"s"`
	Venue  string      `json:"v"`
	Time   int64       `json:"t"`
	Close  json.Number `json:"c"`
	High   json.Number `json:"h"`
	Low    json.Number `json:"l"`
	Volume json.Number `json:"q"`
}

func number(n json.Number) (float64, error) {
	if n == "" {
		return 0, nil
	}
	return n.Float64()
}

func (w wireTick) toTick() (models.PriceTick, error) {
	tick := models.PriceTick{Symbol: w.Symbol, Venue: w.Venue}
	if w.Time > 0 {
		tick.Timestamp = time.UnixMilli(w.Time).UTC()
	}
	var err error
	if tick.Close, err = number(w.Close); err != nil {
		return tick, fmt.Errorf("转换收盘价失败: %w", err)
	}
	if tick.High, err = number(w.High); err != nil {
		return tick, fmt.Errorf("转换最高价失败: %w", err)
	}
	if tick.Low, err = number(w.Low); err != nil {
		return tick, fmt.Errorf("转换最低价失败: %w", err)
	}
	if tick.Volume, err = number(w.Volume); err != nil {
		return tick, fmt.Errorf("转换成交量失败: %w", err)
	}
	return tick, nil
}

// DecodeTicks 解码一条消息, 支持单个tick对象或tick数组。
// 只做格式解码, 合法性由编排器校验。
func DecodeTicks(message []byte) ([]models.PriceTick, error) {
	trimmed := bytes.TrimSpace(message)
	var wires []wireTick
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wires); err != nil {
			return nil, fmt.Errorf("解析tick数组失败: %w", err)
		}
	} else {
		var w wireTick
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return nil, fmt.Errorf("解析tick失败: %w", err)
		}
		wires = []wireTick{w}
	}

	ticks := make([]models.PriceTick, 0, len(wires))
	for _, w := range wires {
		tick, err := w.toTick()
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// WebSocketFeed 连接行情WebSocket, 把每个tick交给 handler。断线后按固定间隔重连。
type WebSocketFeed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	handler        Handler
	dialer         *websocket.Dialer
	connected      atomic.Bool

	logger  *zap.Logger
	metrics *instrumentation.Metrics
}

func NewWebSocketFeed(cfg models.FeedConfig, handler Handler, logger *zap.Logger, metrics *instrumentation.Metrics) *WebSocketFeed {
	f := &WebSocketFeed{
		url:            cfg.URL,
		reconnectDelay: time.Duration(cfg.ReconnectDelaySec) * time.Second,
		pingInterval:   time.Duration(cfg.PingIntervalSec) * time.Second,
		handler:        handler,
		dialer:         websocket.DefaultDialer,
		logger:         logger,
		metrics:        metrics,
	}
	if f.reconnectDelay <= 0 {
		f.reconnectDelay = defaultReconnectDelay
	}
	if f.pingInterval <= 0 {
		f.pingInterval = defaultPingInterval
	}
	return f
}

// Connected 当前是否与行情源保持连接
func (f *WebSocketFeed) Connected() bool {
	return f.connected.Load()
}

// Run 维持连接直到 ctx 取消
func (f *WebSocketFeed) Run(ctx context.Context) {
	for {
		err := f.session(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			f.logger.Info("行情循环已停止")
			return
		}
		f.logger.Warn("行情连接已断开, 准备重连", zap.Error(err), zap.Duration("delay", f.reconnectDelay))
		f.metrics.RecordError("feed", "disconnect")

		select {
		case <-ctx.Done():
			f.logger.Info("行情循环已停止")
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

// session 处理一次连接, 阻塞直到连接断开或 ctx 取消
func (f *WebSocketFeed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()

	pongWait := f.pingInterval * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	f.setConnected(true)
	f.logger.Info("行情WebSocket连接成功", zap.String("url", f.url))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					f.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 让 ReadMessage 返回
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return ErrFeedClosed
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ticks, err := DecodeTicks(message)
		if err != nil {
			f.logger.Warn("解析行情消息失败", zap.Error(err))
			f.metrics.RecordDroppedTick("decode")
			continue
		}
		for _, tick := range ticks {
			f.handler(ctx, tick)
		}
	}
}

func (f *WebSocketFeed) setConnected(v bool) {
	if f.connected.Swap(v) != v {
		f.metrics.SetFeedConnected(v)
	}
}
