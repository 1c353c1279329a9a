package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-ledger/reconcile"
)

// Handler 消费解码后的消息，*reconcile.Adapter 满足该接口。
type Handler interface {
	OnOrderStatus(msg reconcile.OrderStatus) reconcile.Outcome
	OnTrade(msg reconcile.Trade) reconcile.Outcome
}

// Pump 从已建立的 websocket 连接读取推送帧并交给 Handler。
// 连接建立、订阅与重连由传输层负责。
type Pump struct {
	Conn    *websocket.Conn
	Handler Handler
	Logger  *zap.Logger

	// OnOutcome 可选，每条消息处理完成后回调（指标等）。
	OnOutcome func(kind Kind, outcome reconcile.Outcome)

	frames       atomic.Int64
	decodeErrors atomic.Int64
}

// Run 读取直到连接关闭或 ctx 结束。ctx 结束时关闭连接以解除阻塞读取。
// 对端正常关闭返回 nil，其他读取错误原样包装返回，由调用方决定是否重连。
func (p *Pump) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.Conn == nil || p.Handler == nil {
		return errors.New("feed pump requires a connection and a handler")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := p.Conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("feed closed by peer")
				return nil
			}
			return fmt.Errorf("read feed frame: %w", err)
		}
		p.frames.Add(1)
		p.dispatch(frame, logger)
	}
}

func (p *Pump) dispatch(frame []byte, logger *zap.Logger) {
	msg, err := Decode(frame)
	if err != nil {
		p.decodeErrors.Add(1)
		logger.Warn("feed frame skipped", zap.Error(err), zap.Int("bytes", len(frame)))
		return
	}

	var outcome reconcile.Outcome
	switch msg.Kind {
	case KindOrderStatus:
		outcome = p.Handler.OnOrderStatus(*msg.Status)
	case KindTrade:
		outcome = p.Handler.OnTrade(*msg.Trade)
	}
	if p.OnOutcome != nil {
		p.OnOutcome(msg.Kind, outcome)
	}
}

// Frames 已读取的帧数
func (p *Pump) Frames() int64 { return p.frames.Load() }

// DecodeErrors 解码失败被跳过的帧数
func (p *Pump) DecodeErrors() int64 { return p.decodeErrors.Load() }

// Dial 连接推送地址。只做一次连接，不负责重连。
func Dial(ctx context.Context, url string, dialer *websocket.Dialer) (*websocket.Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed %s: %w", url, err)
	}
	return conn, nil
}
