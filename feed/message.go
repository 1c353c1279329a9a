package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order-ledger/order"
	"order-ledger/reconcile"
)

// Kind 推送消息类型
type Kind string

const (
	KindOrderStatus Kind = "order_status"
	KindTrade       Kind = "trade"
)

var (
	ErrMalformedFrame = errors.New("malformed feed frame")
	ErrUnknownKind    = errors.New("unknown feed message type")
)

// Message 解码后的推送消息，Status 与 Trade 只有一个非空。
type Message struct {
	Kind   Kind
	Status *reconcile.OrderStatus
	Trade  *reconcile.Trade
}

// Envelope 推送帧包装：{"type": "...", "data": {...}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatusData order_status 消息体。数值字段接受字符串或数字。
type StatusData struct {
	OrderID         string          `json:"order_id"`
	ClientID        string          `json:"client_id"`
	Status          string          `json:"status"`
	ExecutedVolume  decimal.Decimal `json:"vol_exec"`
	RequestedVolume decimal.Decimal `json:"vol"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Fee             decimal.Decimal `json:"fee"`
	Cost            decimal.Decimal `json:"cost"`
}

// TradeData trade 消息体
type TradeData struct {
	TradeID string          `json:"trade_id"`
	OrderID string          `json:"order_id"`
	Volume  decimal.Decimal `json:"vol"`
	Price   decimal.Decimal `json:"price"`
	Fee     decimal.Decimal `json:"fee"`
	Time    time.Time       `json:"time"`
}

// Decode 解析一帧推送数据。原始 data 对象作为 Payload 随消息保留。
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(env.Data) == 0 {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}

	var payload order.Payload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return Message{}, fmt.Errorf("%w: data: %v", ErrMalformedFrame, err)
	}

	switch Kind(env.Type) {
	case KindOrderStatus:
		var data StatusData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Message{}, fmt.Errorf("%w: order_status: %v", ErrMalformedFrame, err)
		}
		if data.OrderID == "" && data.ClientID == "" {
			return Message{}, fmt.Errorf("%w: order_status without order id", ErrMalformedFrame)
		}
		return Message{Kind: KindOrderStatus, Status: &reconcile.OrderStatus{
			OrderID:         data.OrderID,
			ClientID:        data.ClientID,
			Status:          data.Status,
			ExecutedVolume:  data.ExecutedVolume,
			RequestedVolume: data.RequestedVolume,
			Price:           data.AvgPrice,
			Fee:             data.Fee,
			Cost:            data.Cost,
			Payload:         payload,
		}}, nil
	case KindTrade:
		var data TradeData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Message{}, fmt.Errorf("%w: trade: %v", ErrMalformedFrame, err)
		}
		if data.OrderID == "" {
			return Message{}, fmt.Errorf("%w: trade without order id", ErrMalformedFrame)
		}
		return Message{Kind: KindTrade, Trade: &reconcile.Trade{
			TradeID: data.TradeID,
			OrderID: data.OrderID,
			Volume:  data.Volume,
			Price:   data.Price,
			Fee:     data.Fee,
			Time:    data.Time,
			Payload: payload,
		}}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}
