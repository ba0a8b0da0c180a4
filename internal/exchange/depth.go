package gateway

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var ErrUnexpectedMethod = errors.New("unexpected method")

// Level 一档报价 ["price", "amount"]
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var raw []decimal.Decimal
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("price level needs 2 fields, got %d", len(raw))
	}
	l.Price, l.Amount = raw[0], raw[1]
	return nil
}

// Depth 盘口，买卖各一侧
type Depth struct {
	Asks []Level `json:"asks"`
	Bids []Level `json:"bids"`
}

// BestBid 最优买价，没有买盘时 ok=false
func (d Depth) BestBid() (Level, bool) {
	if len(d.Bids) == 0 {
		return Level{}, false
	}
	return d.Bids[0], true
}

// BestAsk 最优卖价
func (d Depth) BestAsk() (Level, bool) {
	if len(d.Asks) == 0 {
		return Level{}, false
	}
	return d.Asks[0], true
}

// DepthUpdate depth.update 推送：params = [clean, depth, market]
type DepthUpdate struct {
	Clean  bool // true 为全量快照，false 为增量
	Market string
	Depth
}

// ParseDepth 解析 depth.update
func ParseDepth(msg Message) (DepthUpdate, error) {
	if msg.Method != "depth.update" {
		return DepthUpdate{}, fmt.Errorf("%w: %s", ErrUnexpectedMethod, msg.Method)
	}
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return DepthUpdate{}, fmt.Errorf("depth params: %w", err)
	}
	if len(params) < 3 {
		return DepthUpdate{}, fmt.Errorf("depth params: expected 3, got %d", len(params))
	}

	var out DepthUpdate
	if err := json.Unmarshal(params[0], &out.Clean); err != nil {
		return DepthUpdate{}, fmt.Errorf("depth clean flag: %w", err)
	}
	if err := json.Unmarshal(params[1], &out.Depth); err != nil {
		return DepthUpdate{}, fmt.Errorf("depth levels: %w", err)
	}
	if err := json.Unmarshal(params[2], &out.Market); err != nil {
		return DepthUpdate{}, fmt.Errorf("depth market: %w", err)
	}
	return out, nil
}

// Trade 一笔成交
type Trade struct {
	ID     int64           `json:"id"`
	Time   float64         `json:"time"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Side   string          `json:"type"`
}

// TradesUpdate trades.update 推送：params = [market, trades]
type TradesUpdate struct {
	Market string
	Trades []Trade
}

// ParseTrades 解析 trades.update
func ParseTrades(msg Message) (TradesUpdate, error) {
	if msg.Method != "trades.update" {
		return TradesUpdate{}, fmt.Errorf("%w: %s", ErrUnexpectedMethod, msg.Method)
	}
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return TradesUpdate{}, fmt.Errorf("trades params: %w", err)
	}
	if len(params) < 2 {
		return TradesUpdate{}, fmt.Errorf("trades params: expected 2, got %d", len(params))
	}
	var out TradesUpdate
	if err := json.Unmarshal(params[0], &out.Market); err != nil {
		return TradesUpdate{}, fmt.Errorf("trades market: %w", err)
	}
	if err := json.Unmarshal(params[1], &out.Trades); err != nil {
		return TradesUpdate{}, fmt.Errorf("trades list: %w", err)
	}
	return out, nil
}
