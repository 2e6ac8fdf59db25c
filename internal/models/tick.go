package models

import (
	"math"
	"time"
)

// PriceTick 由行情方推送的单个归一化价格观测
type PriceTick struct {
	Symbol    string    `json:"s"`
	Venue     string    `json:"v,omitempty"`
	Timestamp time.Time `json:"-"`
	Close     float64   `json:"c"`
	High      float64   `json:"h,omitempty"` // 0 表示缺失, 使用 Close
	Low       float64   `json:"l,omitempty"` // 0 表示缺失, 使用 Close
	Volume    float64   `json:"q,omitempty"`
}

// HighOrClose 返回最高价, 缺失时返回收盘价
func (t PriceTick) HighOrClose() float64 {
	if t.High > 0 {
		return t.High
	}
	return t.Close
}

// LowOrClose 返回最低价, 缺失时返回收盘价
func (t PriceTick) LowOrClose() float64 {
	if t.Low > 0 {
		return t.Low
	}
	return t.Close
}

// Validate 检查tick本身的合法性 (不含时间顺序, 由编排器按交易对检查)
func (t PriceTick) Validate() error {
	if t.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "missing"}
	}
	if math.IsNaN(t.Close) || math.IsInf(t.Close, 0) || t.Close <= 0 {
		return &ValidationError{Symbol: t.Symbol, Field: "close", Reason: "must be a positive number"}
	}
	if t.High < 0 || t.Low < 0 {
		return &ValidationError{Symbol: t.Symbol, Field: "high/low", Reason: "must not be negative"}
	}
	if t.High > 0 && t.Low > 0 && t.High < t.Low {
		return &ValidationError{Symbol: t.Symbol, Field: "high/low", Reason: "high below low"}
	}
	if t.Timestamp.IsZero() {
		return &ValidationError{Symbol: t.Symbol, Field: "timestamp", Reason: "missing"}
	}
	return nil
}
