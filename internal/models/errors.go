package models

import (
	"errors"
	"fmt"
)

// ErrInsufficientData 指标所需的历史数据不足。不是失败, 策略应返回观望信号。
var ErrInsufficientData = errors.New("insufficient data")

// ErrValidation 所有 ValidationError 都匹配此哨兵错误
var ErrValidation = errors.New("validation failed")

// ValidationError 非法的tick或请求 (缺少交易对、非正价格/数量、未知交易对等)
type ValidationError struct {
	Symbol string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s %s", e.Symbol, e.Field, e.Reason)
}

// Is 使得 errors.Is(err, ErrValidation) 成立
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExecutionError 下单场所的下单/撤单失败。本地状态不能假设订单已成功。
type ExecutionError struct {
	Op      string
	Request OrderRequest
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s failed for %s: %v", e.Op, e.Request.String(), e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
