package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// 所有合法的状态转换；终态（FILLED, CANCELED, REJECTED, EXPIRED）不能再转换。
var legalTransitions = map[StateTransition]bool{
	{StatusNew, StatusAck}:      true,
	{StatusNew, StatusPartial}:  true,
	{StatusNew, StatusFilled}:   true,
	{StatusNew, StatusCanceled}: true,
	{StatusNew, StatusRejected}: true,
	{StatusNew, StatusExpired}:  true,

	{StatusAck, StatusPartial}:  true,
	{StatusAck, StatusFilled}:   true,
	{StatusAck, StatusCanceled}: true,
	{StatusAck, StatusExpired}:  true,

	{StatusPartial, StatusPartial}:  true, // 多次部分成交
	{StatusPartial, StatusFilled}:   true,
	{StatusPartial, StatusCanceled}: true,
	{StatusPartial, StatusExpired}:  true,
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等。
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !legalTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsFinal 判断是否是终态
func IsFinal(status Status) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// IsActive 判断是否是活跃状态（可能产生成交）
func IsActive(status Status) bool {
	switch status {
	case StatusNew, StatusAck, StatusPartial:
		return true
	default:
		return false
	}
}
