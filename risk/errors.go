package risk

import "errors"

var (
	ErrTradingHalted         = errors.New("trading halted")
	ErrOrderSizeExceeded     = errors.New("order size exceeds limit")
	ErrOrderValueExceeded    = errors.New("order value exceeds limit")
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
	ErrDailyLossExceeded     = errors.New("daily loss limit exceeded")
	ErrDrawdownExceeded      = errors.New("drawdown limit exceeded")
	ErrRateLimited           = errors.New("order rate limited")

	ErrDailyVolumeExceeded = errors.New("daily volume exceeded")
	ErrTooFrequent         = errors.New("order too frequent")
	ErrSpreadTooWide       = errors.New("spread too wide")
)

// RejectReason 把拒单错误映射为稳定的短标签，供指标与日志使用。
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTradingHalted):
		return "halted"
	case errors.Is(err, ErrOrderSizeExceeded):
		return "order_size"
	case errors.Is(err, ErrOrderValueExceeded):
		return "order_value"
	case errors.Is(err, ErrPositionLimitExceeded):
		return "position"
	case errors.Is(err, ErrDailyLossExceeded):
		return "daily_loss"
	case errors.Is(err, ErrDrawdownExceeded):
		return "drawdown"
	case errors.Is(err, ErrRateLimited):
		return "rate"
	case errors.Is(err, ErrDailyVolumeExceeded):
		return "daily_volume"
	case errors.Is(err, ErrTooFrequent):
		return "too_frequent"
	case errors.Is(err, ErrSpreadTooWide):
		return "spread"
	default:
		return "other"
	}
}
