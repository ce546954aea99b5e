package apperrors

import "errors"

// Standardized broker and provider errors
var (
	ErrKillSwitchActive    = errors.New("KILL_SWITCH_ACTIVE")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNotionalCapExceeded = errors.New("REJECTED: Order notional exceeds limit")
	ErrPositionCapExceeded = errors.New("position cap exceeded")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInsufficientVolume  = errors.New("insufficient bar volume")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrBreakerTripped      = errors.New("trading circuit breaker tripped")
	ErrNetwork             = errors.New("network error")
	ErrOrderRejected       = errors.New("order rejected")
)
