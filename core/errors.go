package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials 构造池时一个凭证都没有（启动期致命错误）
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrDuplicateCredential 注册了完全相同的 secret pair
	ErrDuplicateCredential = errors.New("credential with identical secret pair already registered")

	// ErrExhausted 没有任何可选凭证（全部不可用，或本次请求已全部排除）
	ErrExhausted = errors.New("no eligible credential available")

	// ErrUnknownModel 模型别名不在映射表中（致命，不消耗凭证）
	ErrUnknownModel = errors.New("unknown model")
)

// 可重试的上游故障，每次重试都会轮换凭证
var (
	ErrAuthExpired = errors.New("upstream auth expired")
	ErrRateLimited = errors.New("upstream rate limited")
	ErrNetwork     = errors.New("upstream network error")
	ErrUpstream    = errors.New("transient upstream error")
)

// FailReason 调度器终态 Failed 的原因
type FailReason string

const (
	ReasonAllCredentialsExhausted FailReason = "all_credentials_exhausted"
	ReasonRetriesExhausted        FailReason = "retries_exhausted"
	ReasonFatalUpstream           FailReason = "fatal_upstream_error"
)

// DispatchError 调度失败，携带原因标签和最后一次底层错误
type DispatchError struct {
	Reason   FailReason
	Attempts int
	Last     error
}

func (e *DispatchError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("dispatch failed (%s) after %d attempts: %v", e.Reason, e.Attempts, e.Last)
	}
	return fmt.Sprintf("dispatch failed (%s) after %d attempts", e.Reason, e.Attempts)
}

func (e *DispatchError) Unwrap() error { return e.Last }

// IsRetryable 判断一次 send 的失败是否应该轮换凭证重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrUpstream)
}

// ErrorType 返回错误对应的 OpenAI 风格 type 标签
func ErrorType(err error) string {
	var de *DispatchError
	switch {
	case errors.Is(err, ErrUnknownModel):
		return "invalid_request_error"
	case errors.As(err, &de):
		// 致命上游错误对应 502，标签与状态码保持同类
		if de.Reason == ReasonFatalUpstream {
			return "upstream_error"
		}
		return "service_unavailable"
	case errors.Is(err, ErrExhausted):
		return "service_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_error"
	case errors.Is(err, ErrAuthExpired):
		return "authentication_error"
	default:
		return "api_error"
	}
}
