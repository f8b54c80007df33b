package core

import (
	"context"

	"github.com/sirupsen/logrus"
)

// dispatchState 重试状态机的状态
type dispatchState int

const (
	stateSelecting dispatchState = iota
	stateSending
	stateRetrying
	stateSucceeded
	stateFailed
)

// Dispatcher 编排 选择 -> 发送 -> 结果归类 -> 重试或失败
// 重试次数受 maxAttempts 约束，默认等于注册凭证数
type Dispatcher struct {
	pool        *CredentialPool
	session     SessionAdapter
	logger      *logrus.Logger
	maxAttempts int
}

// DispatchResult 成功终态：拿到流的同时带出消耗的凭证
type DispatchResult struct {
	Credential Credential
	Stream     CompletionStream
}

// NewDispatcher 构造调度器，maxAttempts <= 0 时使用池大小
func NewDispatcher(pool *CredentialPool, session SessionAdapter, logger *logrus.Logger, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		session:     session,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Dispatch 执行状态机 Selecting -> Sending -> {Succeeded | Retrying -> Selecting | Failed}
// 终态只产生一次：返回后不再有任何副作用
func (d *Dispatcher) Dispatch(ctx context.Context, env *RequestEnvelope) (*DispatchResult, error) {
	maxAttempts := d.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.pool.Len()
	}

	state := stateSelecting
	var cred Credential
	var result *DispatchResult
	var lastErr error
	var failReason FailReason

	for {
		switch state {
		case stateSelecting:
			c, err := d.pool.Select(env.Tried())
			if err != nil {
				// Exhausted：全部不可用或本次请求已全部排除
				lastErr = err
				failReason = ReasonAllCredentialsExhausted
				state = stateFailed
				continue
			}
			cred = c
			state = stateSending

		case stateSending:
			env.MarkTried(cred.ID)
			d.logger.Infof("🎯 Attempt %d/%d: request=%s using credential %s (%s)",
				env.AttemptCount(), maxAttempts, env.RequestID, cred.ID, cred.DisplayName)

			stream, err := d.session.Send(ctx, cred, env.Prompt, env.UpstreamModel)
			if err == nil {
				d.pool.ReportSuccess(cred.ID)
				result = &DispatchResult{Credential: cred, Stream: stream}
				state = stateSucceeded
				continue
			}

			// 客户端取消不归咎于凭证，也不再重试
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			lastErr = err
			if IsRetryable(err) {
				d.pool.ReportFailure(cred.ID)
				d.logger.Warnf("⚠️ Attempt %d failed on %s: %v - rotating credential", env.AttemptCount(), cred.ID, err)
				state = stateRetrying
			} else {
				// 致命错误：凭证无过错，不触碰其状态
				d.logger.Errorf("❌ Fatal upstream error for request %s: %v", env.RequestID, err)
				failReason = ReasonFatalUpstream
				state = stateFailed
			}

		case stateRetrying:
			if env.AttemptCount() < maxAttempts {
				state = stateSelecting
			} else {
				failReason = ReasonRetriesExhausted
				state = stateFailed
			}

		case stateSucceeded:
			d.logger.Infof("✅ Request %s succeeded via %s after %d attempt(s)",
				env.RequestID, result.Credential.ID, env.AttemptCount())
			return result, nil

		case stateFailed:
			d.logger.Errorf("💀 Request %s failed (%s) after %d attempt(s): %v",
				env.RequestID, failReason, env.AttemptCount(), lastErr)
			return nil, &DispatchError{
				Reason:   failReason,
				Attempts: env.AttemptCount(),
				Last:     lastErr,
			}
		}
	}
}
