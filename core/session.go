package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// SessionAdapter 每凭证的上游会话边界
// send(prompt) -> stream-or-error；会话续期等协议细节由实现方负责
type SessionAdapter interface {
	Send(ctx context.Context, cred Credential, prompt, model string) (CompletionStream, error)
}

// CompletionStream 一次补全产生的增量文本序列
// Recv 在序列结束时返回 io.EOF；Close 中止底层生产，可多次调用
type CompletionStream interface {
	Recv() (string, error)
	Close() error
}

// WebSession 基于 cookie 对认证的上游 Web 会话适配器
type WebSession struct {
	client *resty.Client
	logger *logrus.Logger
}

// DefaultUpstreamURL 默认上游地址
const DefaultUpstreamURL = "https://gemini.google.com/api"

// NewWebSession 创建上游会话适配器
func NewWebSession(baseURL string, timeout time.Duration, logger *logrus.Logger) *WebSession {
	if baseURL == "" {
		baseURL = DefaultUpstreamURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "Gemini-Gateway/1.0")
	client.SetTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &WebSession{client: client, logger: logger}
}

// Send 用指定凭证向上游发起一次生成
// 上游一次性返回完整文本，这里重新切成保留空白的增量序列
func (s *WebSession) Send(ctx context.Context, cred Credential, prompt, model string) (CompletionStream, error) {
	var out struct {
		Text string `json:"text"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetCookies([]*http.Cookie{
			{Name: "__Secure-1PSID", Value: cred.SecretPrimary},
			{Name: "__Secure-1PSIDTS", Value: cred.SecretSecondary},
		}).
		SetBody(map[string]string{
			"prompt": prompt,
			"model":  model,
		}).
		SetResult(&out).
		Post("/generate")
	if err != nil {
		// 传输层失败（含超时）一律按可重试网络错误处理
		return nil, fmt.Errorf("send via %s: %v: %w", cred.ID, err, ErrNetwork)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode())
	}

	return newTextStream(splitDeltas(out.Text)), nil
}

// classifyStatus 把上游 HTTP 状态码归类到故障分型
// 401/403 认证过期，429 限流，5xx 瞬态上游错误，其余 4xx 为致命请求错误
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("upstream status %d: %w", code, ErrAuthExpired)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("upstream status %d: %w", code, ErrRateLimited)
	case code >= 500:
		return fmt.Errorf("upstream status %d: %w", code, ErrUpstream)
	default:
		return fmt.Errorf("upstream rejected request with status %d", code)
	}
}

// splitDeltas 把完整文本切成逐词增量，空白附着在前一个词上
// 保证所有增量拼接后与原文完全一致
func splitDeltas(text string) []string {
	if text == "" {
		return nil
	}

	var deltas []string
	start := 0
	inSpace := false
	for i, r := range text {
		isSpace := unicode.IsSpace(r)
		if inSpace && !isSpace {
			deltas = append(deltas, text[start:i])
			start = i
		}
		inSpace = isSpace
	}
	if start < len(text) {
		deltas = append(deltas, text[start:])
	}
	return deltas
}

// textStream 内存中的增量序列，实现 CompletionStream
type textStream struct {
	mu     sync.Mutex
	deltas []string
	pos    int
	closed bool
}

func newTextStream(deltas []string) *textStream {
	return &textStream{deltas: deltas}
}

func (s *textStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	delta := s.deltas[s.pos]
	s.pos++
	return delta, nil
}

func (s *textStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
