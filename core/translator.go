package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gemini-gateway/models"
)

// ModelTarget 上游模型目标及元数据
type ModelTarget struct {
	UpstreamID string
	Tier       string
	Deprecated bool
}

// 客户端别名 -> 上游模型的静态映射表
// 列表顺序即 /v1/models 的返回顺序
var defaultModelTable = []struct {
	Alias  string
	Target ModelTarget
}{
	{"gemini-2.5-pro", ModelTarget{UpstreamID: "models/gemini-2.5-pro", Tier: "standard"}},
	{"gemini-2.5-flash", ModelTarget{UpstreamID: "models/gemini-2.5-flash", Tier: "standard"}},
	{"gemini-2.0-flash", ModelTarget{UpstreamID: "models/gemini-2.0-flash", Tier: "standard"}},
	{"gemini-2.0-flash-thinking", ModelTarget{UpstreamID: "models/gemini-2.0-flash-thinking-exp", Tier: "standard"}},
	{"gemini-2.5-exp-advanced", ModelTarget{UpstreamID: "models/gemini-2.5-exp-advanced", Tier: "advanced"}},
	{"gemini-2.0-exp-advanced", ModelTarget{UpstreamID: "models/gemini-2.0-exp-advanced", Tier: "advanced", Deprecated: true}},
}

// RequestEnvelope 单次请求的瞬态上下文
// tried 是本次请求已消耗的凭证集合，与全局 error_count 无关也不落盘
type RequestEnvelope struct {
	RequestID     string
	Alias         string
	UpstreamModel string
	Prompt        string
	Stream        bool
	Created       int64

	tried map[string]struct{}
}

// MarkTried 记录一个已尝试的凭证 ID
func (e *RequestEnvelope) MarkTried(id string) {
	if e.tried == nil {
		e.tried = make(map[string]struct{})
	}
	e.tried[id] = struct{}{}
}

// Tried 返回本次请求的排除集
func (e *RequestEnvelope) Tried() map[string]struct{} {
	return e.tried
}

// AttemptCount 已尝试的凭证数
func (e *RequestEnvelope) AttemptCount() int {
	return len(e.tried)
}

// RequestTranslator 把入站多轮对话翻译成单条上游 prompt + 上游模型标识
type RequestTranslator struct {
	order   []string
	targets map[string]ModelTarget
}

// NewRequestTranslator 使用默认映射表
func NewRequestTranslator() *RequestTranslator {
	t := &RequestTranslator{
		targets: make(map[string]ModelTarget, len(defaultModelTable)),
	}
	for _, entry := range defaultModelTable {
		t.order = append(t.order, entry.Alias)
		t.targets[entry.Alias] = entry.Target
	}
	return t
}

// Translate 构建请求信封
// 未知别名在任何凭证被消耗之前就以 ErrUnknownModel 失败
func (t *RequestTranslator) Translate(req *models.ChatCompletionRequest) (*RequestEnvelope, error) {
	target, ok := t.targets[req.Model]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", req.Model, ErrUnknownModel)
	}

	return &RequestEnvelope{
		RequestID:     newRequestID(),
		Alias:         req.Model,
		UpstreamModel: target.UpstreamID,
		Prompt:        BuildPrompt(req.Messages),
		Stream:        req.Stream,
		Created:       time.Now().Unix(),
	}, nil
}

// BuildPrompt 把 role 标注的消息序列压平成单条 prompt
// 逐条保序，角色前缀框定轮次，空行分隔；结果是确定性的
func BuildPrompt(messages []models.ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		content := m.StringContent()
		switch m.Role {
		case "system":
			parts = append(parts, "System: "+content)
		case "user":
			parts = append(parts, "User: "+content)
		case "assistant":
			parts = append(parts, "Assistant: "+content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ListModels 返回支持的别名及元数据（表序固定）
func (t *RequestTranslator) ListModels() []models.ModelInfo {
	created := time.Now().Unix()
	infos := make([]models.ModelInfo, 0, len(t.order))
	for _, alias := range t.order {
		target := t.targets[alias]
		infos = append(infos, models.ModelInfo{
			ID:         alias,
			Object:     "model",
			Created:    created,
			OwnedBy:    "google",
			Tier:       target.Tier,
			Deprecated: target.Deprecated,
		})
	}
	return infos
}

// Supports 别名是否在映射表中
func (t *RequestTranslator) Supports(alias string) bool {
	_, ok := t.targets[alias]
	return ok
}

// newRequestID 生成 chatcmpl-<32位hex> 请求 ID
func newRequestID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "chatcmpl-" + hex.EncodeToString(bytes)
}
