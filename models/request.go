package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ChatCompletionRequest OpenAI 聊天请求
type ChatCompletionRequest struct {
	Model            string         `json:"model" binding:"required"`
	Messages         []ChatMessage  `json:"messages" binding:"required"`
	Stream           bool           `json:"stream,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	Stop             interface{}    `json:"stop,omitempty"`
	StreamOptions    *StreamOptions `json:"stream_options,omitempty"`
	User             string         `json:"user,omitempty"`
}

// ChatMessage 聊天消息
type ChatMessage struct {
	Role    string      `json:"role,omitempty" binding:"required,oneof=system user assistant tool"`
	Content interface{} `json:"content,omitempty"`
	Name    string      `json:"name,omitempty"`
}

// StreamOptions 流式选项
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionResponse OpenAI 聊天响应
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

// ChatCompletionChoice 聊天选择
type ChatCompletionChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk 流式响应块
// Seq 是网关附加的单调递增序号，客户端可用它检测乱序/丢块
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Seq     int64         `json:"seq,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice 流式选择
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta 增量内容
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionUsage 使用统计
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo 模型元信息
type ModelInfo struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Tier       string `json:"tier,omitempty"`
	Deprecated bool   `json:"deprecated,omitempty"`
}

// ModelsResponse 模型列表响应
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status               string `json:"status"`
	Gateway              string `json:"gateway"`
	AvailableCredentials int    `json:"available_credentials"`
	Timestamp            int64  `json:"timestamp"`
}

// CredentialStatus 单个凭证的状态快照（不暴露 secret）
type CredentialStatus struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	IsAvailable bool      `json:"is_available"`
	ErrorCount  int       `json:"error_count"`
	LastUsed    time.Time `json:"last_used"`
}

// PoolStatusResponse 凭证池状态响应
type PoolStatusResponse struct {
	TotalCredentials     int                `json:"total_credentials"`
	AvailableCredentials int                `json:"available_credentials"`
	Credentials          []CredentialStatus `json:"credentials"`
}

// MaskSecret 脱敏凭证 secret
func MaskSecret(secret string) string {
	if secret == "" {
		return "***"
	}

	if len(secret) <= 4 {
		return secret[:1] + "***"
	}

	if len(secret) <= 8 {
		return secret[:2] + "***" + secret[len(secret)-2:]
	}

	return secret[:3] + "***" + secret[len(secret)-4:]
}

// StringContent 从ChatMessage.Content提取字符串内容
// 支持普通字符串和多模态数组格式
func (m *ChatMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}

	// 情况1: 直接是字符串
	if str, ok := m.Content.(string); ok {
		return str
	}

	// 情况2: 多模态数组格式 [{"type": "text", "text": "..."}, ...]
	if arr, ok := m.Content.([]interface{}); ok {
		var result strings.Builder
		for _, item := range arr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				if itemType, exists := itemMap["type"]; exists && itemType == "text" {
					if text, exists := itemMap["text"]; exists {
						if textStr, ok := text.(string); ok {
							if result.Len() > 0 {
								result.WriteString(" ")
							}
							result.WriteString(textStr)
						}
					}
				}
			}
		}
		return result.String()
	}

	// 情况3: 其他类型，尝试转换为JSON字符串
	if jsonBytes, err := json.Marshal(m.Content); err == nil {
		return string(jsonBytes)
	}

	return ""
}
