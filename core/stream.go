package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// statusClientClosed 客户端在流结束前断开（nginx 499 约定），仅用于请求日志
const statusClientClosed = 499

// StreamEncoder 把增量文本生产转成输出信封
// 流式：每个增量一个 SSE 块 + 恰好一个终止块；非流式：聚合为单个响应体
type StreamEncoder struct {
	pool   *CredentialPool
	logger *logrus.Logger
}

// NewStreamEncoder 创建编码器
func NewStreamEncoder(pool *CredentialPool, logger *logrus.Logger) *StreamEncoder {
	return &StreamEncoder{pool: pool, logger: logger}
}

// EncodeSSE 把补全流编码为 SSE 块序列，返回供请求日志使用的结果状态码
// 每块携带单调递增的 seq；正常结束发 finish_reason=stop 的终止块和 [DONE]；
// 客户端断开则中止上游生产、不再发送任何块也不重试；
// 已发出部分内容后的上游错误以 finish_reason=error 的终止块显式收尾
func (e *StreamEncoder) EncodeSSE(c *gin.Context, env *RequestEnvelope, result *DispatchResult) int {
	defer result.Stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // 禁用 Nginx 缓冲
	c.Status(200)
	c.Writer.Flush()

	ctx := c.Request.Context()
	var seq int64

	for {
		select {
		case <-ctx.Done():
			// 客户端取消：中止生产即可，凭证状态保持原样
			e.logger.Warnf("⚠️ Stream %s cancelled by client after %d chunks", env.RequestID, seq)
			return statusClientClosed
		default:
		}

		delta, err := result.Stream.Recv()
		if errors.Is(err, io.EOF) {
			seq++
			e.writeChunk(c, terminalChunk(env, seq, "stop"))
			e.writeDone(c)
			return http.StatusOK
		}
		if err != nil {
			// 上游中途出错：该凭证记一次失败，并用终止错误块显式收尾
			e.pool.ReportFailure(result.Credential.ID)
			e.logger.Errorf("❌ Stream %s aborted by upstream error: %v", env.RequestID, err)
			e.writeChunk(c, terminalChunk(env, seq+1, "error"))
			e.writeDone(c)
			return http.StatusBadGateway
		}

		seq++
		chunk := models.ChatCompletionChunk{
			ID:      env.RequestID,
			Object:  "chat.completion.chunk",
			Created: env.Created,
			Model:   env.Alias,
			Seq:     seq,
			Choices: []models.ChunkChoice{{
				Index: 0,
				Delta: models.ChunkDelta{Content: delta},
			}},
		}
		if err := e.writeChunk(c, chunk); err != nil {
			e.logger.Warnf("⚠️ Stream %s write failed (client gone?): %v", env.RequestID, err)
			return statusClientClosed
		}
	}
}

// Aggregate 消费整个流并返回单个完整响应
func (e *StreamEncoder) Aggregate(c *gin.Context, env *RequestEnvelope, result *DispatchResult) (*models.ChatCompletionResponse, error) {
	defer result.Stream.Close()

	ctx := c.Request.Context()
	var body strings.Builder

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delta, err := result.Stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.pool.ReportFailure(result.Credential.ID)
			return nil, fmt.Errorf("upstream stream failed: %w", err)
		}
		body.WriteString(delta)
	}

	text := body.String()
	promptTokens := len(strings.Fields(env.Prompt))
	completionTokens := len(strings.Fields(text))

	return &models.ChatCompletionResponse{
		ID:      env.RequestID,
		Object:  "chat.completion",
		Created: env.Created,
		Model:   env.Alias,
		Choices: []models.ChatCompletionChoice{{
			Index: 0,
			Message: &models.ChatMessage{
				Role:    "assistant",
				Content: text,
			},
			FinishReason: "stop",
		}},
		Usage: &models.ChatCompletionUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// terminalChunk 构造终止块（空 delta + finish_reason）
func terminalChunk(env *RequestEnvelope, seq int64, reason string) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      env.RequestID,
		Object:  "chat.completion.chunk",
		Created: env.Created,
		Model:   env.Alias,
		Seq:     seq,
		Choices: []models.ChunkChoice{{
			Index:        0,
			Delta:        models.ChunkDelta{},
			FinishReason: &reason,
		}},
	}
}

// writeChunk 序列化并发送一个 SSE 数据块，立即刷新
func (e *StreamEncoder) writeChunk(c *gin.Context, chunk models.ChatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Writer.Write(payload); err != nil {
		return err
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// writeDone 发送流结束标记
func (e *StreamEncoder) writeDone(c *gin.Context) {
	c.Writer.Write([]byte("data: [DONE]\n\n"))
	c.Writer.Flush()
}
