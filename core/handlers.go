package core

import (
	"errors"
	"net/http"
	"time"

	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Gateway 聚合请求处理所需的协作者（依赖注入，无全局单例）
type Gateway struct {
	pool        *CredentialPool
	translator  *RequestTranslator
	dispatcher  *Dispatcher
	encoder     *StreamEncoder
	logger      *logrus.Logger
	asyncLogger *AsyncRequestLogger
}

// NewGateway 构造网关处理器
func NewGateway(
	pool *CredentialPool,
	translator *RequestTranslator,
	dispatcher *Dispatcher,
	encoder *StreamEncoder,
	logger *logrus.Logger,
	asyncLogger *AsyncRequestLogger,
) *Gateway {
	return &Gateway{
		pool:        pool,
		translator:  translator,
		dispatcher:  dispatcher,
		encoder:     encoder,
		logger:      logger,
		asyncLogger: asyncLogger,
	}
}

// HandleChatCompletions POST /v1/chat/completions
func (g *Gateway) HandleChatCompletions(c *gin.Context) {
	start := time.Now()

	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: "Invalid request body: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	// 翻译失败（未知模型）不消耗任何凭证
	env, err := g.translator.Translate(&req)
	if err != nil {
		g.sendError(c, err)
		return
	}

	g.logger.Infof("🚀 Request: ID=%s | Model=%s | IP=%s | Stream=%v",
		env.RequestID, env.Alias, c.ClientIP(), env.Stream)

	result, err := g.dispatcher.Dispatch(c.Request.Context(), env)
	if err != nil {
		g.recordRequest(c, env, "", start, statusFor(err))
		g.sendError(c, err)
		return
	}

	if env.Stream {
		// 流式请求的日志状态码反映流的真实结局（正常收尾/上游出错/客户端断开）
		status := g.encoder.EncodeSSE(c, env, result)
		g.recordRequest(c, env, result.Credential.ID, start, status)
		return
	}

	resp, err := g.encoder.Aggregate(c, env, result)
	if err != nil {
		g.recordRequest(c, env, result.Credential.ID, start, http.StatusBadGateway)
		g.sendError(c, err)
		return
	}

	g.recordRequest(c, env, result.Credential.ID, start, http.StatusOK)
	c.JSON(http.StatusOK, resp)
}

// HandleListModels GET /v1/models
func (g *Gateway) HandleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, models.ModelsResponse{
		Object: "list",
		Data:   g.translator.ListModels(),
	})
}

// HandlePoolStatus GET /credentials/status
func (g *Gateway) HandlePoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.pool.Status())
}

// HandleHealth GET /health
func (g *Gateway) HandleHealth(c *gin.Context) {
	available := g.pool.AvailableCount()
	status := "healthy"
	code := http.StatusOK
	if available == 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, models.HealthResponse{
		Status:               status,
		Gateway:              "gemini-gateway",
		AvailableCredentials: available,
		Timestamp:            time.Now().Unix(),
	})
}

// HandleRoot GET /
func (g *Gateway) HandleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Gemini Gateway",
		"version": "1.0.0",
		"endpoints": gin.H{
			"models":             "/v1/models",
			"chat_completions":   "/v1/chat/completions",
			"chat_websocket":     "/v1/chat/ws",
			"health":             "/health",
			"credentials_status": "/credentials/status",
		},
	})
}

// sendError 发送结构化错误响应（kind 标签 + 人类可读消息）
func (g *Gateway) sendError(c *gin.Context, err error) {
	c.JSON(statusFor(err), models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: err.Error(),
			Type:    ErrorType(err),
		},
	})
}

// statusFor 错误到 HTTP 状态码的映射
func statusFor(err error) int {
	var de *DispatchError
	switch {
	case errors.Is(err, ErrUnknownModel):
		return http.StatusBadRequest
	case errors.As(err, &de):
		if de.Reason == ReasonFatalUpstream {
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// recordRequest 投递一条请求日志到异步记录器
func (g *Gateway) recordRequest(c *gin.Context, env *RequestEnvelope, credID string, start time.Time, status int) {
	if g.asyncLogger == nil {
		return
	}
	g.asyncLogger.Log(&models.RequestLog{
		CreatedAt:    start,
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		Model:        env.Alias,
		CredentialID: credID,
		StatusCode:   status,
		Duration:     time.Since(start).Milliseconds(),
		Stream:       env.Stream,
		IP:           c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
}
