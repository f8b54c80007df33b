package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// newTestGateway 组装一套进程内网关（无数据库、无限流）
func newTestGateway(t *testing.T, n int, session SessionAdapter) (*Gateway, *CredentialPool, *gin.Engine) {
	t.Helper()

	pool := newTestPool(t, n, StrategyRoundRobin)
	log := testLogger()
	g := NewGateway(
		pool,
		NewRequestTranslator(),
		NewDispatcher(pool, session, log, 0),
		NewStreamEncoder(pool, log),
		log,
		nil,
	)

	r := gin.New()
	r.POST("/v1/chat/completions", g.HandleChatCompletions)
	r.GET("/v1/chat/ws", g.HandleChatWS)
	r.GET("/v1/models", g.HandleListModels)
	r.GET("/health", g.HandleHealth)
	r.GET("/credentials/status", g.HandlePoolStatus)
	return g, pool, r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	_, _, r := newTestGateway(t, 2, newFakeSession("Hello from Gemini"))

	w := doJSON(r, "POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ChatCompletionResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "Hello from Gemini", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 2, resp.Usage.PromptTokens) // "User: hi"
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestChatCompletionsStreaming(t *testing.T) {
	_, _, r := newTestGateway(t, 2, newFakeSession("streamed answer text"))

	w := doJSON(r, "POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	chunks, done := parseSSE(t, w.Body.String())
	assert.True(t, done)

	var body strings.Builder
	for _, chunk := range chunks[:len(chunks)-1] {
		body.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "streamed answer text", body.String())
	assert.Equal(t, "stop", *chunks[len(chunks)-1].Choices[0].FinishReason)
}

func TestChatCompletionsUnknownModelConsumesNoCredential(t *testing.T) {
	session := newFakeSession("unused")
	_, pool, r := newTestGateway(t, 3, session)

	w := doJSON(r, "POST", "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp models.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request_error", resp.Error.Type)

	// 未知模型在选凭证之前就被拒绝
	assert.Empty(t, session.callLog())
	for _, cred := range pool.Status().Credentials {
		assert.True(t, cred.LastUsed.IsZero(), "no credential may be consumed for an unknown model")
	}
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	_, _, r := newTestGateway(t, 1, newFakeSession("unused"))

	w := doJSON(r, "POST", "/v1/chat/completions", `{"model":"gemini-2.5-flash"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp models.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request_error", resp.Error.Type)
}

func TestChatCompletionsAllCredentialsExhausted(t *testing.T) {
	session := newFakeSession("unused")
	_, pool, r := newTestGateway(t, 2, session)
	for i := 0; i < 3; i++ {
		pool.ReportFailure("cred-1")
		pool.ReportFailure("cred-2")
	}

	w := doJSON(r, "POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp models.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "service_unavailable", resp.Error.Type)
	assert.Empty(t, session.callLog())
}

func TestChatCompletionsFatalUpstreamError(t *testing.T) {
	session := newFakeSession("unused")
	session.failures["cred-1"] = errors.New("upstream rejected request with status 400")
	_, _, r := newTestGateway(t, 1, session)

	w := doJSON(r, "POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)

	// 致命上游错误：502，错误标签与状态码同类
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp models.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_error", resp.Error.Type)
}

func TestListModelsEndpoint(t *testing.T) {
	_, _, r := newTestGateway(t, 1, newFakeSession("unused"))

	w := doJSON(r, "GET", "/v1/models", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ModelsResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	assert.Len(t, resp.Data, 6)
}

func TestHealthReflectsPoolAvailability(t *testing.T) {
	_, pool, r := newTestGateway(t, 1, newFakeSession("unused"))

	w := doJSON(r, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var health models.HealthResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.AvailableCredentials)

	for i := 0; i < 3; i++ {
		pool.ReportFailure("cred-1")
	}

	w = doJSON(r, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPoolStatusEndpointMasksSecrets(t *testing.T) {
	_, _, r := newTestGateway(t, 2, newFakeSession("unused"))

	w := doJSON(r, "GET", "/credentials/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var status models.PoolStatusResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 2, status.TotalCredentials)
	assert.Equal(t, 2, status.AvailableCredentials)

	// 状态面只暴露展示名，绝不携带 secret
	assert.NotContains(t, w.Body.String(), "psid-A")
	assert.NotContains(t, w.Body.String(), "psidts-A")
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	_, _, r := newTestGateway(t, 1, newFakeSession("ws streamed reply"))

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, conn.WriteJSON(WSIncoming{
		Model:    "gemini-2.5-flash",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}))

	var body strings.Builder
	var lastSeq int64
	for {
		var frame WSOutgoing
		assert.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == "done" {
			assert.Equal(t, "stop", frame.FinishReason)
			assert.Greater(t, frame.Seq, lastSeq)
			break
		}
		assert.Equal(t, "delta", frame.Type)
		assert.Greater(t, frame.Seq, lastSeq)
		lastSeq = frame.Seq
		body.WriteString(frame.Content)
	}
	assert.Equal(t, "ws streamed reply", body.String())

	// 同一连接上的第二轮：未知模型以 error 帧收尾，连接保持可用
	assert.NoError(t, conn.WriteJSON(WSIncoming{
		Model:    "unknown-model",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}))
	var frame WSOutgoing
	assert.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
}
