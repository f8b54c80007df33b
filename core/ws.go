package core

import (
	"errors"
	"io"
	"net/http"

	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSIncoming 客户端发来的一轮对话请求
type WSIncoming struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
}

// WSOutgoing 推给客户端的帧
type WSOutgoing struct {
	Type         string `json:"type"` // "delta", "done", "error"
	Content      string `json:"content,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// HandleChatWS GET /v1/chat/ws
// 同一连接上可以依次发起多轮请求，每轮以 done 或 error 帧收尾
func (g *Gateway) HandleChatWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var in WSIncoming
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warnf("WebSocket read error: %v", err)
			}
			return
		}
		g.serveWSTurn(c, conn, &in)
	}
}

// serveWSTurn 处理一轮 WebSocket 对话
func (g *Gateway) serveWSTurn(c *gin.Context, conn *websocket.Conn, in *WSIncoming) {
	req := models.ChatCompletionRequest{
		Model:    in.Model,
		Messages: in.Messages,
		Stream:   true,
	}

	env, err := g.translator.Translate(&req)
	if err != nil {
		conn.WriteJSON(WSOutgoing{Type: "error", Content: err.Error()})
		return
	}

	result, err := g.dispatcher.Dispatch(c.Request.Context(), env)
	if err != nil {
		conn.WriteJSON(WSOutgoing{Type: "error", Content: err.Error()})
		return
	}
	defer result.Stream.Close()

	var seq int64
	for {
		delta, err := result.Stream.Recv()
		if errors.Is(err, io.EOF) {
			conn.WriteJSON(WSOutgoing{Type: "done", Seq: seq + 1, FinishReason: "stop"})
			return
		}
		if err != nil {
			g.pool.ReportFailure(result.Credential.ID)
			conn.WriteJSON(WSOutgoing{Type: "error", Content: err.Error(), FinishReason: "error"})
			return
		}

		seq++
		if err := conn.WriteJSON(WSOutgoing{Type: "delta", Content: delta, Seq: seq}); err != nil {
			// 客户端断开：中止生产即可
			return
		}
	}
}
