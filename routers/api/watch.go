package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"slides2video/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WatchInterval 是没有收到通知时重新读库的间隔，worker 在其它进程时靠它发现变化
var WatchInterval = 2 * time.Second

// 项目进度 WebSocket 推送：GET /api/v1/project/:id/watch
// 先推送当前项目，之后每次变化推送一次，项目进入 completed/failed 后关闭
func (h *Handler) WatchProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("id")
	ownerID := owner(c)

	// 先订阅再读取，避免漏掉两者之间的变化
	events, cancel := h.Manager.Hub.Subscribe(projectID)
	defer cancel()

	project, err := h.Manager.GetProject(ctx, ownerID, projectID)
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.WithError(err).Warn("WebSocket升级失败")
		return
	}
	defer conn.Close()

	// 读循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var prev []byte
	push := func(p *models.Project) bool {
		b, err := json.Marshal(p)
		if err != nil || bytes.Equal(b, prev) {
			return err == nil
		}
		prev = b
		return conn.WriteMessage(websocket.TextMessage, b) == nil
	}
	if !push(project) || projectDone(project) {
		return
	}

	ticker := time.NewTicker(WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-events:
		case <-ticker.C:
		}
		cur, err := h.Manager.GetProject(ctx, ownerID, projectID)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			return
		}
		if !push(cur) || projectDone(cur) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(cur.Status)))
			return
		}
	}
}

func projectDone(p *models.Project) bool {
	return p.Status == models.StatusCompleted || p.Status == models.StatusFailed
}
