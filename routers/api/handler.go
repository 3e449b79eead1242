package api

import (
	"errors"
	"net/http"
	"strings"

	"slides2video/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const ownerKey = "owner_id"

// Handler 持有 API 层需要的全部依赖
type Handler struct {
	Manager    *service.Manager
	Auth       *service.Authenticator
	Log        *logrus.Logger
	CookieName string
	// 上传大小上限（字节）
	MaxUpload int64
}

// RequireAuth 依次尝试 Authorization: Bearer 与会话 cookie，任一有效即通过
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokens []string
		if header := c.GetHeader("Authorization"); header != "" {
			scheme, value, ok := strings.Cut(header, " ")
			if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
				tokens = append(tokens, strings.TrimSpace(value))
			}
		}
		if cookie, err := c.Cookie(h.CookieName); err == nil && cookie != "" {
			tokens = append(tokens, cookie)
		}
		if len(tokens) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		var verr error
		for _, token := range tokens {
			owner, err := h.Auth.Verify(token)
			if err == nil {
				c.Set(ownerKey, owner)
				c.Next()
				return
			}
			verr = err
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": verr.Error()})
	}
}

func owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}

// statusOf 把 service 层错误映射为 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).WithError(err).Error("request failed")
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// splitAction 拆分 "<id>:<action>" 形式的最后一段路径
func splitAction(segment string) (id, action string) {
	id, action, _ = strings.Cut(segment, ":")
	return id, action
}
