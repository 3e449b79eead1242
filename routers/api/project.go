package api

import (
	"net/http"

	"slides2video/models"
	"slides2video/service"

	"github.com/gin-gonic/gin"
)

// 创建项目：POST /api/v1/project，请求体可选
func (h *Handler) CreateProject(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	project, err := h.Manager.CreateProject(c.Request.Context(), owner(c), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// 获取项目详情（含 pdf_slide_images 与 video_segments）
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.Manager.GetProject(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.Manager.ListProjects(c.Request.Context(), owner(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// 部分更新：name / status / idem_key
func (h *Handler) UpdateProject(c *gin.Context) {
	var req struct {
		Name    *string `json:"name"`
		Status  *string `json:"status"`
		IdemKey string  `json:"idem_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd := service.ProjectUpdate{Name: req.Name, IdemKey: req.IdemKey}
	if req.Status != nil {
		status := models.Status(*req.Status)
		upd.Status = &status
	}
	project, err := h.Manager.UpdateProject(c.Request.Context(), owner(c), c.Param("id"), upd)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.Manager.DeleteProject(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// 项目动作：POST /api/v1/project/<id>:generate-video 与 <id>:concat
func (h *Handler) ProjectAction(c *gin.Context) {
	id, action := splitAction(c.Param("id"))
	var (
		project *models.Project
		err     error
	)
	switch action {
	case "generate-video":
		project, err = h.Manager.GenerateVideo(c.Request.Context(), owner(c), id)
	case "concat":
		project, err = h.Manager.Concat(c.Request.Context(), owner(c), id)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project action " + action})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// 后台任务记录：GET /api/v1/project/:id/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.Manager.ListTasks(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
