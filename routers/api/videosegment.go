package api

import (
	"net/http"

	"slides2video/models"
	"slides2video/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) CreateSegment(c *gin.Context) {
	var req struct {
		ImageID string `json:"image_id" binding:"required"`
		Order   *int   `json:"order" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	seg, err := h.Manager.CreateSegment(c.Request.Context(), owner(c), c.Param("id"), req.ImageID, *req.Order)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, seg)
}

func (h *Handler) GetSegment(c *gin.Context) {
	seg, err := h.Manager.GetSegment(c.Request.Context(), owner(c), c.Param("id"), c.Param("segid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}

// 修改片段：只有 created 状态的片段可以修改 script / hidden
func (h *Handler) UpdateSegment(c *gin.Context) {
	var req struct {
		Script  *string `json:"script"`
		Hidden  *bool   `json:"hidden"`
		Status  *string `json:"status"`
		IdemKey string  `json:"idem_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd := service.SegmentUpdate{Script: req.Script, Hidden: req.Hidden, IdemKey: req.IdemKey}
	if req.Status != nil {
		status := models.Status(*req.Status)
		upd.Status = &status
	}
	seg, err := h.Manager.UpdateSegment(c.Request.Context(), owner(c), c.Param("id"), c.Param("segid"), upd)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}

// 片段动作：POST /api/v1/project/:id/videosegment/<segid>:generate
func (h *Handler) SegmentAction(c *gin.Context) {
	segID, action := splitAction(c.Param("segid"))
	if action != "generate" {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown videosegment action " + action})
		return
	}
	seg, err := h.Manager.GenerateSegment(c.Request.Context(), owner(c), c.Param("id"), segID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}
