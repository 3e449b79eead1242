package api

import (
	"net/http"
	"path"
	"strings"

	"slides2video/service"

	"github.com/gin-gonic/gin"
)

// 有签名 URL 时 302 跳转，否则直接返回文件内容
func (h *Handler) sendDownload(c *gin.Context, d *service.Download, filename string) {
	if d.URL != "" {
		c.Redirect(http.StatusFound, d.URL)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, d.ContentType, d.Data)
}

// 下载成片：GET /project/:id/video
func (h *Handler) DownloadVideo(c *gin.Context) {
	video, err := h.Manager.Video(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.sendDownload(c, video, c.Param("id")+".mp4")
}

// 下载切图：GET /project/:id/image/*imageid，imageid 即切图的存储 key
func (h *Handler) DownloadImage(c *gin.Context) {
	imageID := strings.TrimPrefix(c.Param("imageid"), "/")
	image, err := h.Manager.SlideImage(c.Request.Context(), owner(c), c.Param("id"), imageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.sendDownload(c, image, path.Base(imageID))
}

// 下载单个片段：GET /project/:id/videosegment/:segid/video
func (h *Handler) DownloadSegmentVideo(c *gin.Context) {
	video, err := h.Manager.SegmentVideo(c.Request.Context(), owner(c), c.Param("id"), c.Param("segid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.sendDownload(c, video, c.Param("segid")+".mp4")
}
