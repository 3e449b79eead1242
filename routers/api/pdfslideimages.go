package api

import (
	"errors"
	"io"
	"net/http"

	"slides2video/models"
	"slides2video/service"

	"github.com/gin-gonic/gin"
)

// UploadFormField 是承载 pdf 的 multipart 字段名
const UploadFormField = "myfile"

// 上传 pdf：POST /api/v1/project/:id/pdfslideimages
func (h *Handler) UploadPDF(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUpload)
	file, header, err := c.Request.FormFile(UploadFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field " + UploadFormField})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read upload: " + err.Error()})
		return
	}
	item, err := h.Manager.UploadPDF(c.Request.Context(), owner(c), c.Param("id"), header.Filename, data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetPDFSlideImages(c *gin.Context) {
	item, err := h.Manager.GetPDFSlideImages(c.Request.Context(), owner(c), c.Param("id"), c.Param("pdfid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// 修改切图文字：PUT /api/v1/project/:id/pdfslideimages/:pdfid
func (h *Handler) UpdatePDFSlideImages(c *gin.Context) {
	var req struct {
		Status      *string `json:"status"`
		SlideAssets []struct {
			ImageID string `json:"image_id" binding:"required"`
			Text    string `json:"text"`
		} `json:"slide_assets" binding:"dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd := service.PDFSlideImagesUpdate{}
	if req.Status != nil {
		status := models.Status(*req.Status)
		upd.Status = &status
	}
	for _, a := range req.SlideAssets {
		upd.SlideAssets = append(upd.SlideAssets, service.SlideText{ImageID: a.ImageID, Text: a.Text})
	}
	item, err := h.Manager.UpdatePDFSlideImages(c.Request.Context(), owner(c), c.Param("id"), c.Param("pdfid"), upd)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
