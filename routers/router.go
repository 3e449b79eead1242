package routers

import (
	"net/http"
	"time"

	"slides2video/config"
	"slides2video/routers/api"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func InitRouter(h *api.Handler, cfg config.ServerConfig, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AddAllowHeaders("Authorization")
	corsCfg.MaxAge = 12 * time.Hour
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/users/register", h.Register)
		v1.POST("/login", h.Login)
		v1.POST("/logout", h.Logout)
	}

	authed := v1.Group("", h.RequireAuth())
	{
		authed.POST("/project", h.CreateProject)
		authed.GET("/projects", h.ListProjects)
		authed.GET("/project/:id", h.GetProject)
		authed.PUT("/project/:id", h.UpdateProject)
		authed.DELETE("/project/:id", h.DeleteProject)
		// gin 不支持同一段里混用参数和字面量，":generate-video" / ":concat" 在处理函数里拆分
		authed.POST("/project/:id", h.ProjectAction)
		authed.GET("/project/:id/watch", h.WatchProject)
		authed.GET("/project/:id/video", h.DownloadVideo)
		authed.GET("/project/:id/tasks", h.ListTasks)
		authed.GET("/project/:id/image/*imageid", h.DownloadImage)

		authed.POST("/project/:id/pdfslideimages", h.UploadPDF)
		authed.GET("/project/:id/pdfslideimages/:pdfid", h.GetPDFSlideImages)
		authed.PUT("/project/:id/pdfslideimages/:pdfid", h.UpdatePDFSlideImages)

		authed.POST("/project/:id/videosegment", h.CreateSegment)
		authed.GET("/project/:id/videosegment/:segid", h.GetSegment)
		authed.PUT("/project/:id/videosegment/:segid", h.UpdateSegment)
		authed.POST("/project/:id/videosegment/:segid", h.SegmentAction)
		authed.GET("/project/:id/videosegment/:segid/video", h.DownloadSegmentVideo)
	}
	return r
}
