package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"slides2video/config"
	"slides2video/models"
	"slides2video/routers/api"
	"slides2video/service"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 持有一个进程内共享的全部组件
type app struct {
	cfg       *config.Config
	log       *logrus.Logger
	db        *gorm.DB
	registry  *prometheus.Registry
	blobs     service.BlobStore
	queue     service.Queue
	inline    *service.InlineQueue
	processor *service.Processor
	manager   *service.Manager
	auth      *service.Authenticator
	closers   []func() error
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (service.BlobStore, error) {
	if cfg.Storage.Driver == config.StorageMinIO {
		return service.NewMinioStore(ctx, cfg.MinIO, log)
	}
	return service.NewLocalStore(cfg.Storage.LocalDir)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if a.db, err = models.OpenDB(cfg.Database, log); err != nil {
		return nil, err
	}
	if a.blobs, err = newBlobStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := service.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	tools := service.NewMediaTools(cfg.Media, log)
	if err := tools.Check(); err != nil {
		log.WithError(err).Warn("媒体工具不可用，切图与渲染任务将失败")
	}
	hub := service.NewHub()

	a.processor = service.NewProcessor(a.db, a.blobs, tools, log)
	a.processor.Hub = hub
	a.processor.Metrics = metrics

	switch cfg.Queue.Mode {
	case config.QueueModeAsynq:
		q := service.NewAsynqQueue(cfg.Redis, log)
		a.closers = append(a.closers, q.Close)
		a.queue = q
	default:
		q := service.NewInlineQueue(log)
		q.Handle(a.processor.Mux())
		q.HandleError(asynq.ErrorHandlerFunc(a.processor.HandleError))
		a.queue = q
		a.inline = q
	}

	a.manager = &service.Manager{
		DB:        a.db,
		Queue:     a.queue,
		Blobs:     a.blobs,
		Inspector: service.NewPdfcpuInspector(),
		Hub:       hub,
		Log:       log,
	}
	a.auth = service.NewAuthenticator(a.db, cfg.Auth)
	return a, nil
}

func (a *app) handler() *api.Handler {
	return &api.Handler{
		Manager:    a.manager,
		Auth:       a.auth,
		Log:        a.log,
		CookieName: a.cfg.Auth.CookieName,
		MaxUpload:  a.cfg.Server.MaxUploadMB << 20,
	}
}

// resume 在 inline 模式下重新执行上次退出时未完成的任务
func (a *app) resume(ctx context.Context) error {
	if a.inline == nil {
		return nil
	}
	n, err := a.processor.Resume(ctx, a.inline)
	if err != nil {
		return fmt.Errorf("resume tasks: %w", err)
	}
	if n > 0 {
		a.log.Infof("恢复了 %d 个未完成的任务", n)
	}
	return nil
}

// Close 先等待进程内任务结束，再关闭队列与数据库
func (a *app) Close() {
	if a.inline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Queue.DrainSeconds)*time.Second)
		if err := a.inline.Drain(ctx); err != nil {
			a.log.WithError(err).Warn("仍有任务未结束，下次启动时恢复")
		}
		cancel()
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

