package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"slides2video/config"
	"slides2video/models"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var validate = validator.New()

// Processor 处理队列任务：pdf 切图、片段渲染、成片拼接
type Processor struct {
	DB         *gorm.DB
	Blobs      BlobStore
	Rasterizer Rasterizer
	Renderer   Renderer
	Concater   Concater
	Hub        *Hub
	Metrics    *Metrics
	Log        *logrus.Logger

	// 拼接前并发下载片段的上限
	DownloadLimit int
}

func NewProcessor(db *gorm.DB, blobs BlobStore, tools *MediaTools, log *logrus.Logger) *Processor {
	return &Processor{
		DB:            db,
		Blobs:         blobs,
		Rasterizer:    tools,
		Renderer:      tools,
		Concater:      tools,
		Log:           log,
		DownloadLimit: 4,
	}
}

// Mux 注册三种任务的处理函数，asynq server 与 InlineQueue 共用
func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(p.Metrics.Middleware)
	mux.HandleFunc(TypePDFSplit, p.HandlePDFSplit)
	mux.HandleFunc(TypeSegmentRender, p.HandleSegmentRender)
	mux.HandleFunc(TypeVideoConcat, p.HandleVideoConcat)
	return mux
}

// NewServer 创建 asynq 消费端，用 srv.Run(p.Mux()) 或 srv.Start(p.Mux()) 启动
func (p *Processor) NewServer(redis config.RedisConfig, concurrency int) *asynq.Server {
	p.Log.Infof("Starting Task Processor with concurrency %d...", concurrency)
	return asynq.NewServer(redisOpt(redis), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(p.HandleError),
		Logger:       p.Log.WithField("component", "asynq"),
	})
}

func decodePayload(t *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func (p *Processor) abandon(taskID, reason string) {
	if err := models.AbandonTask(p.DB, taskID, reason); err != nil {
		p.Log.WithField("task_id", taskID).WithError(err).Warn("更新任务记录失败")
	}
}

func (p *Processor) taskStatus(taskID string, status models.Status, errMsg string) {
	if err := models.UpdateTaskStatus(p.DB, taskID, status, errMsg); err != nil {
		p.Log.WithField("task_id", taskID).WithError(err).Warn("更新任务记录失败")
	}
}

// HandlePDFSplit 把上传的 pdf 切成逐页图片，并为每页生成一个视频片段
func (p *Processor) HandlePDFSplit(ctx context.Context, t *asynq.Task) error {
	var payload PDFSplitPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	log := p.Log.WithFields(logrus.Fields{
		"task":                t.Type(),
		"project_id":          payload.ProjectID,
		"pdf_slide_images_id": payload.PDFSlideImagesID,
	})

	item, err := models.GetPDFSlideImages(p.DB, payload.ProjectID, payload.PDFSlideImagesID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("pdf slide images 不存在，跳过")
			p.abandon(payload.TaskID, "skipped: pdf slide images not found")
			return nil
		}
		return err
	}
	switch item.Status {
	case models.StatusCompleted, models.StatusFailed:
		log.Infof("状态为 %s，跳过", item.Status)
		p.abandon(payload.TaskID, fmt.Sprintf("skipped: pdf slide images is %s", item.Status))
		return nil
	case models.StatusCreated:
		if _, err := models.TransitionPDFSlideImages(p.DB, item.ID, []models.Status{models.StatusCreated}, models.StatusRunning); err != nil {
			return err
		}
		p.Hub.Publish(item.ProjectID)
	}
	p.taskStatus(payload.TaskID, models.StatusRunning, "")
	log.Info("开始切图")

	fail := func(err error) error {
		log.WithError(err).Error("切图失败")
		if ferr := models.FailPDFSlideImages(p.DB, item.ID, err.Error()); ferr != nil {
			return ferr
		}
		p.taskStatus(payload.TaskID, models.StatusFailed, err.Error())
		p.Metrics.outcome(t.Type(), models.StatusFailed)
		p.Hub.Publish(item.ProjectID)
		return nil // 业务失败，不再重试
	}

	data, err := p.Blobs.Load(ctx, item.PDFFile)
	if err != nil {
		return fail(fmt.Errorf("load pdf: %w", err))
	}
	pages, err := p.Rasterizer.Rasterize(ctx, data)
	if err != nil {
		return fail(fmt.Errorf("rasterize: %w", err))
	}
	if len(pages) == 0 {
		return fail(errors.New("rasterize: no pages"))
	}

	assets := make([]models.SlideAsset, 0, len(pages))
	for i, page := range pages {
		key := fmt.Sprintf("images/%s-%03d.png", item.ID, i+1)
		if err := saveBytes(ctx, p.Blobs, key, page); err != nil {
			return fail(fmt.Errorf("store page %d: %w", i+1, err))
		}
		assets = append(assets, models.SlideAsset{ImageID: key, Order: i + 1})
	}

	segments, err := models.CompletePDFSlideImages(p.DB, item.ID, assets)
	if err != nil {
		return fail(fmt.Errorf("record slides: %w", err))
	}
	p.taskStatus(payload.TaskID, models.StatusCompleted, "")
	p.Metrics.outcome(t.Type(), models.StatusCompleted)
	p.Hub.Publish(item.ProjectID)
	log.Infof("切图完成: %d 页, 新建 %d 个片段", len(assets), len(segments))
	return nil
}

// HandleSegmentRender 把单页图片和旁白脚本渲染成视频片段
func (p *Processor) HandleSegmentRender(ctx context.Context, t *asynq.Task) error {
	var payload SegmentRenderPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	log := p.Log.WithFields(logrus.Fields{
		"task":       t.Type(),
		"project_id": payload.ProjectID,
		"segment_id": payload.SegmentID,
	})

	seg, err := models.GetVideoSegment(p.DB, payload.ProjectID, payload.SegmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("片段不存在，跳过")
			p.abandon(payload.TaskID, "skipped: videosegment not found")
			return nil
		}
		return err
	}
	if seg.Status != models.StatusRunning {
		log.Infof("片段状态为 %s，跳过", seg.Status)
		p.abandon(payload.TaskID, fmt.Sprintf("skipped: videosegment is %s", seg.Status))
		return nil
	}
	p.taskStatus(payload.TaskID, models.StatusRunning, "")
	log.Info("开始渲染片段")

	fail := func(err error) error {
		log.WithError(err).Error("渲染失败")
		if ferr := models.FailSegment(p.DB, seg.ID, err.Error()); ferr != nil {
			return ferr
		}
		p.taskStatus(payload.TaskID, models.StatusFailed, err.Error())
		p.Metrics.outcome(t.Type(), models.StatusFailed)
		p.Hub.Publish(seg.ProjectID)
		return nil
	}

	image, err := p.Blobs.Load(ctx, seg.ImageID)
	if err != nil {
		return fail(fmt.Errorf("load slide image %s: %w", seg.ImageID, err))
	}
	video, err := p.Renderer.Render(ctx, image, seg.Script)
	if err != nil {
		return fail(fmt.Errorf("render: %w", err))
	}
	key := fmt.Sprintf("videos/%s.mp4", seg.ID)
	if err := saveBytes(ctx, p.Blobs, key, video); err != nil {
		return fail(fmt.Errorf("store video: %w", err))
	}

	ok, err := models.CompleteSegment(p.DB, seg.ID, key)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("片段已不在 running 状态，放弃结果")
		return nil
	}
	p.taskStatus(payload.TaskID, models.StatusCompleted, "")
	p.Metrics.outcome(t.Type(), models.StatusCompleted)
	p.Hub.Publish(seg.ProjectID)
	log.Infof("片段渲染完成: %s", key)
	return nil
}

// HandleVideoConcat 按 order 升序拼接全部已完成片段，写回项目的 video_output_id
func (p *Processor) HandleVideoConcat(ctx context.Context, t *asynq.Task) error {
	var payload VideoConcatPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	log := p.Log.WithFields(logrus.Fields{
		"task":       t.Type(),
		"project_id": payload.ProjectID,
		"job_id":     payload.TaskID,
	})

	project, err := models.GetProject(p.DB, payload.ProjectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("项目不存在，跳过")
			p.abandon(payload.TaskID, "skipped: project not found")
			return nil
		}
		return err
	}
	// 只有持有拼接槽位的任务才能写回结果
	if project.ConcatJobID != payload.TaskID {
		log.Infof("拼接任务已过期 (当前 %q)，跳过", project.ConcatJobID)
		p.abandon(payload.TaskID, "skipped: concatenation slot is held by another job")
		return nil
	}
	p.taskStatus(payload.TaskID, models.StatusRunning, "")
	log.Info("开始拼接")

	fail := func(err error) error {
		log.WithError(err).Error("拼接失败")
		if ferr := models.FailProject(p.DB, project.ID, payload.TaskID, err.Error()); ferr != nil {
			return ferr
		}
		p.taskStatus(payload.TaskID, models.StatusFailed, err.Error())
		p.Metrics.outcome(t.Type(), models.StatusFailed)
		p.Hub.Publish(project.ID)
		return nil
	}

	segments, err := models.ListVideoSegments(p.DB, project.ID)
	if err != nil {
		return err
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Order < segments[j].Order })

	files := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Status != models.StatusCompleted {
			return fail(fmt.Errorf("segment %s (order %d) is %s", s.ID, s.Order, s.Status))
		}
		if s.Hidden {
			continue
		}
		files = append(files, s.VideoFile)
	}
	if len(files) == 0 {
		return fail(errors.New("no visible segments to concatenate"))
	}

	clips := make([][]byte, len(files))
	g, gctx := errgroup.WithContext(ctx)
	limit := p.DownloadLimit
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			b, err := p.Blobs.Load(gctx, f)
			if err != nil {
				return fmt.Errorf("load %s: %w", f, err)
			}
			clips[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	output, err := p.Concater.Concat(ctx, clips)
	if err != nil {
		return fail(fmt.Errorf("concat: %w", err))
	}
	key := fmt.Sprintf("output/%s-%d.mp4", project.ID, time.Now().Unix())
	if err := saveBytes(ctx, p.Blobs, key, output); err != nil {
		return fail(fmt.Errorf("store output: %w", err))
	}

	ok, err := models.CompleteProject(p.DB, project.ID, payload.TaskID, key)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("拼接槽位已被释放，放弃结果")
		return nil
	}
	p.taskStatus(payload.TaskID, models.StatusCompleted, "")
	p.Metrics.outcome(t.Type(), models.StatusCompleted)
	p.Hub.Publish(project.ID)
	log.Infof("拼接完成: %d 个片段 -> %s", len(clips), key)
	return nil
}
