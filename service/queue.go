package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"slides2video/config"
	"slides2video/models"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TypePDFSplit      = models.TaskTypePDFSplit
	TypeSegmentRender = models.TaskTypeSegmentRender
	TypeVideoConcat   = models.TaskTypeVideoConcat
)

type PDFSplitPayload struct {
	TaskID           string `json:"task_id" validate:"required"`
	ProjectID        string `json:"project_id" validate:"required"`
	PDFSlideImagesID string `json:"pdf_slide_images_id" validate:"required"`
}

type SegmentRenderPayload struct {
	TaskID    string `json:"task_id" validate:"required"`
	ProjectID string `json:"project_id" validate:"required"`
	SegmentID string `json:"segment_id" validate:"required"`
}

type VideoConcatPayload struct {
	TaskID    string `json:"task_id" validate:"required"`
	ProjectID string `json:"project_id" validate:"required"`
}

// Queue hands background work to whichever worker pool is configured.
type Queue interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) error
}

func newTask(taskType string, payload interface{}) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(taskType, b,
		asynq.MaxRetry(3),
		asynq.Timeout(20*time.Minute), // ffmpeg renders can be slow
		asynq.Retention(24*time.Hour),
	), nil
}

// AsynqQueue hands tasks to worker processes through redis.
type AsynqQueue struct {
	client *asynq.Client
	log    *logrus.Logger
}

func NewAsynqQueue(cfg config.RedisConfig, log *logrus.Logger) *AsynqQueue {
	return &AsynqQueue{
		client: asynq.NewClient(redisOpt(cfg)),
		log:    log,
	}
}

func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	task, err := newTask(taskType, payload)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.log.WithFields(logrus.Fields{"task": taskType, "asynq_id": info.ID}).Info("[Queue] task enqueued")
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// InlineQueue runs every task on a goroutine of the current process through the
// same handlers the asynq server uses. Failed tasks are logged, never retried.
type InlineQueue struct {
	log     *logrus.Logger
	mu      sync.RWMutex
	handler asynq.Handler
	onError asynq.ErrorHandler
	wg      sync.WaitGroup
}

func NewInlineQueue(log *logrus.Logger) *InlineQueue {
	return &InlineQueue{log: log}
}

// Handle sets the handler that receives enqueued tasks, normally Processor.Mux().
func (q *InlineQueue) Handle(h asynq.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// HandleError sets the hook called when a task returns an error. Inline tasks
// are never retried, so it is the last chance to release the task's entity.
func (q *InlineQueue) HandleError(h asynq.ErrorHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = h
}

func (q *InlineQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	q.mu.RLock()
	h, onError := q.handler, q.onError
	q.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("inline queue has no handler for %s", taskType)
	}
	task, err := newTask(taskType, payload)
	if err != nil {
		return err
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		// the task outlives the request that enqueued it
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Minute)
		defer cancel()
		if err := h.ProcessTask(taskCtx, task); err != nil {
			q.log.WithField("task", taskType).WithError(err).Error("[Queue] inline task failed")
			if onError != nil {
				onError.HandleError(taskCtx, task, err)
			}
		}
	}()
	return nil
}

// Wait blocks until every task enqueued so far has returned.
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}

// Drain is Wait bounded by ctx. Tasks still running when ctx ends are left to
// Processor.Resume on the next start.
func (q *InlineQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
