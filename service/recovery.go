package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"slides2video/models"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// HandleError 是 asynq 的 ErrorHandler：重试用尽或被标记为 SkipRetry 后，
// 把任务对应的实体置为 failed，避免其一直停留在 running
func (p *Processor) HandleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		return
	}
	p.GiveUp(t, err)
}

// GiveUp 在任务不会再执行时释放它占用的实体
func (p *Processor) GiveUp(t *asynq.Task, cause error) {
	log := p.Log.WithField("task", t.Type())
	msg := fmt.Sprintf("task abandoned: %v", cause)

	var taskID, projectID string
	var err error
	switch t.Type() {
	case TypePDFSplit:
		var payload PDFSplitPayload
		if err = json.Unmarshal(t.Payload(), &payload); err == nil && payload.PDFSlideImagesID != "" {
			taskID, projectID = payload.TaskID, payload.ProjectID
			err = models.FailPDFSlideImages(p.DB, payload.PDFSlideImagesID, msg)
		}
	case TypeSegmentRender:
		var payload SegmentRenderPayload
		if err = json.Unmarshal(t.Payload(), &payload); err == nil && payload.SegmentID != "" {
			taskID, projectID = payload.TaskID, payload.ProjectID
			err = models.FailSegment(p.DB, payload.SegmentID, msg)
		}
	case TypeVideoConcat:
		var payload VideoConcatPayload
		if err = json.Unmarshal(t.Payload(), &payload); err == nil && payload.TaskID != "" {
			taskID, projectID = payload.TaskID, payload.ProjectID
			err = models.FailProject(p.DB, payload.ProjectID, payload.TaskID, msg)
		}
	default:
		err = fmt.Errorf("unknown task type %q", t.Type())
	}
	if err != nil {
		log.WithError(err).Error("无法释放任务对应的实体")
		return
	}
	if taskID == "" && projectID == "" {
		log.WithError(cause).Warn("任务载荷无效，已丢弃")
		return
	}
	if taskID != "" {
		p.abandon(taskID, msg)
	}
	p.Metrics.outcome(t.Type(), models.StatusFailed)
	p.Hub.Publish(projectID)
	log.WithFields(logrus.Fields{"task_id": taskID, "project_id": projectID}).WithError(cause).Warn("任务放弃，实体已标记为 failed")
}

// payloadFor 根据任务记录重建队列载荷
func payloadFor(task models.Task) (interface{}, error) {
	switch task.Type {
	case TypePDFSplit:
		return PDFSplitPayload{TaskID: task.ID, ProjectID: task.ProjectID, PDFSlideImagesID: task.TargetID}, nil
	case TypeSegmentRender:
		return SegmentRenderPayload{TaskID: task.ID, ProjectID: task.ProjectID, SegmentID: task.TargetID}, nil
	case TypeVideoConcat:
		return VideoConcatPayload{TaskID: task.ID, ProjectID: task.ProjectID}, nil
	}
	return nil, fmt.Errorf("unknown task type %q", task.Type)
}

// Resume 把上一个进程退出时还没结束的任务重新入队。只用于 inline 模式，
// asynq 模式下未完成的任务仍在 redis 中，由 asynq 自己恢复
func (p *Processor) Resume(ctx context.Context, q Queue) (int, error) {
	tasks, err := models.ListUnfinishedTasks(p.DB)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, task := range tasks {
		log := p.Log.WithFields(logrus.Fields{"task": task.Type, "task_id": task.ID, "project_id": task.ProjectID})
		payload, err := payloadFor(task)
		if err == nil {
			err = q.Enqueue(ctx, task.Type, payload)
		}
		if err != nil {
			log.WithError(err).Error("恢复任务失败")
			if payload != nil {
				if t, terr := newTask(task.Type, payload); terr == nil {
					p.GiveUp(t, err)
				}
			}
			p.abandon(task.ID, err.Error())
			continue
		}
		log.Info("任务已恢复")
		resumed++
	}
	return resumed, nil
}
