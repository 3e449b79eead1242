package service

import (
	"context"
	"fmt"
	"strings"

	"slides2video/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GenerateVideo schedules a render for every segment that has not started or
// has failed. Nothing is scheduled unless all of them have a script.
func (m *Manager) GenerateVideo(ctx context.Context, owner, id string) (*models.Project, error) {
	p, err := ownedProject(m.db(ctx), owner, id)
	if err != nil {
		return nil, err
	}
	if p.Status == models.StatusCompleted {
		return m.GetProject(ctx, owner, id)
	}
	segments, err := models.ListVideoSegments(m.db(ctx), p.ID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, conflictf("project %s has no video segments", p.ID)
	}

	var pending []models.VideoSegment
	var missing []string
	for _, s := range segments {
		if s.Status != models.StatusCreated && s.Status != models.StatusFailed {
			continue
		}
		if strings.TrimSpace(s.Script) == "" {
			missing = append(missing, fmt.Sprint(s.Order))
			continue
		}
		pending = append(pending, s)
	}
	if len(missing) > 0 {
		return nil, validationf("video segments with order %s have an empty script", strings.Join(missing, ", "))
	}

	for i := range pending {
		if err := m.startSegment(ctx, &pending[i]); err != nil {
			return nil, err
		}
	}
	m.markProjectRunning(ctx, p.ID)
	m.Log.WithFields(logrus.Fields{"project_id": p.ID, "scheduled": len(pending)}).Info("generate-video")
	m.Hub.Publish(p.ID)
	return m.GetProject(ctx, owner, id)
}

// Concat schedules the final concatenation once every segment is completed.
// While a concatenation is in flight, or after it succeeded, the call returns
// the project without scheduling anything.
func (m *Manager) Concat(ctx context.Context, owner, id string) (*models.Project, error) {
	db := m.db(ctx)
	p, err := ownedProject(db, owner, id)
	if err != nil {
		return nil, err
	}
	if p.Status == models.StatusCompleted || p.ConcatJobID != "" {
		return m.GetProject(ctx, owner, id)
	}

	segments, err := models.ListVideoSegments(db, p.ID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, conflictf("project %s has no video segments", p.ID)
	}
	visible := 0
	for _, s := range segments {
		if s.Status != models.StatusCompleted {
			return nil, conflictf("videosegment %s (order %d) is %s", s.ID, s.Order, s.Status)
		}
		if !s.Hidden {
			visible++
		}
	}
	if visible == 0 {
		return nil, conflictf("every video segment of project %s is hidden", p.ID)
	}

	task := models.NewTask(p.ID, p.ID, TypeVideoConcat, models.TaskParameters{Segments: visible})
	claimed := false
	err = db.Transaction(func(tx *gorm.DB) error {
		ok, err := models.StartConcat(tx, p.ID, task.ID)
		if err != nil || !ok {
			return err
		}
		claimed = true
		return models.CreateTask(tx, &task)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		// a concurrent :concat already holds the slot
		return m.GetProject(ctx, owner, id)
	}

	log := m.Log.WithFields(logrus.Fields{"project_id": p.ID, "job_id": task.ID})
	err = m.Queue.Enqueue(ctx, TypeVideoConcat, VideoConcatPayload{TaskID: task.ID, ProjectID: p.ID})
	if err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := models.FailProject(db, p.ID, task.ID, msg); ferr != nil {
			log.WithError(ferr).Error("标记拼接失败出错")
		}
		_ = models.UpdateTaskStatus(db, task.ID, models.StatusFailed, msg)
		return nil, err
	}
	log.Info("拼接任务已入队")
	m.Hub.Publish(p.ID)
	return m.GetProject(ctx, owner, id)
}
