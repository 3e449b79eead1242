package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"slides2video/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SegmentUpdate struct {
	Script  *string
	Hidden  *bool
	Status  *models.Status
	IdemKey string
}

func (m *Manager) CreateSegment(ctx context.Context, owner, projectID, imageID string, order int) (*models.VideoSegment, error) {
	if strings.TrimSpace(imageID) == "" {
		return nil, validationf("image_id is required")
	}
	if order < 0 {
		return nil, validationf("order must not be negative")
	}
	p, err := ownedProject(m.db(ctx), owner, projectID)
	if err != nil {
		return nil, err
	}
	if err := acceptsNewWork(p); err != nil {
		return nil, err
	}

	seg := models.NewVideoSegment(p.ID, imageID, order)
	if err := models.CreateVideoSegment(m.db(ctx), &seg); err != nil {
		if errors.Is(err, models.ErrOrderTaken) {
			return nil, conflictf("order %d is already used in project %s", order, p.ID)
		}
		return nil, err
	}
	m.Hub.Publish(p.ID)
	return &seg, nil
}

func (m *Manager) GetSegment(ctx context.Context, owner, projectID, id string) (*models.VideoSegment, error) {
	db := m.db(ctx)
	if _, err := ownedProject(db, owner, projectID); err != nil {
		return nil, err
	}
	seg, err := models.GetVideoSegment(db, projectID, id)
	if err != nil {
		return nil, notFound(err, "videosegment", id)
	}
	return seg, nil
}

// UpdateSegment edits a segment that has not been generated yet. Once a render
// has been requested the segment is frozen and edits fail with ErrConflict.
func (m *Manager) UpdateSegment(ctx context.Context, owner, projectID, id string, upd SegmentUpdate) (*models.VideoSegment, error) {
	var seg *models.VideoSegment
	err := m.db(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ownedProject(tx, owner, projectID); err != nil {
			return err
		}
		var err error
		if seg, err = models.GetVideoSegment(tx, projectID, id); err != nil {
			return notFound(err, "videosegment", id)
		}
		if upd.Status != nil && *upd.Status != seg.Status {
			return validationf("status of a video segment changes through :generate only")
		}
		if upd.IdemKey != "" {
			claimed, err := models.ClaimIdemKey(tx, projectID, "videosegment:"+seg.ID, upd.IdemKey)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
		}
		if seg.Status != models.StatusCreated {
			return conflictf("videosegment %s is %s and can no longer be edited", seg.ID, seg.Status)
		}

		updates := map[string]interface{}{}
		if upd.Script != nil {
			updates["script"] = *upd.Script
		}
		if upd.Hidden != nil {
			updates["hidden"] = *upd.Hidden
		}
		if upd.IdemKey != "" {
			updates["idem_key"] = upd.IdemKey
		}
		ok, err := models.UpdateCreatedSegment(tx, seg.ID, updates)
		if err != nil {
			return err
		}
		if !ok {
			return conflictf("videosegment %s can no longer be edited", seg.ID)
		}
		seg, err = models.GetVideoSegment(tx, projectID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Hub.Publish(projectID)
	return seg, nil
}

// GenerateSegment schedules the render of one segment. A segment that is
// already running or completed is returned as is.
func (m *Manager) GenerateSegment(ctx context.Context, owner, projectID, id string) (*models.VideoSegment, error) {
	seg, err := m.GetSegment(ctx, owner, projectID, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(seg.Script) == "" {
		return nil, validationf("videosegment %s has an empty script", seg.ID)
	}
	if seg.Status == models.StatusRunning || seg.Status == models.StatusCompleted {
		return seg, nil
	}
	if err := m.startSegment(ctx, seg); err != nil {
		return nil, err
	}
	m.markProjectRunning(ctx, projectID)
	m.Hub.Publish(projectID)
	return m.GetSegment(ctx, owner, projectID, id)
}

// startSegment claims the segment with a compare-and-swap and enqueues only
// when the claim succeeds. The claim and its task row commit together so a
// restarted process can resume the render.
func (m *Manager) startSegment(ctx context.Context, seg *models.VideoSegment) error {
	db := m.db(ctx)
	task := models.NewTask(seg.ProjectID, seg.ID, TypeSegmentRender, models.TaskParameters{Script: seg.Script})
	started := false
	err := db.Transaction(func(tx *gorm.DB) error {
		ok, err := models.StartSegment(tx, seg.ID)
		if err != nil || !ok {
			return err
		}
		started = true
		return models.CreateTask(tx, &task)
	})
	if err != nil || !started {
		return err
	}
	log := m.Log.WithFields(logrus.Fields{"project_id": seg.ProjectID, "segment_id": seg.ID})

	err = m.Queue.Enqueue(ctx, TypeSegmentRender, SegmentRenderPayload{
		TaskID:    task.ID,
		ProjectID: seg.ProjectID,
		SegmentID: seg.ID,
	})
	if err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := models.FailSegment(db, seg.ID, msg); ferr != nil {
			log.WithError(ferr).Error("标记片段失败出错")
		}
		_ = models.UpdateTaskStatus(db, task.ID, models.StatusFailed, msg)
		return err
	}
	log.Info("片段已入队渲染")
	return nil
}

func (m *Manager) markProjectRunning(ctx context.Context, projectID string) {
	if _, err := models.TransitionProject(m.db(ctx), projectID, []models.Status{models.StatusCreated}, models.StatusRunning); err != nil {
		m.Log.WithField("project_id", projectID).WithError(err).Warn("更新项目状态失败")
	}
}
