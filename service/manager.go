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

// Manager implements every synchronous project operation. Long running work
// is handed to Queue and observed by reading the project again.
type Manager struct {
	DB        *gorm.DB
	Queue     Queue
	Blobs     BlobStore
	Inspector PDFInspector
	Hub       *Hub
	Log       *logrus.Logger
}

type ProjectUpdate struct {
	Name    *string
	Status  *models.Status
	IdemKey string
}

func (m *Manager) db(ctx context.Context) *gorm.DB {
	return m.DB.WithContext(ctx)
}

// ownedProject loads a project and checks that owner holds it.
func ownedProject(db *gorm.DB, owner, id string) (*models.Project, error) {
	p, err := models.GetProject(db, id)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	if p.OwnerID != owner {
		return nil, ErrForbidden
	}
	return p, nil
}

// acceptsNewWork rejects uploads and new segments once the project is completed
// or being concatenated.
func acceptsNewWork(p *models.Project) error {
	if p.Status == models.StatusCompleted {
		return conflictf("project %s is completed", p.ID)
	}
	if p.ConcatJobID != "" {
		return conflictf("project %s is being concatenated", p.ID)
	}
	return nil
}

func (m *Manager) CreateProject(ctx context.Context, owner, name string) (*models.Project, error) {
	p := models.NewProject(owner, strings.TrimSpace(name))
	if err := models.CreateProject(m.db(ctx), &p); err != nil {
		return nil, err
	}
	m.Log.WithFields(logrus.Fields{"project_id": p.ID, "owner": owner}).Info("项目已创建")
	return &p, nil
}

// GetProject returns the aggregate read in one transaction, so children
// written together by a worker are seen together.
func (m *Manager) GetProject(ctx context.Context, owner, id string) (*models.Project, error) {
	var p *models.Project
	err := m.db(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if p, err = ownedProject(tx, owner, id); err != nil {
			return err
		}
		return models.LoadProjectChildren(tx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) ListProjects(ctx context.Context, owner string) ([]models.Project, error) {
	var projects []models.Project
	err := m.db(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if projects, err = models.ListProjectsByOwner(tx, owner); err != nil {
			return err
		}
		for i := range projects {
			if err := models.LoadProjectChildren(tx, &projects[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return projects, err
}

// UpdateProject applies a partial update. A repeated idem key makes the call a
// no-op that returns the current project.
func (m *Manager) UpdateProject(ctx context.Context, owner, id string, upd ProjectUpdate) (*models.Project, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, validationf("name must not be empty")
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, validationf("unknown status %q", *upd.Status)
		}
		// only the concat worker sets completed, together with video_output_id
		if *upd.Status == models.StatusCompleted {
			return nil, validationf("status %s is set by concatenation only", models.StatusCompleted)
		}
	}

	var p *models.Project
	err := m.db(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if p, err = ownedProject(tx, owner, id); err != nil {
			return err
		}
		if upd.IdemKey != "" {
			claimed, err := models.ClaimIdemKey(tx, p.ID, "project:"+p.ID, upd.IdemKey)
			if err != nil {
				return err
			}
			if !claimed {
				m.Log.WithFields(logrus.Fields{"project_id": p.ID, "idem_key": upd.IdemKey}).Info("重复的 idem_key，忽略")
				return models.LoadProjectChildren(tx, p)
			}
		}

		updates := map[string]interface{}{}
		if upd.Name != nil {
			updates["name"] = strings.TrimSpace(*upd.Name)
		}
		if upd.IdemKey != "" {
			updates["idem_key"] = upd.IdemKey
		}
		if upd.Status != nil && *upd.Status != p.Status {
			if !p.Status.CanTransition(*upd.Status) {
				return conflictf("cannot move project from %s to %s", p.Status, *upd.Status)
			}
			updates["status"] = *upd.Status
		}
		ok, err := models.UpdateProjectFields(tx, p.ID, p.Status, updates)
		if err != nil {
			return err
		}
		if !ok {
			return conflictf("project %s is busy", p.ID)
		}
		if p, err = models.GetProject(tx, p.ID); err != nil {
			return err
		}
		return models.LoadProjectChildren(tx, p)
	})
	if err != nil {
		return nil, err
	}
	m.Hub.Publish(p.ID)
	return p, nil
}

// DeleteProject removes the project with its children, then its blobs on a
// best effort basis.
func (m *Manager) DeleteProject(ctx context.Context, owner, id string) error {
	p, err := m.GetProject(ctx, owner, id)
	if err != nil {
		return err
	}
	var keys []string
	for _, item := range p.PDFSlideImages {
		keys = append(keys, item.PDFFile)
		for _, a := range item.SlideAssets {
			keys = append(keys, a.ImageID)
		}
	}
	for _, s := range p.VideoSegments {
		if s.VideoFile != "" {
			keys = append(keys, s.VideoFile)
		}
	}
	if p.VideoOutputID != "" {
		keys = append(keys, p.VideoOutputID)
	}

	if err := models.DeleteProject(m.db(ctx), p.ID); err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.Blobs.Delete(ctx, key); err != nil && !errors.Is(err, ErrBlobNotFound) {
			m.Log.WithField("key", key).WithError(err).Warn("删除文件失败")
		}
	}
	m.Hub.Publish(p.ID)
	m.Log.WithField("project_id", p.ID).Info("项目已删除")
	return nil
}

func (m *Manager) ListTasks(ctx context.Context, owner, projectID string) ([]models.Task, error) {
	if _, err := ownedProject(m.db(ctx), owner, projectID); err != nil {
		return nil, err
	}
	return models.ListTasksByProject(m.db(ctx), projectID)
}

// Download describes where a stored blob can be fetched. Data is only filled
// when the blob store has no URL to redirect to.
type Download struct {
	Key         string
	ContentType string
	URL         string
	Data        []byte
}

func (m *Manager) fetch(ctx context.Context, key string) (*Download, error) {
	d := &Download{Key: key, ContentType: contentType(key)}
	var err error
	if d.URL, err = m.Blobs.URL(ctx, key); err != nil {
		return nil, err
	}
	if d.URL == "" {
		if d.Data, err = m.Blobs.Load(ctx, key); err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				return nil, fmt.Errorf("%w: blob %s", ErrNotFound, key)
			}
			return nil, err
		}
	}
	return d, nil
}

// Video returns the final video of a completed project.
func (m *Manager) Video(ctx context.Context, owner, id string) (*Download, error) {
	p, err := ownedProject(m.db(ctx), owner, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusCompleted || p.VideoOutputID == "" {
		return nil, conflictf("project %s has no output video yet", p.ID)
	}
	return m.fetch(ctx, p.VideoOutputID)
}

// SlideImage returns an image referenced by one of the project's slide assets
// or video segments.
func (m *Manager) SlideImage(ctx context.Context, owner, projectID, imageID string) (*Download, error) {
	db := m.db(ctx)
	if _, err := ownedProject(db, owner, projectID); err != nil {
		return nil, err
	}
	ok, err := models.ProjectHasImage(db, projectID, imageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: image %s", ErrNotFound, imageID)
	}
	return m.fetch(ctx, imageID)
}

// SegmentVideo returns the rendered clip of a completed video segment.
func (m *Manager) SegmentVideo(ctx context.Context, owner, projectID, segmentID string) (*Download, error) {
	seg, err := m.GetSegment(ctx, owner, projectID, segmentID)
	if err != nil {
		return nil, err
	}
	if seg.Status != models.StatusCompleted || seg.VideoFile == "" {
		return nil, conflictf("videosegment %s has no video yet", seg.ID)
	}
	return m.fetch(ctx, seg.VideoFile)
}
