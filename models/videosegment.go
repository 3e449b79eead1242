package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrOrderTaken = errors.New("order already used by another video segment of the project")

type VideoSegment struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID    string    `gorm:"column:project_id;type:varchar(64);uniqueIndex:idx_video_segments_project_order,priority:1" json:"project_id"`
	ImageID      string    `gorm:"column:image_id;type:varchar(200)" json:"image_id"`
	Order        int       `gorm:"column:segment_order;uniqueIndex:idx_video_segments_project_order,priority:2" json:"order"`
	Script       string    `gorm:"type:text" json:"script"`
	Hidden       bool      `json:"hidden"`
	Status       Status    `gorm:"type:varchar(20)" json:"status"`
	VideoFile    string    `gorm:"column:video_file;type:varchar(255)" json:"video_file"`
	IdemKey      string    `gorm:"column:idem_key;type:varchar(128)" json:"idem_key"`
	Error        string    `gorm:"column:error_message;type:text" json:"error,omitempty"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
}

func (VideoSegment) TableName() string {
	return "video_segments"
}

func NewVideoSegment(projectID, imageID string, order int) VideoSegment {
	now := time.Now()
	return VideoSegment{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		ImageID:      imageID,
		Order:        order,
		Status:       StatusCreated,
		DateCreated:  now,
		DateModified: now,
	}
}

func CreateVideoSegment(db *gorm.DB, s *VideoSegment) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := lockProject(tx, s.ProjectID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&VideoSegment{}).
			Where("project_id = ? AND segment_order = ?", s.ProjectID, s.Order).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrOrderTaken
		}
		if err := tx.Create(s).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrOrderTaken
			}
			return err
		}
		return nil
	})
}

func GetVideoSegment(db *gorm.DB, projectID, id string) (*VideoSegment, error) {
	var s VideoSegment
	if err := db.First(&s, "id = ? AND project_id = ?", id, projectID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListVideoSegments 按 order 升序返回项目的全部片段
func ListVideoSegments(db *gorm.DB, projectID string) ([]VideoSegment, error) {
	segments := []VideoSegment{}
	err := db.Where("project_id = ?", projectID).Order("segment_order ASC").Find(&segments).Error
	return segments, err
}

// UpdateCreatedSegment 只在片段仍处于 created 时更新字段，返回是否命中
func UpdateCreatedSegment(db *gorm.DB, id string, updates map[string]interface{}) (bool, error) {
	updates["date_modified"] = time.Now()
	res := db.Model(&VideoSegment{}).
		Where("id = ? AND status = ?", id, StatusCreated).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// StartSegment 以 CAS 把片段置为 running，保证同一片段最多一个在途渲染
func StartSegment(db *gorm.DB, id string) (bool, error) {
	res := db.Model(&VideoSegment{}).
		Where("id = ? AND status IN ?", id, []Status{StatusCreated, StatusFailed}).
		Updates(map[string]interface{}{
			"status":        StatusRunning,
			"video_file":    "",
			"error_message": "",
			"date_modified": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

func CompleteSegment(db *gorm.DB, id, videoFile string) (bool, error) {
	res := db.Model(&VideoSegment{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]interface{}{
			"status":        StatusCompleted,
			"video_file":    videoFile,
			"date_modified": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

func FailSegment(db *gorm.DB, id, message string) error {
	return db.Model(&VideoSegment{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": message,
			"date_modified": time.Now(),
		}).Error
}
