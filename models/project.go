package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultProjectName = "Untitled project"

type Project struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID       string    `gorm:"column:owner_id;type:varchar(64);index" json:"-"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	Status        Status    `gorm:"type:varchar(20)" json:"status"`
	IdemKey       string    `gorm:"column:idem_key;type:varchar(128)" json:"idem_key"`
	VideoOutputID string    `gorm:"column:video_output_id;type:varchar(255)" json:"video_output_id"`
	ConcatJobID   string    `gorm:"column:concat_job_id;type:varchar(64)" json:"-"`
	Error         string    `gorm:"column:error_message;type:text" json:"error,omitempty"`
	DateCreated   time.Time `json:"date_created"`
	DateModified  time.Time `json:"date_modified"`

	// 子集合单独存表，按 project_id 关联，读取时由 LoadProjectChildren 填充
	PDFSlideImages []PDFSlideImages `gorm:"-" json:"pdf_slide_images"`
	VideoSegments  []VideoSegment   `gorm:"-" json:"video_segments"`
}

func (Project) TableName() string {
	return "projects"
}

func NewProject(ownerID, name string) Project {
	if name == "" {
		name = DefaultProjectName
	}
	now := time.Now()
	return Project{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           name,
		Status:         StatusCreated,
		DateCreated:    now,
		DateModified:   now,
		PDFSlideImages: []PDFSlideImages{},
		VideoSegments:  []VideoSegment{},
	}
}

func CreateProject(db *gorm.DB, p *Project) error {
	return db.Create(p).Error
}

func GetProject(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func ListProjectsByOwner(db *gorm.DB, ownerID string) ([]Project, error) {
	projects := []Project{}
	err := db.Where("owner_id = ?", ownerID).Order("date_created ASC").Find(&projects).Error
	return projects, err
}

// LoadProjectChildren 读取项目下的 pdf 切图任务与视频片段。
// 先读切图任务再读片段，调用方应在同一事务中执行以获得一致快照
func LoadProjectChildren(db *gorm.DB, p *Project) error {
	items, err := ListPDFSlideImages(db, p.ID)
	if err != nil {
		return err
	}
	segments, err := ListVideoSegments(db, p.ID)
	if err != nil {
		return err
	}
	p.PDFSlideImages = items
	p.VideoSegments = segments
	return nil
}

// UpdateProjectFields 只在项目仍处于 expect 状态时更新；修改 status 还要求没有在途拼接
func UpdateProjectFields(db *gorm.DB, id string, expect Status, updates map[string]interface{}) (bool, error) {
	updates["date_modified"] = time.Now()
	q := db.Model(&Project{}).Where("id = ? AND status = ?", id, expect)
	if _, ok := updates["status"]; ok {
		q = q.Where("concat_job_id = ?", "")
	}
	res := q.Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// StartConcat 以 CAS 方式占用拼接任务槽位：只有没有在途拼接且尚未完成的项目才会被更新
func StartConcat(db *gorm.DB, id, jobID string) (bool, error) {
	res := db.Model(&Project{}).
		Where("id = ? AND concat_job_id = ? AND status IN ?", id, "", []Status{StatusCreated, StatusRunning, StatusFailed}).
		Updates(map[string]interface{}{
			"status":        StatusRunning,
			"concat_job_id": jobID,
			"error_message": "",
			"date_modified": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

// TransitionProject 仅当当前状态属于 from 时切换到 next
func TransitionProject(db *gorm.DB, id string, from []Status, next Status) (bool, error) {
	res := db.Model(&Project{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":        next,
			"date_modified": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

// CompleteProject 在同一条语句里写入 video_output_id 与 completed，二者总是同时可见
func CompleteProject(db *gorm.DB, id, jobID, videoOutputID string) (bool, error) {
	res := db.Model(&Project{}).
		Where("id = ? AND concat_job_id = ?", id, jobID).
		Updates(map[string]interface{}{
			"status":          StatusCompleted,
			"video_output_id": videoOutputID,
			"concat_job_id":   "",
			"error_message":   "",
			"date_modified":   time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

func FailProject(db *gorm.DB, id, jobID, message string) error {
	return db.Model(&Project{}).
		Where("id = ? AND concat_job_id = ?", id, jobID).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"concat_job_id": "",
			"error_message": message,
			"date_modified": time.Now(),
		}).Error
}

// DeleteProject 级联删除项目及其所有子记录
func DeleteProject(db *gorm.DB, id string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&SlideAsset{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&PDFSlideImages{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&VideoSegment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&IdemKey{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&Task{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Project{}).Error
	})
}

// lockProject 在事务内对项目行加 FOR UPDATE 锁，串行化同一项目里 order 的分配
func lockProject(tx *gorm.DB, id string) error {
	var p Project
	return projectLock(tx).Take(&p, "id = ?", id).Error
}

// sqlite 只有一个写连接，不需要行锁
func projectLock(tx *gorm.DB) *gorm.DB {
	q := tx.Model(&Project{}).Select("id")
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}
